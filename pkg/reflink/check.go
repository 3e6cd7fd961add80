package reflink

import (
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/refcount"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
)

// Check cross-references the forks of a set of inodes against the
// refcount index, the quota manager and the free space counter. The
// inodes must include all inodes that hold blocks, and no operations
// may be in progress. An EFSCORRUPTED error is returned for the first
// inconsistency that is found.
func (e *Engine) Check(inodes []*inode.Inode) error {
	mappings := map[uint64]uint64{}
	staging := map[uint64]struct{}{}
	var delayed uint64
	nBlocks := map[uint32]uint64{}
	delayedBlocks := map[uint32]uint64{}
	for _, ip := range inodes {
		ip.Lock(inode.ILockShared)
		var dataReal, dataDelayed, cowBlocks, cowDelayed uint64
		for _, extent := range ip.DataFork.Extents() {
			switch {
			case extent.IsReal():
				for b := extent.Block; b < extent.PhysicalEnd(); b++ {
					mappings[b]++
				}
				dataReal += extent.Count
			case extent.IsDelayed():
				dataDelayed += extent.Count
			}
		}
		var duplicate uint64
		for _, extent := range ip.CowFork.Extents() {
			if extent.IsReal() {
				for b := extent.Block; b < extent.PhysicalEnd(); b++ {
					if _, ok := staging[b]; ok {
						duplicate = b
					}
					staging[b] = struct{}{}
				}
			} else if extent.IsDelayed() {
				cowDelayed += extent.Count
			}
			cowBlocks += extent.Count
		}
		gotNBlocks, gotDelayedBlocks := ip.NBlocks, ip.DelayedBlocks
		ip.Unlock(inode.ILockShared)

		if duplicate != 0 {
			return re_util.NewCorruptedError("Block %d is used by multiple staging extents", duplicate)
		}
		if gotNBlocks != dataReal {
			return re_util.NewCorruptedError("Inode %d claims to use %d blocks, while its data fork maps %d blocks", ip.Number(), gotNBlocks, dataReal)
		}
		if gotDelayedBlocks != dataDelayed+cowBlocks {
			return re_util.NewCorruptedError("Inode %d claims to have %d delayed blocks, while its forks contain %d", ip.Number(), gotDelayedBlocks, dataDelayed+cowBlocks)
		}
		delayed += dataDelayed + cowDelayed
		nBlocks[ip.Owner()] += gotNBlocks
		delayedBlocks[ip.Owner()] += gotDelayedBlocks
	}

	var refcountErr error
	counted := 0
	e.refcounts.Walk(refcount.DomainShared, func(block, count, refcount uint64) {
		for b := block; b < block+count && refcountErr == nil; b++ {
			if mappings[b] != refcount {
				refcountErr = re_util.NewCorruptedError("Block %d has reference count %d, while it is mapped %d times", b, refcount, mappings[b])
			}
			counted++
		}
	})
	if refcountErr != nil {
		return refcountErr
	}
	if counted != len(mappings) {
		return re_util.NewCorruptedError("Refcount index contains %d blocks, while %d blocks are mapped", counted, len(mappings))
	}

	stagingRecords := 0
	e.refcounts.Walk(refcount.DomainCoW, func(block, count, refcount uint64) {
		for b := block; b < block+count && refcountErr == nil; b++ {
			if _, ok := staging[b]; !ok {
				refcountErr = re_util.NewCorruptedError("Block %d is recorded as a staging extent, but no CoW fork maps it", b)
			}
			stagingRecords++
		}
	})
	if refcountErr != nil {
		return refcountErr
	}
	if stagingRecords != len(staging) {
		return re_util.NewCorruptedError("Refcount index contains %d staging blocks, while CoW forks map %d blocks", stagingRecords, len(staging))
	}

	for _, owner := range e.quotas.Owners() {
		dquot := e.quotas.Get(owner)
		if dquot.Count != nBlocks[owner] || dquot.Delayed != delayedBlocks[owner] || dquot.Reserved != 0 {
			return re_util.NewCorruptedError(
				"Quota of owner %d accounts for %d blocks, %d delayed blocks and %d reserved blocks, while inodes use %d blocks and %d delayed blocks",
				owner, dquot.Count, dquot.Delayed, dquot.Reserved, nBlocks[owner], delayedBlocks[owner])
		}
	}

	inUse := uint64(len(mappings)) + uint64(len(staging)) + delayed
	if capacity := e.space.Capacity(); inUse > capacity || capacity-inUse != e.space.Available() {
		return re_util.NewCorruptedError("%d blocks are in use, while %d out of %d blocks are available", inUse, e.space.Available(), capacity)
	}
	return nil
}
