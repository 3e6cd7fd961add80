package reflink

import (
	"context"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	"github.com/buildbarn/bb-storage/pkg/util"
)

// WhichFork selects one of the forks of an inode.
type WhichFork int

const (
	// DataFork is the fork containing the externally visible block
	// mapping of a file.
	DataFork WhichFork = iota
	// CowFork is the fork containing staging extents.
	CowFork
)

func (w WhichFork) String() string {
	if w == CowFork {
		return "CoW"
	}
	return "data"
}

func (w WhichFork) fork(ip *inode.Inode) *blockmap.Fork {
	if w == CowFork {
		return ip.CowFork
	}
	return ip.DataFork
}

func (w WhichFork) health() inode.Health {
	if w == CowFork {
		return inode.SickCowFork
	}
	return inode.SickDataFork
}

// mapExtent inserts an extent into a fork. Failures indicate that the
// range is already occupied, meaning the fork is inconsistent with the
// refcount index.
func (e *Engine) mapExtent(ctx context.Context, ip *inode.Inode, which WhichFork, extent blockmap.Extent) error {
	if err := which.fork(ip).Map(extent); err != nil {
		return markCorrupted(ctx, ip, which.health(), "Failed to map extent %s into %s fork: %s", extent, which, err)
	}
	return nil
}

// ReserveDelalloc creates delayed allocations for all holes within a
// range of a fork. Space and quota are reserved immediately, without
// a transaction. Ranges in the CoW fork are widened to the CoW extent
// size hint of the inode. The caller must hold the ILOCK exclusively.
func (e *Engine) ReserveDelalloc(ctx context.Context, ip *inode.Inode, which WhichFork, offset, count uint64) error {
	f := which.fork(ip)
	end := min(offset+count, blockmap.MaxFileOffset)
	for offset < end {
		got := f.Read(offset, end-offset)
		if !got.IsHole() {
			offset = got.End()
			continue
		}

		start, stop := got.FileOffset, got.End()
		if which == CowFork {
			alignedStart, alignedEnd := e.alignedRange(ip, start, stop-start)
			holeStart, holeEnd := uint64(0), blockmap.MaxFileOffset
			if previous, ok := f.LookupBefore(offset); ok {
				holeStart = previous.End()
			}
			if next, ok := f.Lookup(offset); ok {
				holeEnd = next.FileOffset
			}
			start, stop = max(alignedStart, holeStart), min(alignedEnd, holeEnd)
		}

		n := stop - start
		if err := e.space.Reserve(n); err != nil {
			return err
		}
		if err := e.quotas.ReserveDelayed(ip.Owner(), n); err != nil {
			e.space.Release(n)
			return err
		}
		if err := e.mapExtent(ctx, ip, which, blockmap.NewDelayed(start, n)); err != nil {
			e.quotas.UnreserveDelayed(ip.Owner(), n)
			e.space.Release(n)
			return err
		}
		ip.DelayedBlocks += n
		offset = stop
	}
	return nil
}

// convertDelalloc replaces the start of a delayed allocation by real
// blocks. The space reservation held by the delayed allocation is
// transferred to the transaction. The resulting extent may be shorter
// than the delayed allocation.
//
// Blocks allocated in the data fork are charged to the quota of the
// owner at commit time. Blocks allocated in the CoW fork remain
// accounted as delayed until they are remapped into the data fork.
func (e *Engine) convertDelalloc(ctx context.Context, tx *transaction.Transaction, ip *inode.Inode, which WhichFork, del blockmap.Extent, state blockmap.State) (blockmap.Extent, error) {
	want := min(del.Count, e.maxExtentBlocks())
	tx.TakeBlocks(want)
	block, count, err := tx.AllocateBlocks(want)
	if err != nil {
		return blockmap.Extent{}, err
	}
	tx.GiveBlocks(want - count)

	allocated := blockmap.Extent{
		FileOffset: del.FileOffset,
		Block:      block,
		Count:      count,
		State:      state,
	}
	which.fork(ip).Unmap(allocated.FileOffset, allocated.Count)
	if err := e.mapExtent(ctx, ip, which, allocated); err != nil {
		return blockmap.Extent{}, err
	}
	if which == CowFork {
		if err := e.refcounts.AddCowExtent(tx, block, count); err != nil {
			return blockmap.Extent{}, checkCorrupted(ctx, ip, inode.SickCowFork, err)
		}
		return allocated, nil
	}

	if err := e.refcounts.Increase(tx, block, count); err != nil {
		return blockmap.Extent{}, checkCorrupted(ctx, ip, inode.SickDataFork, err)
	}
	e.quotas.ModQuota(tx, ip.Owner(), quota.FieldDelayedBlocks, int64(count))
	ip.NBlocks += count
	ip.DelayedBlocks -= count
	return allocated, nil
}

// delallocConversion returns the reservation of a transaction that
// converts a delayed allocation to real blocks. The delayed allocation
// already holds the space for the blocks, so the transaction may fall
// back to the reserve pool. Otherwise writeback of cached pages could
// fail, even though space was reserved when they were dirtied.
func delallocConversion(splitBlocks uint64) transaction.Reservation {
	reservation := transaction.Write(splitBlocks)
	reservation.AllowReservePool = true
	return reservation
}

// AllocateData ensures that the data fork of an inode is backed by
// storage at a given offset. Holes are filled by allocating new
// blocks. Delayed allocations are converted. The mapping at the offset
// is returned, trimmed to at most count blocks.
//
// The caller must not hold the ILOCK. It should hold the IOLOCK to
// prevent the range from being modified concurrently.
func (e *Engine) AllocateData(ctx context.Context, ip *inode.Inode, offset, count uint64, state blockmap.State) (blockmap.Extent, error) {
	for {
		ip.Lock(inode.ILockShared)
		peek := ip.DataFork.Read(offset, count)
		ip.Unlock(inode.ILockShared)
		if peek.IsReal() {
			return peek, nil
		}

		reservation := delallocConversion(e.splitBlocks)
		var quotaBlocks uint64
		if peek.IsHole() {
			quotaBlocks = min(peek.Count, e.maxExtentBlocks())
			reservation = transaction.Write(e.splitBlocks + quotaBlocks)
		}
		tx, err := e.beginWithQuota(ctx, ip, reservation, quotaBlocks)
		if err != nil {
			return blockmap.Extent{}, util.StatusWrapf(err, "Failed to reserve space for allocating data at block %d", offset)
		}
		ip.Lock(inode.ILockExclusive)
		tx.JoinInode(ip)

		allocated, retry, err := e.allocateDataLocked(ctx, tx, ip, offset, count, peek.State, quotaBlocks, state)
		if err == nil && !retry {
			err = tx.Commit()
		}
		tx.Cancel()
		ip.Unlock(inode.ILockExclusive)
		if err != nil {
			return blockmap.Extent{}, err
		}
		if !retry {
			return allocated.Trim(offset, count), nil
		}
	}
}

func (e *Engine) allocateDataLocked(ctx context.Context, tx *transaction.Transaction, ip *inode.Inode, offset, count uint64, expected blockmap.State, quotaBlocks uint64, state blockmap.State) (blockmap.Extent, bool, error) {
	got := ip.DataFork.Read(offset, count)
	if got.State != expected {
		// The mapping changed while the ILOCK was dropped.
		return blockmap.Extent{}, true, nil
	}

	if got.IsDelayed() {
		del, _ := ip.DataFork.Lookup(offset)
		allocated, err := e.convertDelalloc(ctx, tx, ip, DataFork, del.Trim(offset, del.End()-offset), state)
		return allocated, false, err
	}

	block, n, err := tx.AllocateBlocks(min(got.Count, quotaBlocks))
	if err != nil {
		return blockmap.Extent{}, false, err
	}
	allocated := blockmap.Extent{
		FileOffset: offset,
		Block:      block,
		Count:      n,
		State:      state,
	}
	if err := e.refcounts.Increase(tx, block, n); err != nil {
		return blockmap.Extent{}, false, checkCorrupted(ctx, ip, inode.SickDataFork, err)
	}
	if err := e.mapExtent(ctx, ip, DataFork, allocated); err != nil {
		return blockmap.Extent{}, false, err
	}
	e.quotas.ModQuota(tx, ip.Owner(), quota.FieldBlocks, int64(n))
	ip.NBlocks += n
	return allocated, false, nil
}

// unmapDataLocked removes a range from the data fork. Blocks backed by
// storage have their reference count decreased, causing them to be
// freed when no other mappings refer to them. Delayed allocations are
// released.
func (e *Engine) unmapDataLocked(ctx context.Context, tx *transaction.Transaction, ip *inode.Inode, got blockmap.Extent) error {
	switch {
	case got.IsReal():
		ip.DataFork.Unmap(got.FileOffset, got.Count)
		if err := e.refcounts.Decrease(tx, got.Block, got.Count); err != nil {
			return checkCorrupted(ctx, ip, inode.SickDataFork, err)
		}
		e.quotas.ModQuota(tx, ip.Owner(), quota.FieldBlocks, -int64(got.Count))
		ip.NBlocks -= got.Count
	case got.IsDelayed():
		ip.DataFork.Unmap(got.FileOffset, got.Count)
		e.releaseDelalloc(tx, ip, got.Count)
	}
	return nil
}

// PunchDelalloc removes all delayed allocations within a range of a
// fork, releasing the space and quota they hold. Delayed allocations
// only exist in memory, so no transaction is needed and this cannot
// fail. The caller must hold the ILOCK exclusively.
func (e *Engine) PunchDelalloc(ip *inode.Inode, which WhichFork, offset, count uint64) {
	f := which.fork(ip)
	end := min(offset+count, blockmap.MaxFileOffset)
	for offset < end {
		got, ok := f.Lookup(offset)
		if !ok || got.FileOffset >= end {
			return
		}
		del := got.Trim(offset, end-offset)
		if del.IsDelayed() {
			f.Unmap(del.FileOffset, del.Count)
			e.space.Release(del.Count)
			e.quotas.UnreserveDelayed(ip.Owner(), del.Count)
			ip.DelayedBlocks -= del.Count
		}
		offset = del.End()
	}
}

// PunchRange removes all data fork mappings within a byte range.
// Delayed allocations are removed first, so that running out of space
// while removing real extents never leaves delayed allocations behind
// for which no cached pages exist. Each real extent is removed as part
// of its own transaction. The caller must hold the IOLOCK and
// MMAPLOCK, and must have discarded cached pages of the range.
func (e *Engine) PunchRange(ctx context.Context, ip *inode.Inode, offset, length int64) error {
	start, end := e.blockRange(offset, length)
	ip.Lock(inode.ILockExclusive)
	e.PunchDelalloc(ip, DataFork, start, end-start)
	ip.Unlock(inode.ILockExclusive)
	for start < end {
		if err := ctx.Err(); err != nil {
			return util.StatusFromContext(ctx)
		}
		next, err := e.punchExtent(ctx, ip, start, end)
		if err != nil {
			return err
		}
		start = next
	}
	return nil
}

func (e *Engine) punchExtent(ctx context.Context, ip *inode.Inode, start, end uint64) (uint64, error) {
	tx, err := e.transactions.Begin(ctx, transaction.Write(e.splitBlocks))
	if err != nil {
		return 0, err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)

	got, ok := ip.DataFork.Lookup(start)
	if !ok || got.FileOffset >= end {
		return end, nil
	}
	got = got.Trim(start, end-start)
	if err := e.unmapDataLocked(ctx, tx, ip, got); err != nil {
		return 0, err
	}
	return got.End(), tx.Commit()
}

// SetSize updates the size of a file.
func (e *Engine) SetSize(ctx context.Context, ip *inode.Inode, size int64) error {
	tx, err := e.transactions.Begin(ctx, transaction.IChange())
	if err != nil {
		return err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)
	ip.Size = size
	ip.DiskSize = size
	return tx.Commit()
}
