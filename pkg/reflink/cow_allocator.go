package reflink

import (
	"context"

	"github.com/buildbarn/bb-reflink/internal/logger"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	"github.com/buildbarn/bb-storage/pkg/util"

	"go.uber.org/zap"
)

// findTrimCowExtent looks up the CoW fork extent that overlaps with
// the start of a data fork mapping. The data fork mapping is trimmed,
// so that it is covered by at most one CoW fork extent.
//
// If the CoW fork has no extent at the start of the mapping, a hole is
// returned, and the mapping is trimmed around shared blocks. If a
// delayed allocation is found, the mapping is trimmed to it. If a real
// extent is found, that extent is trimmed to the mapping instead, and
// found is set.
func (e *Engine) findTrimCowExtent(ip *inode.Inode, imap *blockmap.Extent) (cmap blockmap.Extent, shared, found bool, err error) {
	cowStart := imap.End()
	got, ok := ip.CowFork.Lookup(imap.FileOffset)
	if ok && got.FileOffset < cowStart {
		cowStart = got.FileOffset
	}
	if cowStart > imap.FileOffset {
		*imap = imap.Slice(0, cowStart-imap.FileOffset)
		shared, err = e.trimCow(ip, imap)
		return blockmap.NewHole(imap.FileOffset, imap.Count), shared, false, err
	}

	if got.IsDelayed() {
		*imap = imap.Trim(got.FileOffset, got.Count)
		return got, true, false, nil
	}
	return got.Trim(imap.FileOffset, imap.Count), true, true, nil
}

// relockForTransaction drops the ILOCK held by the caller and starts a
// transaction. Transactions must be started without holding the ILOCK,
// as waiting for log space may take a long time. On success, the ILOCK
// is held exclusively and the inode is joined to the transaction.
func (e *Engine) relockForTransaction(ctx context.Context, ip *inode.Inode, lockMode *inode.LockFlags, reservation transaction.Reservation, quotaBlocks uint64) (*transaction.Transaction, error) {
	ip.Unlock(*lockMode)
	*lockMode = 0
	tx, err := e.beginWithQuota(ctx, ip, reservation, quotaBlocks)
	if err != nil {
		return nil, err
	}
	ip.Lock(inode.ILockExclusive)
	*lockMode = inode.ILockExclusive
	tx.JoinInode(ip)
	return tx, nil
}

// AllocateCow obtains a staging extent in the CoW fork for a data fork
// mapping that is about to be written. The caller must hold the ILOCK
// in the mode stored in lockMode. The lock may be dropped and
// reacquired in exclusive mode, in which case lockMode is updated.
// Upon return, the caller must release the lock in the mode stored in
// lockMode, even if an error is returned.
//
// The data fork mapping is trimmed, so that it is either wholly shared
// or wholly unshared. If it is unshared, no staging extent is needed
// and false is returned. Otherwise the staging extent overlapping the
// start of the mapping is returned. It may be shorter than the
// mapping, in which case the caller needs to call this function again
// for the remainder.
//
// If convertNow is set, the staging extent is converted to the normal
// state before returning, as needed by writes that bypass the page
// cache.
func (e *Engine) AllocateCow(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, lockMode *inode.LockFlags, convertNow bool) (blockmap.Extent, bool, error) {
	if convertNow && *lockMode != inode.ILockExclusive {
		ip.Unlock(*lockMode)
		ip.Lock(inode.ILockExclusive)
		*lockMode = inode.ILockExclusive
	}

	for {
		cmap, shared, found, err := e.findTrimCowExtent(ip, imap)
		if err != nil || !shared {
			return blockmap.Extent{}, false, err
		}
		if found {
			cmap, err := e.convertUnwritten(ctx, ip, cmap, convertNow)
			return cmap, true, err
		}

		// Create or fill the staging extent. This drops the
		// ILOCK, meaning the CoW fork needs to be inspected once
		// more afterwards.
		switch cmap.State {
		case blockmap.StateHole:
			err = e.fillCowHole(ctx, ip, imap, lockMode)
		case blockmap.StateDelayed:
			err = e.fillDelalloc(ctx, ip, imap, lockMode)
		default:
			err = markCorrupted(ctx, ip, inode.SickCowFork, "CoW fork extent %s has unexpected state", cmap)
		}
		if err != nil {
			return blockmap.Extent{}, true, err
		}
	}
}

// fillCowHole allocates an unwritten staging extent for a range of
// shared blocks that has no CoW fork extent. The allocation is rounded
// to the CoW extent size hint, but never extends into neighbouring CoW
// fork extents.
func (e *Engine) fillCowHole(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, lockMode *inode.LockFlags) error {
	alignedStart, alignedEnd := e.alignedRange(ip, imap.FileOffset, imap.Count)
	resaligned := alignedEnd - alignedStart
	tx, err := e.relockForTransaction(ctx, ip, lockMode, transaction.Write(e.splitBlocks+resaligned), resaligned)
	if err != nil {
		return util.StatusWrap(err, "Failed to reserve space for staging extent")
	}
	defer tx.Cancel()

	// Other goroutines may have modified the CoW fork while the
	// ILOCK was dropped.
	cmap, shared, _, err := e.findTrimCowExtent(ip, imap)
	if err != nil || !shared || !cmap.IsHole() {
		return err
	}

	allocStart, allocEnd := alignedStart, alignedEnd
	if previous, ok := ip.CowFork.LookupBefore(imap.FileOffset); ok {
		allocStart = max(allocStart, previous.End())
	}
	if next, ok := ip.CowFork.Lookup(imap.FileOffset); ok {
		allocEnd = min(allocEnd, next.FileOffset)
	}

	want := allocEnd - allocStart
	block, count, err := tx.AllocateBlocks(want)
	if err != nil {
		return err
	}
	// The allocator may return a shorter extent than requested. Make
	// sure it still covers the start of the mapping.
	start := allocStart
	if count < want {
		start = min(imap.FileOffset, allocEnd-count)
	}
	staging := blockmap.Extent{
		FileOffset: start,
		Block:      block,
		Count:      count,
		State:      blockmap.StateUnwritten,
	}
	if err := e.refcounts.AddCowExtent(tx, block, count); err != nil {
		return checkCorrupted(ctx, ip, inode.SickCowFork, err)
	}
	if err := e.mapExtent(ctx, ip, CowFork, staging); err != nil {
		return err
	}
	e.quotas.ModQuota(tx, ip.Owner(), quota.FieldReservedBlocks, int64(count))
	ip.DelayedBlocks += count

	logger.Debug(ctx, "Allocated staging extent", inodeField(ip), extentField("extent", staging))
	return tx.Commit()
}

// fillDelalloc replaces a delayed allocation in the CoW fork by an
// unwritten staging extent. As the delayed allocation already holds a
// reservation of space and quota, only the blocks needed to insert the
// extent have to be reserved.
func (e *Engine) fillDelalloc(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, lockMode *inode.LockFlags) error {
	tx, err := e.relockForTransaction(ctx, ip, lockMode, delallocConversion(e.splitBlocks), 0)
	if err != nil {
		return util.StatusWrap(err, "Failed to reserve space for converting delayed allocation")
	}
	defer tx.Cancel()

	cmap, shared, _, err := e.findTrimCowExtent(ip, imap)
	if err != nil || !shared || !cmap.IsDelayed() {
		return err
	}
	if _, err := e.convertDelalloc(ctx, tx, ip, CowFork, cmap, blockmap.StateUnwritten); err != nil {
		return err
	}
	return tx.Commit()
}

// convertUnwritten converts a staging extent to the normal state if
// requested. The caller must hold the ILOCK exclusively.
func (e *Engine) convertUnwritten(ctx context.Context, ip *inode.Inode, cmap blockmap.Extent, convertNow bool) (blockmap.Extent, error) {
	if !convertNow || cmap.IsWritten() {
		return cmap, nil
	}
	if err := e.convertCowLocked(ctx, ip, cmap.FileOffset, cmap.Count); err != nil {
		return blockmap.Extent{}, err
	}
	cmap.State = blockmap.StateNormal
	return cmap, nil
}

// convertCowLocked converts all unwritten staging extents in a range
// of the CoW fork to the normal state. The CoW fork is not persisted,
// so no transaction is needed. The caller must hold the ILOCK
// exclusively.
func (e *Engine) convertCowLocked(ctx context.Context, ip *inode.Inode, offset, count uint64) error {
	var delayed *blockmap.Extent
	ip.CowFork.Ascend(offset, func(got blockmap.Extent) bool {
		if got.FileOffset >= offset+count {
			return false
		}
		if got.IsDelayed() {
			delayed = &got
			return false
		}
		return true
	})
	if delayed != nil {
		return markCorrupted(ctx, ip, inode.SickCowFork, "Cannot convert delayed allocation %s in CoW fork", *delayed)
	}
	if _, err := ip.CowFork.Convert(offset, count, blockmap.StateNormal); err != nil {
		return markCorrupted(ctx, ip, inode.SickCowFork, "Failed to convert CoW fork range [%d, %d): %s", offset, offset+count, err)
	}
	return nil
}

// ConvertCow converts all unwritten staging extents in a byte range to
// the normal state. This is called before data is written to them.
func (e *Engine) ConvertCow(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	start, end := e.blockRange(offset, count)
	if end <= start {
		return nil
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	if err := e.convertCowLocked(ctx, ip, start, end-start); err != nil {
		logger.Warn(ctx, "Failed to convert staging extents", inodeField(ip), zap.Int64("offset", offset), zap.Int64("count", count), zap.Error(err))
		return err
	}
	return nil
}
