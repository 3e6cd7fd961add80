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

// CancelCowBlocks removes staging extents in the range [offset, end)
// of the CoW fork. Delayed allocations are always removed. Unwritten
// staging extents are freed as well. Staging extents that have been
// written are only freed if cancelReal is set.
//
// The transaction is rolled every time blocks are freed. The caller
// must hold the ILOCK exclusively, and must have joined the inode to
// the transaction.
func (e *Engine) CancelCowBlocks(ctx context.Context, tx *transaction.Transaction, ip *inode.Inode, offset, end uint64, cancelReal bool) error {
	if !ip.HasCowData() {
		return nil
	}

	// Walk backwards, so that removing extents does not affect the
	// position of the ones that remain to be processed.
	cursor := ip.CowFork.SeekBefore(end)
	for {
		got, ok := cursor.Extent()
		if !ok || got.End() <= offset {
			break
		}
		del := got.Trim(offset, end-offset)
		switch {
		case del.Count == 0:
		case del.IsDelayed():
			ip.CowFork.Unmap(del.FileOffset, del.Count)
			e.releaseDelalloc(tx, ip, del.Count)
		case del.State == blockmap.StateUnwritten || cancelReal:
			if err := e.refcounts.FreeCowExtent(tx, del.Block, del.Count); err != nil {
				return checkCorrupted(ctx, ip, inode.SickCowFork, err)
			}
			tx.FreeLater(del.Block, del.Count)
			ip.CowFork.Unmap(del.FileOffset, del.Count)
			e.quotas.ModQuota(tx, ip.Owner(), quota.FieldReservedBlocks, -int64(del.Count))
			ip.DelayedBlocks -= del.Count
			if err := tx.FinishDeferred(); err != nil {
				return err
			}
			logger.Debug(ctx, "Canceled staging extent", inodeField(ip), extentField("extent", del))
		}
		if !cursor.Prev() {
			break
		}
	}
	return nil
}

// CancelCowRange removes staging extents in a byte range of the CoW
// fork. A negative count denotes a range that extends to the end of
// the file. This is called when files are truncated, holes are punched
// or writes fail.
func (e *Engine) CancelCowRange(ctx context.Context, ip *inode.Inode, offset, count int64, cancelReal bool) error {
	start, end := e.blockRange(offset, count)
	tx, err := e.transactions.Begin(ctx, transaction.Write(0))
	if err != nil {
		return err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)

	if err := e.CancelCowBlocks(ctx, tx, ip, start, end, cancelReal); err != nil {
		logger.Warn(ctx, "Failed to cancel staging extents", inodeField(ip), zap.Int64("offset", offset), zap.Int64("count", count), zap.Error(err))
		return util.StatusWrap(err, "Failed to cancel staging extents")
	}
	return tx.Commit()
}

// ClearInodeFlag clears the reflink flag of an inode if none of the
// blocks in its data fork are shared. Any staging extents are removed
// first, as those are only needed for shared blocks. The flag is left
// alone while direct I/O is in flight, as it may be writing to staging
// extents. The caller must hold the ILOCK exclusively, and must have
// joined the inode to the transaction.
func (e *Engine) ClearInodeFlag(ctx context.Context, tx *transaction.Transaction, ip *inode.Inode) error {
	if !ip.IsReflink() || ip.DirectIOInFlight() {
		return nil
	}
	hasShared, err := e.InodeHasSharedExtents(ip)
	if err != nil || hasShared {
		return err
	}
	if err := e.CancelCowBlocks(ctx, tx, ip, 0, blockmap.MaxFileOffset, true); err != nil {
		return err
	}
	ip.Flags &^= inode.FlagReflink
	logger.Debug(ctx, "Cleared reflink flag", inodeField(ip))
	return nil
}

// TryClearInodeFlag clears the reflink flag of an inode if none of the
// blocks in its data fork are shared.
func (e *Engine) TryClearInodeFlag(ctx context.Context, ip *inode.Inode) error {
	tx, err := e.transactions.Begin(ctx, transaction.Write(0))
	if err != nil {
		return err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)

	if err := e.ClearInodeFlag(ctx, tx, ip); err != nil {
		return err
	}
	return tx.Commit()
}

// Unshare gives a file private copies of all shared blocks in a byte
// range. The caller must hold the IOLOCK and MMAPLOCK exclusively. If
// none of the blocks of the file remain shared afterwards, the reflink
// flag of the file is cleared.
func (e *Engine) Unshare(ctx context.Context, ip *inode.Inode, offset, length int64) error {
	ip.Lock(inode.ILockShared)
	isReflink := ip.IsReflink()
	ip.Unlock(inode.ILockShared)
	if !isReflink {
		return nil
	}

	ip.WaitForDirectIO()
	addressSpace := ip.AddressSpace()
	if err := addressSpace.UnshareRange(ctx, offset, length); err != nil {
		return util.StatusWrap(err, "Failed to copy shared blocks")
	}
	if err := addressSpace.WriteAndWaitRange(ctx, offset, offset+length); err != nil {
		return util.StatusWrap(err, "Failed to flush copied blocks")
	}
	if err := e.TryClearInodeFlag(ctx, ip); err != nil {
		return util.StatusWrap(err, "Failed to clear reflink flag")
	}
	return nil
}

// RecoverCow frees all staging extents that are recorded in the
// refcount index. Staging extents do not survive restarts, as CoW
// forks are not persisted. This must be called before any inodes are
// accessed.
func (e *Engine) RecoverCow(ctx context.Context) error {
	var freed uint64
	for _, r := range e.refcounts.StagingExtents() {
		if err := e.recoverCowExtent(ctx, r.Block, r.Count); err != nil {
			return util.StatusWrapf(err, "Failed to free staging extent at block %d", r.Block)
		}
		freed += r.Count
	}
	if freed > 0 {
		logger.Info(ctx, "Freed leftover staging extents", zap.Uint64("blocks", freed))
	}
	return nil
}

func (e *Engine) recoverCowExtent(ctx context.Context, block, count uint64) error {
	tx, err := e.transactions.Begin(ctx, transaction.Write(0))
	if err != nil {
		return err
	}
	defer tx.Cancel()
	if err := e.refcounts.FreeCowExtent(tx, block, count); err != nil {
		return err
	}
	tx.FreeLater(block, count)
	return tx.Commit()
}
