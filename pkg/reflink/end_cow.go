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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// endCowExtentLocked remaps the first written staging extent in the
// range [offset, end) into the data fork, replacing whatever was
// mapped there before. At most one extent is remapped, bounded by the
// size of the data fork mapping it replaces. The offset up to which
// the range has been processed is returned.
//
// Staging extents that have not been written are skipped. These may
// be left behind by speculative preallocation, or by writes that are
// still in progress.
func (e *Engine) endCowExtentLocked(ctx context.Context, tx *transaction.Transaction, ip *inode.Inode, offset, end uint64) (uint64, error) {
	var got blockmap.Extent
	found := false
	ip.CowFork.Ascend(offset, func(candidate blockmap.Extent) bool {
		if candidate.FileOffset >= end {
			return false
		}
		if candidate.IsWritten() {
			got, found = candidate, true
			return false
		}
		return true
	})
	if !found {
		return end, nil
	}

	del := got.Trim(offset, end-offset)
	data := ip.DataFork.Read(del.FileOffset, del.Count)
	// Only the smaller of the two mappings can be remapped at once.
	del = del.Slice(0, data.Count)

	if err := e.unmapDataLocked(ctx, tx, ip, data); err != nil {
		return 0, err
	}

	if err := e.refcounts.FreeCowExtent(tx, del.Block, del.Count); err != nil {
		return 0, checkCorrupted(ctx, ip, inode.SickCowFork, err)
	}
	ip.CowFork.Unmap(del.FileOffset, del.Count)
	if err := e.mapExtent(ctx, ip, DataFork, del); err != nil {
		return 0, err
	}
	if err := e.refcounts.Increase(tx, del.Block, del.Count); err != nil {
		return 0, checkCorrupted(ctx, ip, inode.SickDataFork, err)
	}

	// The blocks were accounted as delayed while they were staged.
	e.quotas.ModQuota(tx, ip.Owner(), quota.FieldDelayedBlocks, int64(del.Count))
	ip.NBlocks += del.Count
	ip.DelayedBlocks -= del.Count

	logger.Debug(ctx, "Remapped staging extent", inodeField(ip), extentField("from", del), extentField("to", data))
	return del.End(), nil
}

func (e *Engine) endCowExtent(ctx context.Context, ip *inode.Inode, offset, end uint64) (uint64, error) {
	// Remapping staging extents must not fail due to a lack of space,
	// as the data has already been written. Fall back to the reserve
	// pool if needed.
	reservation := transaction.Write(e.splitBlocks)
	reservation.AllowReservePool = true
	tx, err := e.transactions.Begin(ctx, reservation)
	if err != nil {
		return 0, err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)

	if ip.CowFork.IsEmpty() {
		return end, nil
	}
	next, err := e.endCowExtentLocked(ctx, tx, ip, offset, end)
	if err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// EndCow remaps all written staging extents in a byte range into the
// data fork. This is called when writes to staging extents have
// completed.
//
// Every extent is remapped as part of its own transaction. If an error
// occurs, or the context is canceled, extents that have already been
// remapped remain remapped. Calling this function again for the same
// range completes the operation.
func (e *Engine) EndCow(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	start, end := e.blockRange(offset, count)
	for start < end {
		next, err := e.endCowExtent(ctx, ip, start, end)
		if err != nil {
			logger.Warn(ctx, "Failed to remap staging extents", inodeField(ip), zap.Uint64("offset", start), zap.Uint64("end", end), zap.Error(err))
			return util.StatusWrapf(err, "Failed to remap staging extents at block %d", start)
		}
		start = next
		if start < end && ctx.Err() != nil {
			return util.StatusFromContext(ctx)
		}
	}
	return nil
}

// EndCowAtomic is identical to EndCow, except that all staging extents
// in the range are remapped as part of a single transaction. Either
// all of the range is remapped, or none of it. This prevents torn
// writes.
//
// In the worst case every block in the range ends up being a separate
// extent. The range may therefore not exceed MaxAtomicCow blocks.
func (e *Engine) EndCowAtomic(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	start, end := e.blockRange(offset, count)
	if end <= start {
		return nil
	}
	blocks := end - start
	if maximum := e.MaxAtomicCow(); blocks > maximum {
		return status.Errorf(codes.InvalidArgument, "Atomic write of %d blocks exceeds the maximum of %d blocks", blocks, maximum)
	}

	tx, err := e.transactions.Begin(ctx, transaction.AtomicIOEnd(blocks, blocks*e.splitBlocks))
	if err != nil {
		return err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)

	for start < end {
		next, err := e.endCowExtentLocked(ctx, tx, ip, start, end)
		if err != nil {
			logger.Warn(ctx, "Failed to remap staging extents atomically", inodeField(ip), zap.Int64("offset", offset), zap.Int64("count", count), zap.Error(err))
			return util.StatusWrap(err, "Failed to remap staging extents atomically")
		}
		start = next
	}
	return tx.Commit()
}
