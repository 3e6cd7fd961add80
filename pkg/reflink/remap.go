package reflink

import (
	"context"
	"math"

	"github.com/buildbarn/bb-reflink/internal/logger"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/buildbarn/bb-storage/pkg/util"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RemapFlags alter the behavior of RemapPrep.
type RemapFlags uint32

const (
	// RemapDedupe indicates that the ranges are only shared if their
	// contents are identical. Both ranges must lie within the file,
	// and the length is rounded down to a block boundary instead of
	// being rejected.
	RemapDedupe RemapFlags = 1 << iota
)

// RemapExtent maps a single extent of a source file into the data fork
// of a destination file at the logical offset stored in dmap,
// replacing whatever was mapped there. The extent is trimmed to the
// mapping in the destination file, and the number of blocks processed
// is returned. The size of the destination file is extended to cover
// the extent, but not beyond newSize.
//
// Holes and unwritten extents in the source file cause the
// corresponding range in the destination file to be punched, as
// sharing unwritten blocks would expose stale data once either file
// writes to them.
func (e *Engine) RemapExtent(ctx context.Context, ip *inode.Inode, dmap blockmap.Extent, newSize int64) (uint64, error) {
	dmapWritten := dmap.IsWritten()

	// Attempt to reserve quota for the blocks that are about to be
	// mapped. If this fails, fall back to reserving only what is
	// needed to update the data fork. Whether quota is needed can
	// then be determined once the destination mapping is known.
	quotaReserved := true
	var tx *transaction.Transaction
	var err error
	if dmapWritten {
		tx, err = e.beginWithQuota(ctx, ip, transaction.Write(e.splitBlocks+dmap.Count), dmap.Count)
	} else {
		tx, err = e.transactions.Begin(ctx, transaction.Write(e.splitBlocks))
	}
	if re_util.IsSpaceOrQuotaError(err) {
		quotaReserved = false
		tx, err = e.transactions.Begin(ctx, transaction.Write(e.splitBlocks))
	}
	if err != nil {
		return 0, err
	}
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(ip)

	// Only as many blocks as the destination mapping contains can be
	// remapped at once.
	smap := ip.DataFork.Read(dmap.FileOffset, dmap.Count)
	dmap = dmap.Slice(0, smap.Count)
	smapReal := smap.IsReal()

	if smapReal && dmap.IsReal() && dmap.Block == smap.Block {
		if dmap.State != smap.State {
			return 0, markCorrupted(ctx, ip, inode.SickDataFork, "Extent %s is mapped as %s by the source file", smap, dmap.State)
		}
		return dmap.Count, nil
	}
	if smap.IsHole() && dmap.IsHole() {
		return dmap.Count, nil
	}
	// Never share uninitialized blocks.
	if dmap.State == blockmap.StateUnwritten && smap.State == blockmap.StateUnwritten {
		return dmap.Count, nil
	}

	geometry := e.space.Geometry()
	if dmapWritten && e.space.RegionCritical(geometry.Region(dmap.Block)) {
		return 0, re_util.NewNoSpaceError("Region containing block %d is low on free space", dmap.Block)
	}

	// The quota usage of the file can only grow if nothing backed by
	// storage is unmapped.
	if !quotaReserved && !smapReal && dmapWritten {
		if err := e.quotas.Reserve(tx, ip.Owner(), dmap.Count); err != nil {
			return 0, err
		}
	}

	var qdelta int64
	if smapReal {
		qdelta -= int64(smap.Count)
	}
	if err := e.unmapDataLocked(ctx, tx, ip, smap); err != nil {
		return 0, err
	}
	if dmapWritten {
		if err := e.refcounts.Increase(tx, dmap.Block, dmap.Count); err != nil {
			return 0, checkCorrupted(ctx, ip, inode.SickDataFork, err)
		}
		if err := e.mapExtent(ctx, ip, DataFork, dmap); err != nil {
			return 0, err
		}
		e.quotas.ModQuota(tx, ip.Owner(), quota.FieldBlocks, int64(dmap.Count))
		ip.NBlocks += dmap.Count
		qdelta += int64(dmap.Count)
	}

	if newLength := min(e.toBytes(dmap.End()), newSize); newLength > ip.Size {
		ip.Size = newLength
		ip.DiskSize = newLength
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logger.Debug(ctx, "Remapped extent", inodeField(ip), extentField("from", smap), extentField("to", dmap), zap.Int64("quota_delta", qdelta))
	return dmap.Count, nil
}

// RemapBlocks shares a range of blocks of a source file with a
// destination file. The caller must have called RemapPrep.
//
// Every extent is remapped as part of its own transaction. If an error
// occurs, or the context is canceled, extents that have already been
// remapped remain shared. The number of bytes remapped is returned in
// either case.
func (e *Engine) RemapBlocks(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64) (int64, error) {
	srcOffset := e.toBlocksFloor(posIn)
	dstOffset := e.toBlocksFloor(posOut)
	remaining := min(e.toBlocksCeil(length), blockmap.MaxFileOffset-max(srcOffset, dstOffset))
	newSize := posOut + length
	if posOut > math.MaxInt64-length {
		newSize = math.MaxInt64
	}

	var remapped uint64
	for remaining > 0 {
		src.Lock(inode.ILockShared)
		imap := src.DataFork.Read(srcOffset, remaining)
		src.Unlock(inode.ILockShared)

		// The caller flushed the source range, meaning writeback
		// should have allocated all delayed allocations.
		if imap.IsDelayed() {
			err := markCorrupted(ctx, src, inode.SickDataFork, "Found delayed allocation %s in range that should have been flushed", imap)
			return e.remappedBytes(length, remapped), err
		}

		imap.FileOffset = dstOffset
		n, err := e.RemapExtent(ctx, dst, imap, newSize)
		if err != nil {
			return e.remappedBytes(length, remapped), util.StatusWrapf(err, "Failed to remap extent at source block %d", srcOffset)
		}
		srcOffset += n
		dstOffset += n
		remaining -= n
		remapped += n

		if remaining > 0 && ctx.Err() != nil {
			return e.remappedBytes(length, remapped), util.StatusFromContext(ctx)
		}
	}
	return e.remappedBytes(length, remapped), nil
}

func (e *Engine) remappedBytes(length int64, blocks uint64) int64 {
	return min(length, e.toBytes(blocks))
}

// SetInodeFlag marks both inodes participating in a remap operation as
// possibly containing shared blocks.
func (e *Engine) SetInodeFlag(ctx context.Context, src, dst *inode.Inode) error {
	tx, err := e.transactions.Begin(ctx, transaction.IChange())
	if err != nil {
		return err
	}
	unlock := inode.LockTwo(src, dst, inode.ILockExclusive)
	defer unlock()
	defer tx.Cancel()

	for _, ip := range []*inode.Inode{src, dst} {
		if !ip.IsReflink() {
			tx.JoinInode(ip)
			ip.Flags |= inode.FlagReflink
		}
	}
	return tx.Commit()
}

// UpdateDest updates the size of a destination file after a remap
// operation, and copies over the CoW extent size hint of the source
// file if the entire file was cloned. A cowExtSize of zero leaves the
// hint of the destination file unchanged.
func (e *Engine) UpdateDest(ctx context.Context, dst *inode.Inode, newLength int64, cowExtSize uint64) error {
	dst.Lock(inode.ILockShared)
	unchanged := newLength <= dst.Size && cowExtSize == 0
	dst.Unlock(inode.ILockShared)
	if unchanged {
		return nil
	}

	tx, err := e.transactions.Begin(ctx, transaction.IChange())
	if err != nil {
		return err
	}
	dst.Lock(inode.ILockExclusive)
	defer dst.Unlock(inode.ILockExclusive)
	defer tx.Cancel()
	tx.JoinInode(dst)

	if newLength > dst.Size {
		dst.Size = newLength
		dst.DiskSize = newLength
	}
	if cowExtSize != 0 {
		dst.CowExtSize = cowExtSize
		dst.Flags |= inode.FlagCowExtSize
	}
	return tx.Commit()
}

// remapChecks validates the ranges of a remap operation, and returns
// the adjusted length. A partial block at the end of the source file
// may only be shared if it becomes the end of the destination file.
func (e *Engine) remapChecks(src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64, flags RemapFlags) (int64, int64, error) {
	bs := e.blockSizeBytes
	if posIn < 0 || posOut < 0 || length < 0 {
		return 0, 0, status.Error(codes.InvalidArgument, "Offsets and length must be non-negative")
	}

	// Zero length deduplication does nothing. Zero length clones
	// extend to the end of the source file, which is a no-op if the
	// source offset is the end of the file.
	sizeIn, sizeOut := src.Size, dst.Size
	dedupe := flags&RemapDedupe != 0
	if length == 0 {
		if dedupe || posIn == sizeIn {
			return 0, 0, nil
		}
		length = max(sizeIn-posIn, 0)
	}
	if posIn%bs != 0 || posOut%bs != 0 {
		return 0, 0, status.Errorf(codes.InvalidArgument, "Offsets %d and %d are not aligned to the block size of %d bytes", posIn, posOut, bs)
	}
	if posIn > math.MaxInt64-length || posOut > math.MaxInt64-length {
		return 0, 0, status.Error(codes.InvalidArgument, "Range overflows")
	}

	if dedupe && (posIn >= sizeIn || posIn+length > sizeIn || posOut >= sizeOut || posOut+length > sizeOut) {
		return 0, 0, status.Error(codes.InvalidArgument, "Deduplicated ranges must lie within both files")
	}
	if posIn >= sizeIn {
		return 0, 0, status.Errorf(codes.InvalidArgument, "Source offset %d lies beyond the end of the file at %d", posIn, sizeIn)
	}
	length = min(length, sizeIn-posIn)
	if e.toBlocksCeil(posOut+length) > blockmap.MaxFileOffset {
		return 0, 0, status.Errorf(codes.InvalidArgument, "Destination range exceeds the maximum file size")
	}

	var blockLength int64
	if posIn+length == sizeIn && length%bs != 0 && posOut+length >= sizeOut && (!dedupe || posOut+length == sizeOut) {
		blockLength = (sizeIn+bs-1)/bs*bs - posIn
	} else {
		if length%bs != 0 {
			if !dedupe {
				return 0, 0, status.Errorf(codes.InvalidArgument, "Length %d is not aligned to the block size of %d bytes", length, bs)
			}
			length = length / bs * bs
		}
		blockLength = length
	}

	if src == dst && posOut+blockLength > posIn && posOut < posIn+blockLength {
		return 0, 0, status.Error(codes.InvalidArgument, "Source and destination ranges overlap")
	}
	return length, blockLength, nil
}

// RemapPrep locks both files and prepares them for a remap operation.
// It validates the ranges, waits for direct I/O to complete, flushes
// cached data of both ranges to storage, and sets the reflink flag on
// both files. The adjusted length of the operation is returned. A
// length of zero requests that all data up to the end of the source
// file is remapped.
//
// On success, the IOLOCK and MMAPLOCK of both files are held, and the
// returned function must be called to release them.
func (e *Engine) RemapPrep(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64, flags RemapFlags) (int64, func(), error) {
	unlock := inode.LockTwo(src, dst, inode.IOLockExclusive|inode.MMAPLockExclusive)
	length, _, err := e.remapPrepLocked(ctx, src, posIn, dst, posOut, length, flags)
	if err != nil {
		unlock()
		return 0, nil, err
	}
	return length, unlock, nil
}

func (e *Engine) remapPrepLocked(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64, flags RemapFlags) (int64, int64, error) {
	unlock := inode.LockTwo(src, dst, inode.ILockShared)
	length, blockLength, err := e.remapChecks(src, posIn, dst, posOut, length, flags)
	sizeOut := dst.Size
	unlock()
	if err != nil || length == 0 {
		return 0, 0, err
	}

	src.WaitForDirectIO()
	dst.WaitForDirectIO()
	if err := src.AddressSpace().WriteAndWaitRange(ctx, posIn, posIn+blockLength); err != nil {
		return 0, 0, util.StatusWrap(err, "Failed to flush source range")
	}

	// Blocks between the end of the destination file and the start of
	// the range become part of the file. They must not expose stale
	// data.
	if posOut > sizeOut {
		if err := dst.AddressSpace().ZeroRange(ctx, sizeOut, posOut-sizeOut); err != nil {
			return 0, 0, util.StatusWrap(err, "Failed to zero range past the end of the destination file")
		}
	}
	if err := e.SetInodeFlag(ctx, src, dst); err != nil {
		return 0, 0, util.StatusWrap(err, "Failed to set reflink flag")
	}

	if posOut > sizeOut {
		err = e.flushUnmapRange(ctx, dst, sizeOut, blockLength+posOut-sizeOut)
	} else {
		err = e.flushUnmapRange(ctx, dst, posOut, blockLength)
	}
	if err != nil {
		return 0, 0, util.StatusWrap(err, "Failed to flush destination range")
	}
	return length, blockLength, nil
}

// flushUnmapRange writes back and discards all cached pages of a file
// in a byte range, rounded outwards to block boundaries.
func (e *Engine) flushUnmapRange(ctx context.Context, ip *inode.Inode, offset, length int64) error {
	start := offset / e.blockSizeBytes * e.blockSizeBytes
	end := e.toBytes(e.toBlocksCeil(offset + length))
	addressSpace := ip.AddressSpace()
	if err := addressSpace.WriteAndWaitRange(ctx, start, end); err != nil {
		return err
	}
	addressSpace.InvalidateRange(start, end)
	return nil
}
