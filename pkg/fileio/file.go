package fileio

import (
	"context"
	"io"
	"math"
	"sync"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/google/btree"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// File is a file stored in a FileSystem. Buffered writes are stored in
// a page cache, and are only written to storage when the file is
// flushed, or when the engine needs cached data to be written back.
// The page cache acts as the inode's AddressSpace.
//
// Locks are acquired in the following order: the inode's IOLOCK and
// MMAPLOCK, pagesLock, and the inode's ILOCK.
type File struct {
	fs *FileSystem
	ip *inode.Inode

	pagesLock sync.Mutex
	pages     *btree.BTreeG[*page]
}

var _ inode.AddressSpace = (*File)(nil)

// Inode returns the inode backing the file.
func (f *File) Inode() *inode.Inode {
	return f.ip
}

// Size returns the size of the file in bytes.
func (f *File) Size() int64 {
	f.ip.Lock(inode.ILockShared)
	defer f.ip.Unlock(inode.ILockShared)
	return f.ip.Size
}

func (f *File) setSizeIfGrown(ctx context.Context, size int64) error {
	f.ip.Lock(inode.ILockShared)
	grown := size > f.ip.Size
	f.ip.Unlock(inode.ILockShared)
	if !grown {
		return nil
	}
	return f.fs.engine.SetSize(ctx, f.ip, size)
}

func checkRange(off int64, n int) error {
	if off < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative offset: %d", off)
	}
	if off > math.MaxInt64-int64(n) || uint64(off+int64(n)) > blockmap.MaxFileOffset {
		return status.Errorf(codes.InvalidArgument, "Range at offset %d with length %d exceeds the maximum file size", off, n)
	}
	return nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	f.ip.Lock(inode.IOLockShared)
	defer f.ip.Unlock(inode.IOLockShared)
	return f.readAtLocked(p, off)
}

// readAtLocked reads data from the file. The caller must hold the
// IOLOCK.
func (f *File) readAtLocked(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// Limit the read operation to the size of the file. Already
	// determine whether this operation will return nil or io.EOF.
	size := f.Size()
	if off >= size {
		return 0, io.EOF
	}
	var success error
	if end := off + int64(len(p)); end >= size {
		success = io.EOF
		p = p[:size-off]
	}

	f.pagesLock.Lock()
	defer f.pagesLock.Unlock()
	bs := f.fs.blockSizeBytes
	buf := make([]byte, bs)
	nTotal := 0
	for nTotal < len(p) {
		pos := off + int64(nTotal)
		block := uint64(pos / bs)
		data := buf
		if cached, ok := f.pages.Get(&page{block: block}); ok {
			data = cached.data
		} else if err := f.readBlock(buf, block); err != nil {
			return nTotal, err
		}
		nTotal += copy(p[nTotal:], data[pos%bs:])
	}
	return nTotal, success
}

// reserveLocked reserves space for dirtying the pages of a range of
// blocks. If fillHoles is set, holes in the data fork are turned into
// delayed allocations. Shared blocks get a delayed allocation in the
// CoW fork, so that writeback does not fail due to a lack of space.
// The caller must hold the IOLOCK.
//
// On failure, delayed allocations in the data fork may have been made
// for part of the range. Callers should remove these using
// releaseCleanDelallocLocked.
func (f *File) reserveLocked(ctx context.Context, start, end uint64, fillHoles bool) error {
	ip := f.ip
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	for offset := start; offset < end; {
		imap := ip.DataFork.Read(offset, end-offset)
		switch {
		case imap.IsHole():
			if !fillHoles {
				break
			}
			if err := f.fs.engine.ReserveDelalloc(ctx, ip, reflink.DataFork, offset, imap.Count); err != nil {
				return err
			}
		case imap.IsReal():
			// Files in always-CoW mode write all data out of
			// place.
			shared := ip.IsAlwaysCoW()
			if !shared {
				var err error
				if shared, err = f.fs.remapper.TrimAroundShared(ip, &imap); err != nil {
					return err
				}
			}
			if shared {
				if err := f.fs.engine.ReserveDelalloc(ctx, ip, reflink.CowFork, imap.FileOffset, imap.Count); err != nil {
					return err
				}
			}
		}
		offset = imap.End()
	}
	return nil
}

// releaseCleanDelallocLocked removes delayed allocations in the data
// fork that are not backed by dirty pages. These are left behind by
// writes that failed after space was reserved. Writeback would never
// convert them, and cloning the range would fail. The caller must
// hold the IOLOCK and pagesLock.
func (f *File) releaseCleanDelallocLocked(start, end uint64) {
	ip := f.ip
	ip.Lock(inode.ILockExclusive)
	defer ip.Unlock(inode.ILockExclusive)
	for block := start; block < end; {
		if f.isDirtyLocked(block) {
			block++
			continue
		}
		runEnd := block + 1
		for runEnd < end && !f.isDirtyLocked(runEnd) {
			runEnd++
		}
		f.fs.engine.PunchDelalloc(ip, reflink.DataFork, block, runEnd-block)
		block = runEnd
	}
}

// WriteAt performs a buffered write against the file.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p)); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	f.ip.Lock(inode.IOLockExclusive)
	defer f.ip.Unlock(inode.IOLockExclusive)

	bs := f.fs.blockSizeBytes
	end := off + int64(len(p))
	first, last := f.pageRange(off, end)
	f.pagesLock.Lock()
	if err := f.reserveLocked(ctx, first, last, true); err != nil {
		f.releaseCleanDelallocLocked(first, last)
		f.pagesLock.Unlock()
		return 0, util.StatusWrap(err, "Failed to reserve space")
	}

	nTotal := 0
	var err error
	for block := first; block < last; block++ {
		blockStart := int64(block) * bs
		from, to := max(off, blockStart)-blockStart, min(end, blockStart+bs)-blockStart
		var pg *page
		if pg, err = f.getPageLocked(block, from != 0 || to != bs); err != nil {
			break
		}
		nTotal += copy(pg.data[from:to], p[nTotal:])
		pg.dirty = true
	}
	if err != nil {
		f.releaseCleanDelallocLocked(first, last)
	}
	f.pagesLock.Unlock()

	if nTotal > 0 {
		if sizeErr := f.setSizeIfGrown(ctx, off+int64(nTotal)); sizeErr != nil && err == nil {
			err = sizeErr
		}
	}
	return nTotal, err
}

// DirectWriteAt writes data to storage, bypassing the page cache. The
// offset and length must be aligned to the block size.
func (f *File) DirectWriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	return f.directWriteAt(ctx, p, off, false)
}

// AtomicWriteAt is identical to DirectWriteAt, except that either all
// or none of the data becomes visible. This is only supported for
// files in always-CoW mode, as all data needs to be written out of
// place. The length may not exceed the engine's maximum atomic write
// size.
func (f *File) AtomicWriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	f.ip.Lock(inode.ILockShared)
	alwaysCoW := f.ip.IsAlwaysCoW()
	f.ip.Unlock(inode.ILockShared)
	if !alwaysCoW {
		return 0, status.Error(codes.FailedPrecondition, "Atomic writes require the file to be in always-CoW mode")
	}
	if blocks := uint64(int64(len(p)) / f.fs.blockSizeBytes); blocks > f.fs.engine.MaxAtomicCow() {
		return 0, status.Errorf(codes.InvalidArgument, "Atomic write of %d blocks exceeds the maximum of %d blocks", blocks, f.fs.engine.MaxAtomicCow())
	}
	return f.directWriteAt(ctx, p, off, true)
}

func (f *File) directWriteAt(ctx context.Context, p []byte, off int64, atomic bool) (int, error) {
	if err := checkRange(off, len(p)); err != nil {
		return 0, err
	}
	bs := f.fs.blockSizeBytes
	if off%bs != 0 || int64(len(p))%bs != 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Direct write at offset %d with length %d is not aligned to the block size of %d bytes", off, len(p), bs)
	}
	if len(p) == 0 {
		return 0, nil
	}

	ip := f.ip
	ip.Lock(inode.IOLockShared)
	defer ip.Unlock(inode.IOLockShared)
	ip.DirectIOBegin()
	defer ip.DirectIOEnd()

	// Cached pages would otherwise overwrite the data once written
	// back.
	end := off + int64(len(p))
	if err := f.WriteAndWaitRange(ctx, off, end); err != nil {
		return 0, err
	}
	f.InvalidateRange(off, end)

	first, last := f.pageRange(off, end)
	for block := first; block < last; {
		n, err := f.directWriteExtent(ctx, p[int64(block-first)*bs:], block, last, atomic)
		if err != nil {
			if atomic {
				if cancelErr := f.fs.remapper.CancelCowRange(ctx, ip, off, int64(len(p)), true); cancelErr != nil {
					return 0, cancelErr
				}
				return 0, err
			}
			// Data that has been written up to this point
			// must remain visible.
			written := int64(block-first) * bs
			if written > 0 {
				if sizeErr := f.setSizeIfGrown(ctx, off+written); sizeErr != nil {
					return int(written), sizeErr
				}
			}
			return int(written), err
		}
		block += n
	}
	if atomic {
		if err := f.fs.remapper.EndCowAtomic(ctx, ip, off, int64(len(p))); err != nil {
			return 0, err
		}
	}
	if err := f.setSizeIfGrown(ctx, end); err != nil {
		return 0, err
	}
	return len(p), nil
}

// directWriteExtent writes data to a prefix of a range of blocks that
// is mapped contiguously, returning the number of blocks written.
func (f *File) directWriteExtent(ctx context.Context, p []byte, block, end uint64, atomic bool) (uint64, error) {
	ip := f.ip
	bs := f.fs.blockSizeBytes
	lockMode := inode.ILockShared
	ip.Lock(lockMode)
	imap := ip.DataFork.Read(block, end-block)
	if !imap.IsReal() {
		// Atomic writes allocate unwritten blocks, which are
		// replaced by the staging extent once all data has
		// been written.
		ip.Unlock(lockMode)
		state := blockmap.StateNormal
		if atomic {
			state = blockmap.StateUnwritten
		}
		allocated, err := f.fs.engine.AllocateData(ctx, ip, block, end-block, state)
		if err != nil {
			return 0, err
		}
		if !atomic {
			return allocated.Count, f.fs.writeBlocks(p[:int64(allocated.Count)*bs], allocated.Block)
		}
		ip.Lock(lockMode)
		imap = ip.DataFork.Read(block, allocated.Count)
	}
	if !ip.IsCoW() {
		ip.Unlock(lockMode)
		return imap.Count, f.fs.writeBlocks(p[:int64(imap.Count)*bs], imap.Block)
	}

	cmap, shared, err := f.fs.remapper.AllocateCow(ctx, ip, &imap, &lockMode, true)
	ip.Unlock(lockMode)
	if err != nil {
		return 0, err
	}
	if !shared {
		return imap.Count, f.fs.writeBlocks(p[:int64(imap.Count)*bs], imap.Block)
	}

	offset, length := int64(cmap.FileOffset)*bs, int64(cmap.Count)*bs
	if err := f.fs.writeBlocks(p[:length], cmap.Block); err != nil {
		if !atomic {
			if cancelErr := f.fs.remapper.CancelCowRange(ctx, ip, offset, length, true); cancelErr != nil {
				return 0, cancelErr
			}
		}
		return 0, err
	}
	if !atomic {
		if err := f.fs.remapper.EndCow(ctx, ip, offset, length); err != nil {
			return 0, err
		}
	}
	return cmap.Count, nil
}

// Flush writes back all dirty pages of the file.
func (f *File) Flush(ctx context.Context) error {
	f.ip.Lock(inode.IOLockExclusive)
	defer f.ip.Unlock(inode.IOLockExclusive)
	return f.WriteAndWaitRange(ctx, 0, math.MaxInt64)
}

// Truncate changes the size of the file. Blocks beyond the new size
// are released, and the remainder of the last block is zeroed, so
// that growing the file afterwards doesn't bring back old data.
func (f *File) Truncate(ctx context.Context, size int64) error {
	if err := checkRange(size, 0); err != nil {
		return err
	}
	ip := f.ip
	ip.Lock(inode.IOLockExclusive | inode.MMAPLockExclusive)
	defer ip.Unlock(inode.IOLockExclusive | inode.MMAPLockExclusive)

	if oldSize := f.Size(); size < oldSize {
		bs := f.fs.blockSizeBytes
		f.pagesLock.Lock()
		if err := f.zeroRangesLocked(ctx, byteRange{offset: size, length: min(oldSize, (size+bs-1)/bs*bs) - size}); err != nil {
			f.pagesLock.Unlock()
			return err
		}
		firstRemoved := uint64((size + bs - 1) / bs)
		f.discardPagesLocked(firstRemoved, blockmap.MaxFileOffset)
		f.pagesLock.Unlock()

		removedOffset := int64(firstRemoved) * bs
		if err := f.fs.engine.PunchRange(ctx, ip, removedOffset, -1); err != nil {
			return util.StatusWrap(err, "Failed to release blocks")
		}
		if err := f.fs.remapper.CancelCowRange(ctx, ip, removedOffset, -1, true); err != nil {
			return util.StatusWrap(err, "Failed to release staging extents")
		}
	}
	return f.fs.engine.SetSize(ctx, ip, size)
}

// PunchHole releases the blocks backing a byte range of the file.
// Partial blocks at the edges of the range are zeroed.
func (f *File) PunchHole(ctx context.Context, off, length int64) error {
	if err := checkRange(off, 0); err != nil {
		return err
	}
	if length <= 0 {
		return status.Errorf(codes.InvalidArgument, "Length %d is not positive", length)
	}
	ip := f.ip
	ip.Lock(inode.IOLockExclusive | inode.MMAPLockExclusive)
	defer ip.Unlock(inode.IOLockExclusive | inode.MMAPLockExclusive)

	size := f.Size()
	if off >= size {
		return nil
	}
	end := off + min(length, size-off)
	bs := f.fs.blockSizeBytes
	first, last := uint64((off+bs-1)/bs), uint64(end/bs)

	f.pagesLock.Lock()
	if first >= last {
		err := f.zeroRangesLocked(ctx, byteRange{offset: off, length: end - off})
		f.pagesLock.Unlock()
		return err
	}
	if err := f.zeroRangesLocked(
		ctx,
		byteRange{offset: off, length: int64(first)*bs - off},
		byteRange{offset: int64(last) * bs, length: end - int64(last)*bs},
	); err != nil {
		f.pagesLock.Unlock()
		return err
	}
	f.discardPagesLocked(first, last)
	f.pagesLock.Unlock()

	offset, count := int64(first)*bs, int64(last-first)*bs
	if err := f.fs.engine.PunchRange(ctx, ip, offset, count); err != nil {
		return util.StatusWrap(err, "Failed to release blocks")
	}
	if err := f.fs.remapper.CancelCowRange(ctx, ip, offset, count, true); err != nil {
		return util.StatusWrap(err, "Failed to release staging extents")
	}
	return nil
}

// Unshare gives the file private copies of all shared blocks in a
// byte range.
func (f *File) Unshare(ctx context.Context, off, length int64) error {
	if err := checkRange(off, 0); err != nil {
		return err
	}
	f.ip.Lock(inode.IOLockExclusive | inode.MMAPLockExclusive)
	defer f.ip.Unlock(inode.IOLockExclusive | inode.MMAPLockExclusive)
	return f.fs.remapper.Unshare(ctx, f.ip, off, length)
}

// Close writes back all dirty pages and releases staging extents and
// delayed allocations in the CoW fork that were reserved
// speculatively, but never written to.
func (f *File) Close(ctx context.Context) error {
	ip := f.ip
	ip.Lock(inode.IOLockExclusive | inode.MMAPLockExclusive)
	defer ip.Unlock(inode.IOLockExclusive | inode.MMAPLockExclusive)
	if err := f.WriteAndWaitRange(ctx, 0, math.MaxInt64); err != nil {
		return err
	}
	if err := f.fs.remapper.CancelCowRange(ctx, ip, 0, -1, true); err != nil {
		return util.StatusWrap(err, "Failed to release staging extents")
	}
	return f.fs.engine.TryClearInodeFlag(ctx, ip)
}
