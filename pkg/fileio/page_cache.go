package fileio

import (
	"context"

	"github.com/buildbarn/bb-reflink/internal/logger"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-storage/pkg/util"

	"go.uber.org/zap"
)

// page holds the cached contents of a single block of a file.
type page struct {
	block uint64
	data  []byte
	dirty bool
}

func pageLess(a, b *page) bool {
	return a.block < b.block
}

// pageRange converts a byte range to the range of blocks overlapping
// with it.
func (f *File) pageRange(start, end int64) (uint64, uint64) {
	bs := f.fs.blockSizeBytes
	first := uint64(start / bs)
	last := uint64(end / bs)
	if end%bs != 0 {
		last++
	}
	return first, min(last, blockmap.MaxFileOffset)
}

// getPageLocked returns the cached page of a block, creating it if
// needed. If load is set, a newly created page is filled with the
// current contents of the block. Otherwise it is zero filled, as the
// caller is going to overwrite it entirely. The caller must hold
// pagesLock.
func (f *File) getPageLocked(block uint64, load bool) (*page, error) {
	if p, ok := f.pages.Get(&page{block: block}); ok {
		return p, nil
	}
	p := &page{
		block: block,
		data:  make([]byte, f.fs.blockSizeBytes),
	}
	if load {
		if err := f.readBlock(p.data, block); err != nil {
			return nil, err
		}
	}
	f.pages.ReplaceOrInsert(p)
	return p, nil
}

// readBlock reads the contents of a block of the file from storage.
// Blocks that are not written read as zeroes.
func (f *File) readBlock(p []byte, block uint64) error {
	f.ip.Lock(inode.ILockShared)
	imap := f.ip.DataFork.Read(block, 1)
	f.ip.Unlock(inode.ILockShared)
	if !imap.IsWritten() {
		clear(p)
		return nil
	}
	return f.fs.readBlocks(p, imap.Block)
}

// discardPagesLocked removes all cached pages in a range of blocks,
// regardless of whether they are dirty.
func (f *File) discardPagesLocked(start, end uint64) {
	var discard []*page
	f.pages.AscendRange(&page{block: start}, &page{block: end}, func(p *page) bool {
		discard = append(discard, p)
		return true
	})
	for _, p := range discard {
		f.pages.Delete(p)
	}
}

// WriteAndWaitRange writes back all dirty pages in a byte range.
//
// Like all other methods of inode.AddressSpace, this method may be
// called while the IOLOCK is held. It therefore only acquires
// pagesLock and the ILOCK.
func (f *File) WriteAndWaitRange(ctx context.Context, start, end int64) error {
	f.pagesLock.Lock()
	defer f.pagesLock.Unlock()
	first, last := f.pageRange(start, end)
	return f.writebackLocked(ctx, first, last)
}

// InvalidateRange discards all clean pages in a byte range.
func (f *File) InvalidateRange(start, end int64) {
	f.pagesLock.Lock()
	defer f.pagesLock.Unlock()
	first, last := f.pageRange(start, end)
	var discard []*page
	f.pages.AscendRange(&page{block: first}, &page{block: last}, func(p *page) bool {
		if !p.dirty {
			discard = append(discard, p)
		}
		return true
	})
	for _, p := range discard {
		f.pages.Delete(p)
	}
}

// isDirtyLocked returns whether a block has a dirty page. The caller
// must hold pagesLock.
func (f *File) isDirtyLocked(block uint64) bool {
	p, ok := f.pages.Get(&page{block: block})
	return ok && p.dirty
}

// ZeroRange overwrites a byte range with zeroes.
func (f *File) ZeroRange(ctx context.Context, offset, length int64) error {
	f.pagesLock.Lock()
	defer f.pagesLock.Unlock()
	return f.zeroRangesLocked(ctx, byteRange{offset: offset, length: length})
}

type byteRange struct {
	offset int64
	length int64
}

// zeroedBlock is a part of a block that is overwritten with zeroes.
type zeroedBlock struct {
	block    uint64
	from, to int64
}

// zeroRangesLocked overwrites byte ranges with zeroes through the page
// cache. Space for writing back all affected pages is reserved before
// any of them is modified, so that either all or none of the ranges
// are zeroed. The caller must hold the IOLOCK and pagesLock.
func (f *File) zeroRangesLocked(ctx context.Context, ranges ...byteRange) error {
	bs := f.fs.blockSizeBytes
	var zeroed []zeroedBlock
	for _, r := range ranges {
		if r.length <= 0 {
			continue
		}
		end := r.offset + r.length
		first, last := f.pageRange(r.offset, end)
		for block := first; block < last; block++ {
			// Blocks that are not cached and not written
			// already read as zeroes.
			if _, ok := f.pages.Get(&page{block: block}); !ok {
				f.ip.Lock(inode.ILockShared)
				written := f.ip.DataFork.Read(block, 1).IsWritten()
				f.ip.Unlock(inode.ILockShared)
				if !written {
					continue
				}
			}
			blockStart := int64(block) * bs
			zeroed = append(zeroed, zeroedBlock{
				block: block,
				from:  max(r.offset, blockStart) - blockStart,
				to:    min(end, blockStart+bs) - blockStart,
			})
		}
	}

	for _, z := range zeroed {
		if err := f.reserveLocked(ctx, z.block, z.block+1, true); err != nil {
			f.releaseZeroedDelallocLocked(zeroed)
			return util.StatusWrapf(err, "Failed to reserve space for zeroing block %d", z.block)
		}
	}
	pages := make([]*page, 0, len(zeroed))
	for _, z := range zeroed {
		p, err := f.getPageLocked(z.block, true)
		if err != nil {
			f.releaseZeroedDelallocLocked(zeroed)
			return err
		}
		pages = append(pages, p)
	}
	for i, z := range zeroed {
		clear(pages[i].data[z.from:z.to])
		pages[i].dirty = true
	}
	return nil
}

func (f *File) releaseZeroedDelallocLocked(zeroed []zeroedBlock) {
	for _, z := range zeroed {
		f.releaseCleanDelallocLocked(z.block, z.block+1)
	}
}

// UnshareRange dirties all pages in a byte range that are backed by
// shared blocks. Writing them back causes them to be copied to new
// blocks.
func (f *File) UnshareRange(ctx context.Context, offset, length int64) error {
	f.pagesLock.Lock()
	defer f.pagesLock.Unlock()

	f.ip.Lock(inode.ILockShared)
	size := f.ip.Size
	f.ip.Unlock(inode.ILockShared)
	if offset >= size {
		return nil
	}
	first, last := f.pageRange(offset, min(offset+length, size))

	// Reserve space in the CoW fork for all shared blocks before
	// dirtying any pages.
	if err := f.reserveLocked(ctx, first, last, false); err != nil {
		return util.StatusWrap(err, "Failed to reserve space for copying shared blocks")
	}
	for block := first; block < last; {
		f.ip.Lock(inode.ILockShared)
		imap := f.ip.DataFork.Read(block, last-block)
		shared, err := f.fs.remapper.TrimAroundShared(f.ip, &imap)
		f.ip.Unlock(inode.ILockShared)
		if err != nil {
			return err
		}
		if shared {
			for b := imap.FileOffset; b < imap.End(); b++ {
				p, err := f.getPageLocked(b, true)
				if err != nil {
					return err
				}
				p.dirty = true
			}
		}
		block = imap.End()
	}
	return nil
}

// writebackLocked writes back all dirty pages in a range of blocks.
// Each run of consecutive dirty pages is written separately.
func (f *File) writebackLocked(ctx context.Context, start, end uint64) error {
	for start < end {
		var run []*page
		f.pages.AscendRange(&page{block: start}, &page{block: end}, func(p *page) bool {
			if !p.dirty {
				return len(run) == 0
			}
			if len(run) > 0 && run[len(run)-1].block+1 != p.block {
				return false
			}
			run = append(run, p)
			return true
		})
		if len(run) == 0 {
			return nil
		}

		for len(run) > 0 {
			n, err := f.writebackPages(ctx, run)
			if err != nil {
				logger.Warn(ctx, "Writeback failed", zap.Uint64("inode", uint64(f.ip.Number())), zap.Uint64("block", run[0].block), zap.Error(err))
				return util.StatusWrapf(err, "Failed to write back block %d", run[0].block)
			}
			for _, p := range run[:n] {
				p.dirty = false
			}
			start = run[n-1].block + 1
			run = run[n:]
		}
	}
	return nil
}

// writebackPages writes back a prefix of a run of consecutive dirty
// pages, returning the number of pages written. Pages backed by blocks
// that are shared are written to staging extents, which are remapped
// into the data fork afterwards.
func (f *File) writebackPages(ctx context.Context, run []*page) (int, error) {
	ip := f.ip
	first := run[0].block
	lockMode := inode.ILockShared
	ip.Lock(lockMode)
	imap := ip.DataFork.Read(first, uint64(len(run)))
	if !imap.IsReal() {
		ip.Unlock(lockMode)
		allocated, err := f.fs.engine.AllocateData(ctx, ip, first, uint64(len(run)), blockmap.StateNormal)
		if err != nil {
			return 0, err
		}
		return f.writePages(run[:allocated.Count], allocated.Block)
	}
	if !ip.IsCoW() {
		ip.Unlock(lockMode)
		return f.writePages(run[:imap.Count], imap.Block)
	}

	cmap, shared, err := f.fs.remapper.AllocateCow(ctx, ip, &imap, &lockMode, false)
	ip.Unlock(lockMode)
	if err != nil {
		return 0, err
	}
	if !shared {
		return f.writePages(run[:imap.Count], imap.Block)
	}

	offset, length := int64(cmap.FileOffset)*f.fs.blockSizeBytes, int64(cmap.Count)*f.fs.blockSizeBytes
	if err := f.fs.remapper.ConvertCow(ctx, ip, offset, length); err != nil {
		return 0, err
	}
	n, err := f.writePages(run[:cmap.Count], cmap.Block)
	if err != nil {
		if cancelErr := f.fs.remapper.CancelCowRange(ctx, ip, offset, length, true); cancelErr != nil {
			logger.Error(ctx, "Failed to cancel staging extent", zap.Uint64("inode", uint64(ip.Number())), zap.Error(cancelErr))
		}
		return 0, err
	}
	if err := f.fs.remapper.EndCow(ctx, ip, offset, length); err != nil {
		return 0, err
	}
	return n, nil
}

// writePages writes the contents of consecutive pages to consecutive
// blocks.
func (f *File) writePages(pages []*page, block uint64) (int, error) {
	buf := make([]byte, 0, len(pages)*int(f.fs.blockSizeBytes))
	for _, p := range pages {
		buf = append(buf, p.data...)
	}
	if err := f.fs.writeBlocks(buf, block); err != nil {
		return 0, err
	}
	return len(pages), nil
}
