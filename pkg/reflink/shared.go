package reflink

import (
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
)

// FindShared returns the first run of shared blocks within a mapping,
// as an offset relative to the start of the mapping and a length. If
// findEnd is set, the run is extended to cover all contiguous shared
// blocks. A length of zero is returned if no blocks are shared.
//
// Holes, delayed allocations and unwritten extents are never shared,
// so the refcount index is not consulted for them.
func (e *Engine) FindShared(imap blockmap.Extent, findEnd bool) (uint64, uint64, error) {
	if !imap.IsWritten() {
		return 0, 0, nil
	}
	block, count, err := e.refcounts.FindShared(imap.Block, imap.Count, findEnd)
	if err != nil || count == 0 {
		return 0, 0, err
	}
	return block - imap.Block, count, nil
}

// TrimAroundShared trims a data fork mapping, so that it is either
// wholly shared or wholly unshared. If the mapping starts with shared
// blocks, it is trimmed to the end of the shared run. Otherwise it is
// trimmed to the start of the first shared run, if any.
func (e *Engine) TrimAroundShared(ip *inode.Inode, imap *blockmap.Extent) (bool, error) {
	if !ip.IsReflink() || !imap.IsWritten() {
		return false, nil
	}

	sharedOffset, sharedLength, err := e.FindShared(*imap, true)
	if err != nil {
		return false, err
	}
	switch {
	case sharedLength == 0:
		return false, nil
	case sharedOffset == 0:
		*imap = imap.Slice(0, sharedLength)
		return true, nil
	default:
		*imap = imap.Slice(0, sharedOffset)
		return false, nil
	}
}

// trimCow is similar to TrimAroundShared, except that it also treats
// all mappings of inodes in always-CoW mode as shared.
func (e *Engine) trimCow(ip *inode.Inode, imap *blockmap.Extent) (bool, error) {
	if (e.alwaysCoW || ip.IsAlwaysCoW()) && imap.IsReal() {
		return true, nil
	}
	return e.TrimAroundShared(ip, imap)
}

// InodeHasSharedExtents returns whether any of the blocks in the data
// fork of an inode are shared. The caller must hold ILOCK.
func (e *Engine) InodeHasSharedExtents(ip *inode.Inode) (bool, error) {
	hasShared := false
	var err error
	ip.DataFork.Ascend(0, func(got blockmap.Extent) bool {
		if !got.IsWritten() {
			return true
		}
		var sharedLength uint64
		if _, sharedLength, err = e.FindShared(got, false); err != nil {
			return false
		}
		hasShared = sharedLength > 0
		return !hasShared
	})
	return hasShared, err
}
