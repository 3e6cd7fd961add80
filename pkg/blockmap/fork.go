package blockmap

import (
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Format of the storage backing a Fork.
type Format int

const (
	// FormatInline stores a small number of extents directly
	// inside the fork.
	FormatInline Format = iota
	// FormatExtents stores extents in a sorted list.
	FormatExtents
	// FormatBTree stores extents in a B-tree.
	FormatBTree
)

func (f Format) String() string {
	switch f {
	case FormatInline:
		return "inline"
	case FormatExtents:
		return "extents"
	case FormatBTree:
		return "btree"
	default:
		return "unknown"
	}
}

// DefaultBTreeThreshold is the number of extents above which a Fork
// switches to FormatBTree when no explicit threshold is configured.
const DefaultBTreeThreshold = 64

// Fork is an ordered, non-overlapping set of extents describing part
// of the block mapping of an inode. Every inode has a data fork,
// describing the contents visible to readers, and a CoW fork, holding
// staging extents for copy-on-write.
//
// The representation of a Fork changes automatically as extents are
// added and removed. Callers never need to know which representation
// is in use.
//
// Fork is not thread-safe. Callers must hold the lock of the inode
// owning the fork.
type Fork struct {
	storage        extentStorage
	format         Format
	btreeThreshold int
	version        uint64
}

// NewFork creates an empty Fork. Once the fork contains more than
// btreeThreshold extents, they are stored in a B-tree.
func NewFork(btreeThreshold int) *Fork {
	if btreeThreshold <= inlineExtentCount {
		btreeThreshold = DefaultBTreeThreshold
	}
	return &Fork{
		storage:        &inlineStorage{},
		format:         FormatInline,
		btreeThreshold: btreeThreshold,
	}
}

// Format returns the representation that is currently in use.
func (f *Fork) Format() Format {
	return f.format
}

// Version returns a counter that is incremented every time the fork
// is modified.
func (f *Fork) Version() uint64 {
	return f.version
}

// Count returns the number of extents in the fork.
func (f *Fork) Count() int {
	return f.storage.len()
}

// IsEmpty returns true if the fork contains no extents.
func (f *Fork) IsEmpty() bool {
	return f.storage.len() == 0
}

// Lookup returns the extent containing the logical block at offset
// or, if that block is not mapped, the first extent after it.
func (f *Fork) Lookup(offset uint64) (Extent, bool) {
	return f.storage.seek(offset)
}

// LookupBefore returns the last extent that starts before offset.
func (f *Fork) LookupBefore(offset uint64) (Extent, bool) {
	return f.storage.seekBefore(offset)
}

// Read returns the mapping of the logical block at offset. The
// returned extent is at most count blocks long. Unmapped ranges are
// returned as holes that extend up to the next mapped extent.
func (f *Fork) Read(offset, count uint64) Extent {
	e, ok := f.storage.seek(offset)
	if !ok || e.FileOffset >= offset+count {
		return NewHole(offset, count)
	}
	if e.FileOffset > offset {
		return NewHole(offset, e.FileOffset-offset)
	}
	return e.Trim(offset, count)
}

// Ascend calls fn for every extent that ends after offset, in
// increasing order, until fn returns false.
func (f *Fork) Ascend(offset uint64, fn func(Extent) bool) {
	f.storage.ascend(func(e Extent) bool {
		if e.End() <= offset {
			return true
		}
		return fn(e)
	})
}

// Extents returns a copy of all extents in the fork.
func (f *Fork) Extents() []Extent {
	extents := make([]Extent, 0, f.storage.len())
	f.storage.ascend(func(e Extent) bool {
		extents = append(extents, e)
		return true
	})
	return extents
}

// Blocks returns the number of blocks in the fork, split into blocks
// backed by storage and delayed allocation reservations.
func (f *Fork) Blocks() (real, delayed uint64) {
	f.storage.ascend(func(e Extent) bool {
		switch e.State {
		case StateDelayed:
			delayed += e.Count
		case StateUnwritten, StateNormal:
			real += e.Count
		}
		return true
	})
	return
}

// Map inserts an extent into the fork. The logical range covered by
// the extent must not be mapped. The extent is merged with adjacent
// extents that are logically and physically contiguous.
func (f *Fork) Map(e Extent) error {
	if e.Count == 0 || e.State == StateHole {
		return status.Errorf(codes.InvalidArgument, "Cannot map extent %s", e)
	}
	if e.End() > MaxFileOffset || e.End() < e.FileOffset {
		return status.Errorf(codes.InvalidArgument, "Extent %s exceeds the maximum file offset %d", e, MaxFileOffset)
	}
	if existing, ok := f.storage.seek(e.FileOffset); ok && existing.FileOffset < e.End() {
		return status.Errorf(codes.Internal, "Attempted to map extent %s, while the range is already occupied by %s", e, existing)
	}

	if previous, ok := f.storage.seekBefore(e.FileOffset); ok && previous.canMergeWith(e) {
		f.storage.remove(previous.FileOffset)
		previous.Count += e.Count
		e = previous
	}
	if next, ok := f.storage.seek(e.End()); ok && e.canMergeWith(next) {
		f.storage.remove(next.FileOffset)
		e.Count += next.Count
	}
	f.insert(e)
	return nil
}

// Unmap removes all mappings within the logical range [offset,
// offset+count), splitting extents that straddle the boundaries of
// the range. The removed parts are returned in increasing order.
func (f *Fork) Unmap(offset, count uint64) []Extent {
	var removed []Extent
	end := offset + count
	for {
		e, ok := f.storage.seek(offset)
		if !ok || e.FileOffset >= end {
			break
		}
		f.storage.remove(e.FileOffset)
		if e.FileOffset < offset {
			f.storage.insert(e.Slice(0, offset-e.FileOffset))
		}
		if e.End() > end {
			f.storage.insert(e.Slice(end-e.FileOffset, e.End()-end))
		}
		removed = append(removed, e.Trim(offset, end-offset))
		offset = min(e.End(), end)
	}
	if len(removed) > 0 {
		f.modified()
	}
	return removed
}

// Convert changes the state of all real extents within the logical
// range [offset, offset+count) to the provided state. The parts whose
// state was changed are returned with their original state, so that
// the change can be reverted.
func (f *Fork) Convert(offset, count uint64, state State) ([]Extent, error) {
	if state != StateUnwritten && state != StateNormal {
		return nil, status.Errorf(codes.InvalidArgument, "Cannot convert extents to state %s", state)
	}
	var converted []Extent
	end := offset + count
	for offset < end {
		e, ok := f.storage.seek(offset)
		if !ok || e.FileOffset >= end {
			break
		}
		part := e.Trim(offset, end-offset)
		offset = part.End()
		if !part.IsReal() || part.State == state {
			continue
		}
		f.Unmap(part.FileOffset, part.Count)
		converted = append(converted, part)
		part.State = state
		if err := f.Map(part); err != nil {
			return converted, err
		}
	}
	return converted, nil
}

func (f *Fork) insert(e Extent) {
	f.storage.insert(e)
	f.modified()
}

// modified bumps the version of the fork and switches to a different
// representation if the number of extents warrants it.
func (f *Fork) modified() {
	f.version++
	n := f.storage.len()
	switch f.format {
	case FormatInline:
		if n > inlineExtentCount-1 {
			f.convertTo(FormatExtents)
		}
	case FormatExtents:
		if n > f.btreeThreshold {
			f.convertTo(FormatBTree)
		} else if n < inlineExtentCount-1 {
			f.convertTo(FormatInline)
		}
	case FormatBTree:
		if n <= f.btreeThreshold/2 {
			f.convertTo(FormatExtents)
		}
	}
}

func (f *Fork) convertTo(format Format) {
	var newStorage extentStorage
	switch format {
	case FormatInline:
		newStorage = &inlineStorage{}
	case FormatExtents:
		newStorage = &listStorage{extents: make([]Extent, 0, f.storage.len())}
	case FormatBTree:
		newStorage = newTreeStorage()
	}
	f.storage.ascend(func(e Extent) bool {
		newStorage.insert(e)
		return true
	})
	f.storage = newStorage
	f.format = format
}

// Snapshot returns a function that restores the fork to its current
// contents.
func (f *Fork) Snapshot() func() {
	extents := f.Extents()
	return func() {
		f.storage = &listStorage{extents: slices.Clone(extents)}
		f.format = FormatExtents
		f.modified()
	}
}
