package blockmap

import (
	"sort"

	"github.com/google/btree"
)

// extentStorage is the representation of the extents of a Fork. Forks
// switch between representations as they grow and shrink, but all of
// them provide the same ordered set semantics, keyed by the logical
// offset of each extent.
type extentStorage interface {
	len() int
	// seek returns the extent containing offset or, if none, the
	// first extent starting after it.
	seek(offset uint64) (Extent, bool)
	// seekBefore returns the last extent starting before offset.
	seekBefore(offset uint64) (Extent, bool)
	// insert adds an extent that does not overlap any existing one.
	insert(e Extent)
	// remove deletes the extent starting at the provided offset.
	remove(fileOffset uint64)
	ascend(fn func(Extent) bool)
}

// Sorted slice helpers, shared by the inline and extent list formats.

func sortedSeek(list []Extent, offset uint64) (Extent, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].End() > offset })
	if i == len(list) {
		return Extent{}, false
	}
	return list[i], true
}

func sortedSeekBefore(list []Extent, offset uint64) (Extent, bool) {
	i := sort.Search(len(list), func(i int) bool { return list[i].FileOffset >= offset })
	if i == 0 {
		return Extent{}, false
	}
	return list[i-1], true
}

func sortedInsert(list []Extent, e Extent) []Extent {
	i := sort.Search(len(list), func(i int) bool { return list[i].FileOffset > e.FileOffset })
	list = append(list, Extent{})
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func sortedRemove(list []Extent, fileOffset uint64) []Extent {
	i := sort.Search(len(list), func(i int) bool { return list[i].FileOffset >= fileOffset })
	if i == len(list) || list[i].FileOffset != fileOffset {
		panic("Attempted to remove an extent that is not present")
	}
	copy(list[i:], list[i+1:])
	return list[:len(list)-1]
}

// inlineExtentCount is the number of extents that can be stored
// directly inside the fork, without any further allocations.
const inlineExtentCount = 4

type inlineStorage struct {
	extents [inlineExtentCount]Extent
	count   int
}

func (s *inlineStorage) len() int { return s.count }

func (s *inlineStorage) seek(offset uint64) (Extent, bool) {
	return sortedSeek(s.extents[:s.count], offset)
}

func (s *inlineStorage) seekBefore(offset uint64) (Extent, bool) {
	return sortedSeekBefore(s.extents[:s.count], offset)
}

func (s *inlineStorage) insert(e Extent) {
	if s.count == inlineExtentCount {
		panic("Inline extent storage is full")
	}
	sortedInsert(s.extents[:s.count], e)
	s.count++
}

func (s *inlineStorage) remove(fileOffset uint64) {
	sortedRemove(s.extents[:s.count], fileOffset)
	s.count--
	s.extents[s.count] = Extent{}
}

func (s *inlineStorage) ascend(fn func(Extent) bool) {
	for _, e := range s.extents[:s.count] {
		if !fn(e) {
			return
		}
	}
}

type listStorage struct {
	extents []Extent
}

func (s *listStorage) len() int { return len(s.extents) }

func (s *listStorage) seek(offset uint64) (Extent, bool) {
	return sortedSeek(s.extents, offset)
}

func (s *listStorage) seekBefore(offset uint64) (Extent, bool) {
	return sortedSeekBefore(s.extents, offset)
}

func (s *listStorage) insert(e Extent) {
	s.extents = sortedInsert(s.extents, e)
}

func (s *listStorage) remove(fileOffset uint64) {
	s.extents = sortedRemove(s.extents, fileOffset)
}

func (s *listStorage) ascend(fn func(Extent) bool) {
	for _, e := range s.extents {
		if !fn(e) {
			return
		}
	}
}

// btreeDegree is the degree of the B-trees used for large forks.
const btreeDegree = 16

type treeStorage struct {
	tree *btree.BTreeG[Extent]
}

func lessByFileOffset(a, b Extent) bool {
	return a.FileOffset < b.FileOffset
}

func newTreeStorage() *treeStorage {
	return &treeStorage{
		tree: btree.NewG(btreeDegree, lessByFileOffset),
	}
}

func (s *treeStorage) len() int { return s.tree.Len() }

func (s *treeStorage) seek(offset uint64) (Extent, bool) {
	var found Extent
	ok := false
	s.tree.DescendLessOrEqual(Extent{FileOffset: offset}, func(e Extent) bool {
		if e.End() > offset {
			found, ok = e, true
		}
		return false
	})
	if ok {
		return found, true
	}
	s.tree.AscendGreaterOrEqual(Extent{FileOffset: offset}, func(e Extent) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

func (s *treeStorage) seekBefore(offset uint64) (Extent, bool) {
	if offset == 0 {
		return Extent{}, false
	}
	var found Extent
	ok := false
	s.tree.DescendLessOrEqual(Extent{FileOffset: offset - 1}, func(e Extent) bool {
		found, ok = e, true
		return false
	})
	return found, ok
}

func (s *treeStorage) insert(e Extent) {
	if _, replaced := s.tree.ReplaceOrInsert(e); replaced {
		panic("Attempted to insert an extent at an offset that is already occupied")
	}
}

func (s *treeStorage) remove(fileOffset uint64) {
	if _, ok := s.tree.Delete(Extent{FileOffset: fileOffset}); !ok {
		panic("Attempted to remove an extent that is not present")
	}
}

func (s *treeStorage) ascend(fn func(Extent) bool) {
	s.tree.Ascend(fn)
}
