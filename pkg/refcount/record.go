package refcount

import (
	"github.com/google/btree"
)

// record stores the reference count of a contiguous range of
// physical blocks. Ranges of blocks without a record have a reference
// count of zero.
type record struct {
	Block    uint64
	Count    uint64
	Refcount uint64
}

func (r record) end() uint64 {
	return r.Block + r.Count
}

func lessByBlock(a, b record) bool {
	return a.Block < b.Block
}

const recordTreeDegree = 8

func newRecordTree() *btree.BTreeG[record] {
	return btree.NewG(recordTreeDegree, lessByBlock)
}

// overlapping returns all records that overlap with [start, end), in
// increasing order.
func overlapping(tree *btree.BTreeG[record], start, end uint64) []record {
	var records []record
	tree.DescendLessOrEqual(record{Block: start}, func(r record) bool {
		if r.end() > start {
			records = append(records, r)
		}
		return false
	})
	tree.AscendRange(record{Block: start + 1}, record{Block: end}, func(r record) bool {
		records = append(records, r)
		return true
	})
	return records
}

// coverage returns the number of blocks in [start, end) that are
// covered by records.
func coverage(tree *btree.BTreeG[record], start, end uint64) uint64 {
	covered := uint64(0)
	for _, r := range overlapping(tree, start, end) {
		covered += min(r.end(), end) - max(r.Block, start)
	}
	return covered
}

// splitAt ensures that no record straddles a block boundary.
func splitAt(tree *btree.BTreeG[record], block uint64) {
	var straddling record
	found := false
	tree.DescendLessOrEqual(record{Block: block}, func(r record) bool {
		straddling, found = r, r.Block < block && r.end() > block
		return false
	})
	if found {
		tree.ReplaceOrInsert(record{Block: straddling.Block, Count: block - straddling.Block, Refcount: straddling.Refcount})
		tree.ReplaceOrInsert(record{Block: block, Count: straddling.end() - block, Refcount: straddling.Refcount})
	}
}

// mergeAround merges records overlapping [start, end) with their
// neighbours if they are contiguous and have the same reference count.
func mergeAround(tree *btree.BTreeG[record], start, end uint64) {
	if start > 0 {
		start--
	}
	records := overlapping(tree, start, end+1)
	for i := 1; i < len(records); i++ {
		previous, current := records[i-1], records[i]
		if previous.end() == current.Block && previous.Refcount == current.Refcount {
			tree.Delete(current)
			previous.Count += current.Count
			tree.ReplaceOrInsert(previous)
			records[i] = previous
		}
	}
}
