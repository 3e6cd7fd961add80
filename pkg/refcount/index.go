package refcount

import (
	"fmt"
	"sync"

	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	"github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/google/btree"
)

// Domain of records in the refcount index.
type Domain int

const (
	// DomainShared holds the reference counts of blocks mapped into
	// data forks.
	DomainShared Domain = iota
	// DomainCoW holds the blocks that are in use as staging extents
	// of CoW forks. These records are what allows staging blocks to
	// be reclaimed after an unclean shutdown.
	DomainCoW
)

type region struct {
	lock   sync.Mutex
	shared *btree.BTreeG[record]
	cow    *btree.BTreeG[record]
}

func (r *region) tree(domain Domain) *btree.BTreeG[record] {
	if domain == DomainCoW {
		return r.cow
	}
	return r.shared
}

// piece of a block range that lies within a single region.
type piece struct {
	region     *region
	start, end uint64
}

// Index stores the number of data fork mappings referring to every
// physical block of a device. Blocks are considered shared if their
// reference count is two or more.
//
// The index is partitioned in regions. Every region has its own lock,
// which is only held for the duration of a single call. Modifications
// are made on behalf of a transaction. If the transaction is
// canceled, the inverse adjustment is applied. As adjustments commute,
// this is safe even if other transactions modified the same records in
// the meantime.
type Index struct {
	geometry allocator.Geometry
	regions  []*region
}

// NewIndex creates an empty refcount index for a device.
func NewIndex(geometry allocator.Geometry) *Index {
	regions := make([]*region, geometry.RegionCount())
	for i := range regions {
		regions[i] = &region{
			shared: newRecordTree(),
			cow:    newRecordTree(),
		}
	}
	return &Index{
		geometry: geometry,
		regions:  regions,
	}
}

// getPieces splits a block range at region boundaries. The regions of
// the pieces are locked on return.
func (idx *Index) getPieces(block, count uint64) ([]piece, error) {
	if !idx.geometry.IsValidRange(block, count) {
		return nil, util.NewCorruptedError("Block range [%d, %d) lies outside the device", block, block+count)
	}
	var pieces []piece
	for end := block + count; block < end; {
		pieceEnd := min(end, idx.geometry.RegionEnd(block))
		pieces = append(pieces, piece{
			region: idx.regions[idx.geometry.Region(block)],
			start:  block,
			end:    pieceEnd,
		})
		block = pieceEnd
	}
	// Pieces are in increasing region order, which is the order in
	// which regions need to be locked.
	for _, p := range pieces {
		p.region.lock.Lock()
	}
	return pieces, nil
}

func unlockPieces(pieces []piece) {
	for i := len(pieces) - 1; i >= 0; i-- {
		pieces[i].region.lock.Unlock()
	}
}

// FindShared returns the lowest-numbered run of shared blocks within
// [block, block+count). If findEnd is set, the run is extended to
// include all contiguous shared blocks within the range. A count of
// zero is returned if none of the blocks are shared.
func (idx *Index) FindShared(block, count uint64, findEnd bool) (uint64, uint64, error) {
	pieces, err := idx.getPieces(block, count)
	if err != nil {
		return 0, 0, err
	}
	defer unlockPieces(pieces)

	found := false
	var sharedStart, sharedEnd uint64
	for _, p := range pieces {
		for _, r := range overlapping(p.region.shared, p.start, p.end) {
			start, end := max(r.Block, p.start), min(r.end(), p.end)
			if found {
				if r.Refcount < 2 || start != sharedEnd {
					return sharedStart, sharedEnd - sharedStart, nil
				}
				sharedEnd = end
			} else if r.Refcount >= 2 {
				found = true
				sharedStart, sharedEnd = start, end
				if !findEnd {
					return sharedStart, sharedEnd - sharedStart, nil
				}
			}
		}
	}
	if !found {
		return 0, 0, nil
	}
	return sharedStart, sharedEnd - sharedStart, nil
}

// Refcount returns the reference count of a single block.
func (idx *Index) Refcount(block uint64) uint64 {
	pieces, err := idx.getPieces(block, 1)
	if err != nil {
		return 0
	}
	defer unlockPieces(pieces)
	if records := overlapping(pieces[0].region.shared, block, block+1); len(records) > 0 {
		return records[0].Refcount
	}
	return 0
}

// Increase the reference count of a range of blocks by one.
func (idx *Index) Increase(tx *transaction.Transaction, block, count uint64) error {
	if err := idx.adjust(block, count, 1, nil); err != nil {
		return err
	}
	tx.AddUndo(func() { idx.mustAdjust(block, count, -1) })
	return nil
}

// Decrease the reference count of a range of blocks by one. Blocks
// whose reference count drops to zero are freed when the transaction
// commits.
func (idx *Index) Decrease(tx *transaction.Transaction, block, count uint64) error {
	if err := idx.adjust(block, count, -1, tx.FreeLater); err != nil {
		return err
	}
	tx.AddUndo(func() { idx.mustAdjust(block, count, 1) })
	return nil
}

func (idx *Index) mustAdjust(block, count uint64, delta int64) {
	if err := idx.adjust(block, count, delta, nil); err != nil {
		panic(fmt.Sprintf("Failed to revert reference count adjustment: %s", err))
	}
}

func (idx *Index) adjust(block, count uint64, delta int64, freeLater func(block, count uint64)) error {
	pieces, err := idx.getPieces(block, count)
	if err != nil {
		return err
	}
	defer unlockPieces(pieces)

	if delta < 0 && freeLater != nil {
		for _, p := range pieces {
			if covered := coverage(p.region.shared, p.start, p.end); covered != p.end-p.start {
				return util.NewCorruptedError("Attempted to decrease the reference count of blocks [%d, %d), of which only %d blocks are referenced", p.start, p.end, covered)
			}
		}
	}

	var freeStart, freeEnd uint64
	flush := func() {
		if freeEnd > freeStart {
			freeLater(freeStart, freeEnd-freeStart)
		}
	}
	for _, p := range pieces {
		tree := p.region.shared
		splitAt(tree, p.start)
		splitAt(tree, p.end)
		position := p.start
		insertGap := func(end uint64) {
			if delta > 0 && end > position {
				tree.ReplaceOrInsert(record{Block: position, Count: end - position, Refcount: uint64(delta)})
			}
		}
		for _, r := range overlapping(tree, p.start, p.end) {
			insertGap(r.Block)
			tree.Delete(r)
			if refcount := int64(r.Refcount) + delta; refcount > 0 {
				r.Refcount = uint64(refcount)
				tree.ReplaceOrInsert(r)
			} else if freeLater != nil {
				if r.Block != freeEnd {
					flush()
					freeStart = r.Block
				}
				freeEnd = r.end()
			}
			position = r.end()
		}
		insertGap(p.end)
		mergeAround(tree, p.start, p.end)
	}
	if freeLater != nil {
		flush()
	}
	return nil
}

// AddCowExtent records that a range of blocks is in use as a staging
// extent.
func (idx *Index) AddCowExtent(tx *transaction.Transaction, block, count uint64) error {
	pieces, err := idx.getPieces(block, count)
	if err != nil {
		return err
	}
	defer unlockPieces(pieces)

	for _, p := range pieces {
		if covered := coverage(p.region.cow, p.start, p.end); covered != 0 {
			return util.NewCorruptedError("Blocks [%d, %d) are already in use as a staging extent", p.start, p.end)
		}
		if covered := coverage(p.region.shared, p.start, p.end); covered != 0 {
			return util.NewCorruptedError("Staging extent [%d, %d) overlaps with blocks that are mapped into data forks", p.start, p.end)
		}
	}
	addCowLocked(pieces)
	tx.AddUndo(func() { idx.mustRemoveCow(block, count) })
	return nil
}

// FreeCowExtent removes the record of a staging extent. The blocks
// themselves are not freed. They are either mapped into a data fork,
// or freed separately by the caller.
func (idx *Index) FreeCowExtent(tx *transaction.Transaction, block, count uint64) error {
	pieces, err := idx.getPieces(block, count)
	if err != nil {
		return err
	}
	defer unlockPieces(pieces)

	for _, p := range pieces {
		if covered := coverage(p.region.cow, p.start, p.end); covered != p.end-p.start {
			return util.NewCorruptedError("Attempted to free staging extent [%d, %d), of which only %d blocks are in use for staging", p.start, p.end, covered)
		}
	}
	removeCowLocked(pieces)
	tx.AddUndo(func() { idx.mustAddCow(block, count) })
	return nil
}

func (idx *Index) mustAddCow(block, count uint64) {
	pieces, err := idx.getPieces(block, count)
	if err != nil {
		panic(fmt.Sprintf("Failed to revert removal of staging extent: %s", err))
	}
	defer unlockPieces(pieces)
	addCowLocked(pieces)
}

func (idx *Index) mustRemoveCow(block, count uint64) {
	pieces, err := idx.getPieces(block, count)
	if err != nil {
		panic(fmt.Sprintf("Failed to revert addition of staging extent: %s", err))
	}
	defer unlockPieces(pieces)
	removeCowLocked(pieces)
}

func addCowLocked(pieces []piece) {
	for _, p := range pieces {
		p.region.cow.ReplaceOrInsert(record{Block: p.start, Count: p.end - p.start, Refcount: 1})
		mergeAround(p.region.cow, p.start, p.end)
	}
}

func removeCowLocked(pieces []piece) {
	for _, p := range pieces {
		splitAt(p.region.cow, p.start)
		splitAt(p.region.cow, p.end)
		for _, r := range overlapping(p.region.cow, p.start, p.end) {
			p.region.cow.Delete(r)
		}
	}
}

// Walk calls fn for every record in a domain of the index, in
// increasing block order. Records are split at region boundaries.
func (idx *Index) Walk(domain Domain, fn func(block, count, refcount uint64)) {
	for _, r := range idx.regions {
		r.lock.Lock()
		var records []record
		r.tree(domain).Ascend(func(rec record) bool {
			records = append(records, rec)
			return true
		})
		r.lock.Unlock()

		for _, rec := range records {
			fn(rec.Block, rec.Count, rec.Refcount)
		}
	}
}

// Range of physical blocks.
type Range struct {
	Block uint64
	Count uint64
}

// StagingExtents returns all ranges of blocks that are recorded as
// being in use as staging extents.
func (idx *Index) StagingExtents() []Range {
	var ranges []Range
	idx.Walk(DomainCoW, func(block, count, refcount uint64) {
		ranges = append(ranges, Range{Block: block, Count: count})
	})
	return ranges
}
