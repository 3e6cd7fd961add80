package allocator

import (
	"github.com/buildbarn/bb-reflink/pkg/util"
)

// Space keeps track of how many blocks of a device may still be
// promised to callers. Blocks need to be reserved before they can be
// allocated, which makes it possible to fail operations before they
// make any modifications. Reservations are taken by transactions (for
// the blocks they may allocate) and by delayed allocations (for the
// blocks they will eventually need).
//
// A fixed number of blocks of every region is kept in reserve for
// metadata. Regions whose number of free blocks drops below this
// reserve are considered critical.
type Space struct {
	allocator       BlockAllocator
	blocksRemaining spaceMetric
	criticalReserve uint64
	capacity        uint64
}

// NewSpace creates a Space that hands out all free blocks of an
// allocator, except for the metadata reserve of every region.
func NewSpace(allocator BlockAllocator, criticalReserve uint64) *Space {
	s := &Space{
		allocator:       allocator,
		criticalReserve: criticalReserve,
	}
	geometry := allocator.Geometry()
	reserve := uint64(geometry.RegionCount()) * criticalReserve
	available := int64(0)
	if geometry.BlockCount > reserve {
		available = int64(geometry.BlockCount - reserve)
	}
	s.blocksRemaining.init(available)
	s.capacity = uint64(available)
	return s
}

// Capacity returns the number of blocks that are available when none
// are in use.
func (s *Space) Capacity() uint64 {
	return s.capacity
}

// Geometry of the device whose space is managed.
func (s *Space) Geometry() Geometry {
	return s.allocator.Geometry()
}

// Reserve a number of blocks. This fails with ENOSPC if fewer blocks
// are available.
func (s *Space) Reserve(count uint64) error {
	if !s.blocksRemaining.allocate(int64(count)) {
		return util.NewNoSpaceError("Cannot reserve %d blocks, as only %d blocks are available", count, s.blocksRemaining.load())
	}
	return nil
}

// Release a reservation of blocks that is no longer needed.
func (s *Space) Release(count uint64) {
	s.blocksRemaining.release(int64(count))
}

// Available returns the number of blocks that may still be reserved.
func (s *Space) Available() uint64 {
	return uint64(s.blocksRemaining.load())
}

// Allocate a contiguous range of at most maximum blocks. The caller
// must hold a reservation of at least maximum blocks. The blocks that
// are allocated consume the reservation. The remainder stays reserved.
func (s *Space) Allocate(maximum uint64) (uint64, uint64, error) {
	first, count, err := s.allocator.AllocateContiguous(maximum)
	if err != nil {
		return 0, 0, util.NewNoSpaceError("Failed to allocate %d blocks: %s", maximum, err)
	}
	return first, count, nil
}

// Free a range of blocks, making them available for reservation again.
func (s *Space) Free(first, count uint64) {
	s.allocator.FreeContiguous(first, count)
	s.blocksRemaining.release(int64(count))
}

// Unallocate returns blocks to the allocator without making them
// available for reservation. The blocks are added back to the
// reservation of the caller.
func (s *Space) Unallocate(first, count uint64) {
	s.allocator.FreeContiguous(first, count)
}

// FreeBlocks returns the number of unallocated blocks in a region.
func (s *Space) FreeBlocks(region uint32) uint64 {
	return s.allocator.FreeBlocks(region)
}

// RegionCritical returns true if a region has fewer free blocks than
// its metadata reserve. Operations that may need to split refcount
// records of such a region must not proceed.
func (s *Space) RegionCritical(region uint32) bool {
	return s.allocator.FreeBlocks(region) < s.criticalReserve
}
