package allocator

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Geometry describes how the physical blocks of a device are
// numbered. Block numbers start at one, so that zero can be used to
// denote holes. The device is partitioned in regions of equal size.
// Each region has its own refcount records and its own metadata
// reserve.
type Geometry struct {
	BlockCount   uint64
	RegionBlocks uint64
}

// NewGeometry validates and returns a Geometry.
func NewGeometry(blockCount, regionBlocks uint64) (Geometry, error) {
	if blockCount == 0 {
		return Geometry{}, status.Error(codes.InvalidArgument, "Device must contain at least one block")
	}
	if regionBlocks == 0 || regionBlocks%64 != 0 {
		return Geometry{}, status.Errorf(codes.InvalidArgument, "Region size of %d blocks is not a positive multiple of 64", regionBlocks)
	}
	return Geometry{
		BlockCount:   blockCount,
		RegionBlocks: regionBlocks,
	}, nil
}

// RegionCount returns the number of regions of the device. The last
// region may be smaller than the others.
func (g Geometry) RegionCount() uint32 {
	return uint32((g.BlockCount + g.RegionBlocks - 1) / g.RegionBlocks)
}

// Region returns the region containing a block.
func (g Geometry) Region(block uint64) uint32 {
	return uint32((block - 1) / g.RegionBlocks)
}

// RegionEnd returns the first block past the region containing a
// block.
func (g Geometry) RegionEnd(block uint64) uint64 {
	return (uint64(g.Region(block))+1)*g.RegionBlocks + 1
}

// IsValidRange returns true if [block, block+count) lies within the
// device.
func (g Geometry) IsValidRange(block, count uint64) bool {
	return block > 0 && count > 0 && block+count > block && block+count-1 <= g.BlockCount
}

// BlockAllocator is used to allocate physical blocks of a device.
type BlockAllocator interface {
	// Allocate a contiguous range of blocks.
	//
	// Under high utilization, it may not be possible to allocate
	// all space contiguously. In that case, this function returns
	// fewer blocks than requested. Allocations never cross the
	// boundary of a region.
	AllocateContiguous(maximum uint64) (uint64, uint64, error)
	// Free a contiguous range of blocks. It is invalid to call
	// this function with the first block number being zero.
	FreeContiguous(first, count uint64)
	// FreeBlocks returns the number of blocks in a region that
	// are not allocated.
	FreeBlocks(region uint32) uint64
	// Geometry returns the geometry of the device managed by the
	// allocator.
	Geometry() Geometry
}
