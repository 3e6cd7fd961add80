package allocator

import (
	"fmt"
	"math/bits"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type bitmapBlockAllocator struct {
	geometry Geometry

	lock       sync.Mutex
	freeBitmap []uint64 // One bits indicate blocks that are free.
	nextBlock  uint64
}

const (
	allBits = ^uint64(0)
)

// NewBitmapBlockAllocator creates a BlockAllocator that stores
// information on which blocks are allocated in a bitmap. Blocks are
// allocated by sequentially scanning the bitmap, continuing where
// previous calls left off.
func NewBitmapBlockAllocator(geometry Geometry) BlockAllocator {
	// Construct a bitmap. Make the bitmap a bit too big, so that
	// it's always terminated with one or more blocks that are
	// permanently in use. This prevents the need for explicit
	// bounds checking inside our algorithms.
	blockCount := geometry.BlockCount
	ba := &bitmapBlockAllocator{
		geometry:   geometry,
		freeBitmap: make([]uint64, blockCount/64+1),
	}

	// Mark the exact number of blocks as being free.
	for i := uint64(0); i < blockCount/64; i++ {
		ba.freeBitmap[i] = allBits
	}
	ba.freeBitmap[blockCount/64] = ^(allBits << (blockCount % 64))
	return ba
}

func (ba *bitmapBlockAllocator) Geometry() Geometry {
	return ba.geometry
}

func (ba *bitmapBlockAllocator) AllocateContiguous(maximum uint64) (uint64, uint64, error) {
	if maximum == 0 {
		return 0, 0, status.Error(codes.InvalidArgument, "Cannot allocate zero blocks")
	}

	ba.lock.Lock()
	defer ba.lock.Unlock()

	// Allocate blocks from the current bitmap word.
	split := ba.nextBlock / 64
	if m := ba.freeBitmap[split] & (allBits << (ba.nextBlock % 64)); m != 0 {
		return ba.allocateAt(split, m, maximum)
	}

	// Allocate blocks from the current location to the end.
	for i := split + 1; i < uint64(len(ba.freeBitmap)); i++ {
		if m := ba.freeBitmap[i]; m != 0 {
			return ba.allocateAt(i, m, maximum)
		}
	}

	// Allocate blocks from the beginning to the current location.
	for i := uint64(0); i <= split; i++ {
		if m := ba.freeBitmap[i]; m != 0 {
			return ba.allocateAt(i, m, maximum)
		}
	}
	return 0, 0, status.Error(codes.ResourceExhausted, "No free blocks available")
}

func (ba *bitmapBlockAllocator) allocateAt(index, mask, maximum uint64) (uint64, uint64, error) {
	// Compute the first block at which to start allocating. Don't
	// allocate past the end of the region.
	initialShift := uint64(bits.TrailingZeros64(mask))
	firstBlock := index*64 + initialShift
	maximum = min(maximum, ba.geometry.RegionBlocks-firstBlock%ba.geometry.RegionBlocks)

	// Allocate blocks from the first bitmap word.
	allocated := min(uint64(bits.TrailingZeros64(^(mask>>initialShift))), maximum)
	ba.freeBitmap[index] &^= ^(allBits << allocated) << initialShift

	if initialShift+allocated == 64 {
		// More blocks are requested than available in the
		// first bitmap word. Fully allocate as many bitmap
		// words as possible.
		index++
		maximum -= allocated
		for maximum >= 64 && ba.freeBitmap[index] == allBits {
			ba.freeBitmap[index] = 0
			index++
			maximum -= 64
			allocated += 64
		}

		// Allocate remaining blocks from a final bitmap word.
		available := min(uint64(bits.TrailingZeros64(^ba.freeBitmap[index])), maximum)
		ba.freeBitmap[index] &= allBits << available
		allocated += available
	}

	ba.nextBlock = firstBlock + allocated
	return firstBlock + 1, allocated, nil
}

func (ba *bitmapBlockAllocator) freeWithMask(index, mask uint64) {
	if m := ba.freeBitmap[index] & mask; m != 0 {
		panic(fmt.Sprintf("Attempted to free blocks %x at index %d, even though they are not allocated", m, index))
	}
	ba.freeBitmap[index] |= mask
}

func (ba *bitmapBlockAllocator) FreeContiguous(firstBlock, count uint64) {
	if !ba.geometry.IsValidRange(firstBlock, count) {
		panic(fmt.Sprintf("Attempted to free invalid block range [%d, %d)", firstBlock, firstBlock+count))
	}
	firstBlock--

	ba.lock.Lock()
	defer ba.lock.Unlock()

	// Free blocks from the initial bitmap word.
	mask := allBits
	if count < 64 {
		mask = ^(allBits << count)
	}
	offsetWithinFirstWord := firstBlock % 64
	index := firstBlock / 64
	ba.freeWithMask(index, mask<<offsetWithinFirstWord)

	if alreadyFreed := 64 - offsetWithinFirstWord; count > alreadyFreed {
		// More blocks are freed than available in the first
		// bitmap word. Fully free as many bitmap words as
		// possible.
		count -= alreadyFreed
		index++
		for count >= 64 {
			if ba.freeBitmap[index] != 0 {
				panic(fmt.Sprintf("Attempted to free blocks at index %d, even though they are not allocated", index))
			}
			ba.freeBitmap[index] = allBits
			index++
			count -= 64
		}

		// Free remaining blocks from the final bitmap word.
		ba.freeWithMask(index, ^(allBits << count))
	}
}

func (ba *bitmapBlockAllocator) FreeBlocks(region uint32) uint64 {
	// Regions are a multiple of 64 blocks, so they always consist
	// of whole bitmap words.
	wordsPerRegion := ba.geometry.RegionBlocks / 64
	first := uint64(region) * wordsPerRegion
	end := min(first+wordsPerRegion, uint64(len(ba.freeBitmap)))

	ba.lock.Lock()
	defer ba.lock.Unlock()

	free := 0
	for i := first; i < end; i++ {
		free += bits.OnesCount64(ba.freeBitmap[i])
	}
	return uint64(free)
}
