package blockmap

import (
	"fmt"
	"math"
)

// State of the blocks described by an Extent.
type State int

const (
	// StateHole indicates that no storage backs the range.
	StateHole State = iota
	// StateDelayed indicates that space has been reserved for the
	// range, but no physical blocks have been chosen yet.
	StateDelayed
	// StateUnwritten indicates that physical blocks have been
	// allocated, but they must be read back as zeroes until data
	// has been written to them.
	StateUnwritten
	// StateNormal indicates that physical blocks have been allocated
	// and contain data.
	StateNormal
)

func (s State) String() string {
	switch s {
	case StateHole:
		return "hole"
	case StateDelayed:
		return "delayed"
	case StateUnwritten:
		return "unwritten"
	case StateNormal:
		return "normal"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	// HoleBlock is the physical block number stored in extents that
	// describe holes. Block allocators hand out block numbers
	// starting at one, so that zero never refers to real storage.
	HoleBlock uint64 = 0
	// DelayBlock is the physical block number stored in extents that
	// describe delayed allocation reservations.
	DelayBlock uint64 = math.MaxUint64
	// MaxFileOffset is the exclusive upper bound of logical block
	// numbers that may be mapped.
	MaxFileOffset uint64 = 1 << 54
)

// Extent maps a contiguous range of logical blocks of a file to a
// contiguous range of physical blocks, or marks it as a hole or as a
// delayed allocation reservation.
type Extent struct {
	FileOffset uint64
	Block      uint64
	Count      uint64
	State      State
}

// NewHole creates an Extent describing a hole.
func NewHole(fileOffset, count uint64) Extent {
	return Extent{
		FileOffset: fileOffset,
		Block:      HoleBlock,
		Count:      count,
		State:      StateHole,
	}
}

// NewDelayed creates an Extent describing a delayed allocation
// reservation.
func NewDelayed(fileOffset, count uint64) Extent {
	return Extent{
		FileOffset: fileOffset,
		Block:      DelayBlock,
		Count:      count,
		State:      StateDelayed,
	}
}

// End returns the first logical block past the extent.
func (e Extent) End() uint64 {
	return e.FileOffset + e.Count
}

// IsHole returns true if no storage and no reservation backs the
// extent.
func (e Extent) IsHole() bool {
	return e.State == StateHole
}

// IsDelayed returns true if the extent is a delayed allocation
// reservation.
func (e Extent) IsDelayed() bool {
	return e.State == StateDelayed
}

// IsReal returns true if the extent is backed by physical blocks,
// regardless of whether those have been written.
func (e Extent) IsReal() bool {
	return e.State == StateUnwritten || e.State == StateNormal
}

// IsWritten returns true if the extent is backed by physical blocks
// containing data. Only written extents can be shared.
func (e Extent) IsWritten() bool {
	return e.State == StateNormal
}

// Trim the extent to the intersection with the logical range
// [offset, offset+count). The result has a zero Count if the ranges
// do not intersect.
func (e Extent) Trim(offset, count uint64) Extent {
	start := max(e.FileOffset, offset)
	end := min(e.End(), offset+count)
	if end <= start {
		e.Count = 0
		return e
	}
	return e.Slice(start-e.FileOffset, end-start)
}

// Slice returns the part of the extent that starts skip blocks into
// it and is count blocks long.
func (e Extent) Slice(skip, count uint64) Extent {
	if skip+count > e.Count {
		panic(fmt.Sprintf("Slice [%d, %d) is out of bounds for extent of %d blocks", skip, skip+count, e.Count))
	}
	e.FileOffset += skip
	if e.IsReal() {
		e.Block += skip
	}
	e.Count = count
	return e
}

// PhysicalEnd returns the first physical block past the extent. It
// may only be called on real extents.
func (e Extent) PhysicalEnd() uint64 {
	return e.Block + e.Count
}

// canMergeWith returns true if next directly follows e, both
// logically and physically, and has the same state.
func (e Extent) canMergeWith(next Extent) bool {
	if e.State != next.State || e.End() != next.FileOffset {
		return false
	}
	switch e.State {
	case StateDelayed:
		return true
	case StateUnwritten, StateNormal:
		return e.PhysicalEnd() == next.Block
	default:
		return false
	}
}

func (e Extent) String() string {
	switch e.State {
	case StateHole, StateDelayed:
		return fmt.Sprintf("[%d+%d %s]", e.FileOffset, e.Count, e.State)
	default:
		return fmt.Sprintf("[%d+%d -> %d %s]", e.FileOffset, e.Count, e.Block, e.State)
	}
}
