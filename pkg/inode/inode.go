package inode

import (
	"context"
	"sync"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
)

// Number of an inode. Inode numbers determine the order in which the
// locks of multiple inodes are acquired.
type Number uint64

// Flags that are stored in an inode.
type Flags uint32

const (
	// FlagReflink indicates that the inode may share blocks with
	// other inodes, or with other ranges of itself. If this flag is
	// not set, the refcount index does not need to be consulted on
	// writes.
	FlagReflink Flags = 1 << iota
	// FlagCowExtSize indicates that the inode carries its own CoW
	// extent size hint.
	FlagCowExtSize
	// FlagAlwaysCoW causes all writes to the inode to go through
	// the CoW fork, regardless of whether blocks are shared.
	FlagAlwaysCoW
)

// Health of an inode. Bits are set when metadata of the inode is found
// to be inconsistent. They are never cleared, as only a repair tool may
// do that.
type Health uint32

const (
	// SickDataFork indicates that the data fork is inconsistent.
	SickDataFork Health = 1 << iota
	// SickCowFork indicates that the CoW fork is inconsistent.
	SickCowFork
)

// AddressSpace is the page cache of an inode. It is called into when
// cached data needs to be written back or discarded before blocks are
// remapped.
type AddressSpace interface {
	// WriteAndWaitRange writes back all dirty pages in the byte
	// range [start, end) and waits for the writes to complete.
	WriteAndWaitRange(ctx context.Context, start, end int64) error
	// InvalidateRange discards all clean pages in the byte range
	// [start, end).
	InvalidateRange(start, end int64)
	// ZeroRange overwrites a byte range with zeroes through the
	// page cache.
	ZeroRange(ctx context.Context, offset, length int64) error
	// UnshareRange dirties all pages in a byte range that are
	// backed by shared blocks, so that writeback gives them private
	// copies.
	UnshareRange(ctx context.Context, offset, length int64) error
}

// Inode holds the in-core state of a file that is relevant for
// sharing blocks between files.
//
// All exported fields are protected by ILOCK. Fields that do not
// change after creation, such as the number and owner, may be read
// without holding any locks.
type Inode struct {
	number Number
	owner  uint32

	ilock    sync.RWMutex
	iolock   sync.RWMutex
	mmaplock sync.RWMutex

	Size       int64
	DiskSize   int64
	DataFork   *blockmap.Fork
	CowFork    *blockmap.Fork
	Flags      Flags
	CowExtSize uint64

	// NBlocks is the number of blocks in the data fork that are
	// backed by storage. DelayedBlocks is the number of blocks that
	// are reserved for delayed allocations in the data fork, plus
	// all blocks in the CoW fork.
	NBlocks       uint64
	DelayedBlocks uint64

	healthLock sync.Mutex
	sick       Health

	directIOLock  sync.Mutex
	directIOCond  *sync.Cond
	directIOCount int

	addressSpace AddressSpace
}

// New creates an empty inode. Forks switch to a B-tree representation
// once they contain more than btreeThreshold extents.
func New(number Number, owner uint32, btreeThreshold int) *Inode {
	ip := &Inode{
		number:   number,
		owner:    owner,
		DataFork: blockmap.NewFork(btreeThreshold),
		CowFork:  blockmap.NewFork(btreeThreshold),
	}
	ip.directIOCond = sync.NewCond(&ip.directIOLock)
	return ip
}

// Number returns the inode number.
func (ip *Inode) Number() Number {
	return ip.number
}

// Owner returns the user ID against whose quota blocks of the inode
// are accounted.
func (ip *Inode) Owner() uint32 {
	return ip.owner
}

// SetAddressSpace attaches the page cache of the inode. It must be
// called before the inode is used.
func (ip *Inode) SetAddressSpace(addressSpace AddressSpace) {
	ip.addressSpace = addressSpace
}

// AddressSpace returns the page cache of the inode.
func (ip *Inode) AddressSpace() AddressSpace {
	return ip.addressSpace
}

// IsReflink returns true if the inode may share blocks.
func (ip *Inode) IsReflink() bool {
	return ip.Flags&FlagReflink != 0
}

// IsAlwaysCoW returns true if all writes to the inode need to go
// through the CoW fork.
func (ip *Inode) IsAlwaysCoW() bool {
	return ip.Flags&FlagAlwaysCoW != 0
}

// IsCoW returns true if writes to the inode need to consult the CoW
// fork.
func (ip *Inode) IsCoW() bool {
	return ip.Flags&(FlagReflink|FlagAlwaysCoW) != 0
}

// HasCowData returns true if the CoW fork contains any extents.
func (ip *Inode) HasCowData() bool {
	return !ip.CowFork.IsEmpty()
}

// MarkSick records that metadata of the inode is inconsistent.
func (ip *Inode) MarkSick(health Health) {
	ip.healthLock.Lock()
	ip.sick |= health
	ip.healthLock.Unlock()
}

// Sick returns the set of inconsistencies found in the inode.
func (ip *Inode) Sick() Health {
	ip.healthLock.Lock()
	defer ip.healthLock.Unlock()
	return ip.sick
}

// DirectIOBegin registers the start of a direct I/O operation.
func (ip *Inode) DirectIOBegin() {
	ip.directIOLock.Lock()
	ip.directIOCount++
	ip.directIOLock.Unlock()
}

// DirectIOEnd registers the completion of a direct I/O operation.
func (ip *Inode) DirectIOEnd() {
	ip.directIOLock.Lock()
	ip.directIOCount--
	if ip.directIOCount == 0 {
		ip.directIOCond.Broadcast()
	}
	ip.directIOLock.Unlock()
}

// DirectIOInFlight returns true if direct I/O operations are running
// against the inode.
func (ip *Inode) DirectIOInFlight() bool {
	ip.directIOLock.Lock()
	defer ip.directIOLock.Unlock()
	return ip.directIOCount > 0
}

// WaitForDirectIO blocks until all direct I/O operations against the
// inode have completed. Callers must hold IOLOCK to prevent new ones
// from starting.
func (ip *Inode) WaitForDirectIO() {
	ip.directIOLock.Lock()
	for ip.directIOCount > 0 {
		ip.directIOCond.Wait()
	}
	ip.directIOLock.Unlock()
}

type snapshot struct {
	size          int64
	diskSize      int64
	flags         Flags
	cowExtSize    uint64
	nBlocks       uint64
	delayedBlocks uint64
}

// Snapshot returns a function that restores all fields protected by
// ILOCK to their current values. It allows inodes to be joined to
// transactions.
func (ip *Inode) Snapshot() func() {
	s := snapshot{
		size:          ip.Size,
		diskSize:      ip.DiskSize,
		flags:         ip.Flags,
		cowExtSize:    ip.CowExtSize,
		nBlocks:       ip.NBlocks,
		delayedBlocks: ip.DelayedBlocks,
	}
	restoreDataFork := ip.DataFork.Snapshot()
	restoreCowFork := ip.CowFork.Snapshot()
	return func() {
		ip.Size = s.size
		ip.DiskSize = s.diskSize
		ip.Flags = s.flags
		ip.CowExtSize = s.cowExtSize
		ip.NBlocks = s.nBlocks
		ip.DelayedBlocks = s.delayedBlocks
		restoreDataFork()
		restoreCowFork()
	}
}
