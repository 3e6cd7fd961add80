package reflink

import (
	"context"
	"math"
	"math/bits"

	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/refcount"
	"github.com/buildbarn/bb-reflink/pkg/transaction"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration of an Engine.
type Configuration struct {
	// Size of a block in bytes.
	BlockSizeBytes int64
	// Number of blocks that need to be reserved to insert a single
	// extent into a fork, as that may require splitting B-tree
	// nodes.
	BTreeSplitBlocks uint64
	// CoW extent size hint of inodes that don't carry their own.
	// Staging extents are aligned to this size, so that CoW of
	// small random writes yields larger extents.
	DefaultCowExtentSize uint64
	// Treat all blocks of all inodes as shared, causing every write
	// to be performed out of place. This exercises the CoW paths
	// without requiring files to be cloned.
	AlwaysCoW bool
}

// Engine manages the sharing of physical blocks between files. It
// implements the write path's CoW allocation and completion, cloning
// ranges of blocks between files, and cancellation of unused staging
// extents.
//
// All state is stored in the inodes, the refcount index and the quota
// manager that are provided. Every step that modifies state is
// performed as part of a transaction. Operations that span multiple
// extents commit one transaction per extent, meaning they are not
// atomic as a whole.
type Engine struct {
	blockSizeBytes       int64
	splitBlocks          uint64
	defaultCowExtentSize uint64
	alwaysCoW            bool

	transactions *transaction.Manager
	space        *allocator.Space
	refcounts    *refcount.Index
	quotas       *quota.Manager
}

// NewEngine creates an Engine.
func NewEngine(configuration Configuration, transactions *transaction.Manager, refcounts *refcount.Index, quotas *quota.Manager) (*Engine, error) {
	if configuration.BlockSizeBytes <= 0 || configuration.BlockSizeBytes&(configuration.BlockSizeBytes-1) != 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Block size of %d bytes is not a power of two", configuration.BlockSizeBytes)
	}
	return &Engine{
		blockSizeBytes:       configuration.BlockSizeBytes,
		splitBlocks:          configuration.BTreeSplitBlocks,
		defaultCowExtentSize: configuration.DefaultCowExtentSize,
		alwaysCoW:            configuration.AlwaysCoW,

		transactions: transactions,
		space:        transactions.Space(),
		refcounts:    refcounts,
		quotas:       quotas,
	}, nil
}

// BlockSizeBytes returns the size of a block in bytes.
func (e *Engine) BlockSizeBytes() int64 {
	return e.blockSizeBytes
}

// NewInode creates an inode whose flags reflect the configuration of
// the engine.
func (e *Engine) NewInode(number inode.Number, owner uint32, btreeThreshold int) *inode.Inode {
	ip := inode.New(number, owner, btreeThreshold)
	if e.alwaysCoW {
		ip.Flags |= inode.FlagAlwaysCoW
	}
	return ip
}

// toBlocksFloor converts a byte offset to the block containing it.
func (e *Engine) toBlocksFloor(offset int64) uint64 {
	return uint64(offset / e.blockSizeBytes)
}

// toBlocksCeil converts a byte offset to the first block boundary at
// or after it.
func (e *Engine) toBlocksCeil(offset int64) uint64 {
	if offset > math.MaxInt64-e.blockSizeBytes {
		return blockmap.MaxFileOffset
	}
	return min(uint64((offset+e.blockSizeBytes-1)/e.blockSizeBytes), blockmap.MaxFileOffset)
}

func (e *Engine) toBytes(blocks uint64) int64 {
	if blocks >= uint64(math.MaxInt64/e.blockSizeBytes) {
		return math.MaxInt64
	}
	return int64(blocks) * e.blockSizeBytes
}

// blockRange converts a byte range to the range of blocks that covers
// it. A negative length denotes a range that extends to the end of
// the file.
func (e *Engine) blockRange(offset, length int64) (uint64, uint64) {
	start := e.toBlocksFloor(offset)
	if length < 0 || offset > math.MaxInt64-length {
		return start, blockmap.MaxFileOffset
	}
	return start, e.toBlocksCeil(offset + length)
}

// maxExtentBlocks is the largest number of blocks that is allocated
// as part of a single transaction. Allocations never cross region
// boundaries, so larger requests can never be satisfied at once.
func (e *Engine) maxExtentBlocks() uint64 {
	return e.space.Geometry().RegionBlocks
}

func (e *Engine) cowExtentSizeHint(ip *inode.Inode) uint64 {
	if ip.Flags&inode.FlagCowExtSize != 0 && ip.CowExtSize > 0 {
		return ip.CowExtSize
	}
	return e.defaultCowExtentSize
}

// alignedRange rounds a range of blocks outwards to multiples of the
// CoW extent size hint of an inode. The result is bounded by the size
// of the largest possible allocation.
func (e *Engine) alignedRange(ip *inode.Inode, offset, count uint64) (uint64, uint64) {
	end := offset + count
	if hint := e.cowExtentSizeHint(ip); hint > 1 {
		start := offset / hint * hint
		alignedEnd := min((end+hint-1)/hint*hint, blockmap.MaxFileOffset)
		if alignedEnd-start <= e.maxExtentBlocks() {
			return start, alignedEnd
		}
	}
	return offset, min(end, offset+e.maxExtentBlocks())
}

// MaxAtomicCow returns the largest number of blocks for which staging
// extents can be remapped into the data fork atomically. Atomic write
// limits must be powers of two.
func (e *Engine) MaxAtomicCow() uint64 {
	n := transaction.MaxAtomicIOEndBlocks(e.transactions.LogCapacity())
	if n == 0 {
		return 0
	}
	return 1 << (bits.Len64(n) - 1)
}

// beginWithQuota starts a transaction and reserves quota for the
// owner of an inode. The inode is not locked.
func (e *Engine) beginWithQuota(ctx context.Context, ip *inode.Inode, reservation transaction.Reservation, quotaBlocks uint64) (*transaction.Transaction, error) {
	tx, err := e.transactions.Begin(ctx, reservation)
	if err != nil {
		return nil, err
	}
	if err := e.quotas.Reserve(tx, ip.Owner(), quotaBlocks); err != nil {
		tx.Cancel()
		return nil, err
	}
	return tx, nil
}

// releaseDelalloc releases the reservation of delayed allocation blocks
// that have been removed from one of the forks of an inode, once the
// transaction commits.
func (e *Engine) releaseDelalloc(tx *transaction.Transaction, ip *inode.Inode, count uint64) {
	tx.ReleaseBlocks(count)
	e.quotas.ModQuota(tx, ip.Owner(), quota.FieldReservedBlocks, -int64(count))
	ip.DelayedBlocks -= count
}
