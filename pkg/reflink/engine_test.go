package reflink_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-reflink/internal/mock"
	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/refcount"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const blockSize = 4096

type testEngine struct {
	*reflink.Engine
	space        *allocator.Space
	transactions *transaction.Manager
	refcounts    *refcount.Index
	quotas       *quota.Manager
}

// newTestEngine creates an Engine backed by a device of 1024 blocks,
// split into four regions.
func newTestEngine(t *testing.T, configuration reflink.Configuration) *testEngine {
	geometry, err := allocator.NewGeometry(1024, 256)
	require.NoError(t, err)
	space := allocator.NewSpace(allocator.NewBitmapBlockAllocator(geometry), 0)
	transactions := transaction.NewManager(space, 64, clock.SystemClock)
	refcounts := refcount.NewIndex(geometry)
	quotas := quota.NewManager(0)

	configuration.BlockSizeBytes = blockSize
	engine, err := reflink.NewEngine(configuration, transactions, refcounts, quotas)
	require.NoError(t, err)
	return &testEngine{
		Engine:       engine,
		space:        space,
		transactions: transactions,
		refcounts:    refcounts,
		quotas:       quotas,
	}
}

func normal(fileOffset, block, count uint64) blockmap.Extent {
	return blockmap.Extent{FileOffset: fileOffset, Block: block, Count: count, State: blockmap.StateNormal}
}

func unwritten(fileOffset, block, count uint64) blockmap.Extent {
	return blockmap.Extent{FileOffset: fileOffset, Block: block, Count: count, State: blockmap.StateUnwritten}
}

// writeData backs a range of the data fork with newly allocated
// blocks, and extends the file to cover it.
func (te *testEngine) writeData(ctx context.Context, t *testing.T, ip *inode.Inode, offset, count uint64) {
	for end := offset + count; offset < end; {
		got, err := te.AllocateData(ctx, ip, offset, end-offset, blockmap.StateNormal)
		require.NoError(t, err)
		offset = got.End()
	}
	if size := int64(offset) * blockSize; size > ip.Size {
		require.NoError(t, te.SetSize(ctx, ip, size))
	}
}

// requireConsistent checks that the refcount index, the quota usage
// and the free space accounting all agree with the forks of a set of
// inodes. The inodes must contain all blocks that are in use.
func (te *testEngine) requireConsistent(t *testing.T, inodes ...*inode.Inode) {
	t.Helper()

	mappings := map[uint64]uint64{}
	staging := map[uint64]bool{}
	var delayed uint64
	nBlocks := map[uint32]uint64{}
	delayedBlocks := map[uint32]uint64{}
	for _, ip := range inodes {
		var dataReal, dataDelayed, cowBlocks uint64
		for _, e := range ip.DataFork.Extents() {
			switch {
			case e.IsReal():
				for b := e.Block; b < e.PhysicalEnd(); b++ {
					mappings[b]++
				}
				dataReal += e.Count
			case e.IsDelayed():
				dataDelayed += e.Count
			}
		}
		for _, e := range ip.CowFork.Extents() {
			if e.IsReal() {
				for b := e.Block; b < e.PhysicalEnd(); b++ {
					require.False(t, staging[b], "Block %d is used by multiple staging extents", b)
					staging[b] = true
				}
			}
			cowBlocks += e.Count
			if e.IsDelayed() {
				delayed += e.Count
			}
		}
		delayed += dataDelayed

		require.Equal(t, dataReal, ip.NBlocks, "Inode %d", ip.Number())
		require.Equal(t, dataDelayed+cowBlocks, ip.DelayedBlocks, "Inode %d", ip.Number())
		nBlocks[ip.Owner()] += ip.NBlocks
		delayedBlocks[ip.Owner()] += ip.DelayedBlocks
	}

	refcounts := map[uint64]uint64{}
	te.refcounts.Walk(refcount.DomainShared, func(block, count, refcount uint64) {
		for b := block; b < block+count; b++ {
			refcounts[b] = refcount
		}
	})
	require.Empty(t, cmp.Diff(mappings, refcounts))

	stagingRecords := map[uint64]bool{}
	te.refcounts.Walk(refcount.DomainCoW, func(block, count, refcount uint64) {
		for b := block; b < block+count; b++ {
			stagingRecords[b] = true
		}
	})
	require.Empty(t, cmp.Diff(staging, stagingRecords))

	for _, owner := range te.quotas.Owners() {
		dquot := te.quotas.Get(owner)
		require.Equal(t, nBlocks[owner], dquot.Count, "Owner %d", owner)
		require.Equal(t, delayedBlocks[owner], dquot.Delayed, "Owner %d", owner)
		require.Equal(t, uint64(0), dquot.Reserved, "Owner %d", owner)
	}

	inUse := uint64(len(mappings)) + uint64(len(staging)) + delayed
	require.Equal(t, te.space.Geometry().BlockCount-inUse, te.space.Available())
}

// expectFlush permits cached data of a file to be written back and
// discarded any number of times.
func expectFlush(addressSpace *mock.MockAddressSpace) {
	addressSpace.EXPECT().WriteAndWaitRange(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	addressSpace.EXPECT().InvalidateRange(gomock.Any(), gomock.Any()).AnyTimes()
}

func TestNewEngine(t *testing.T) {
	geometry, err := allocator.NewGeometry(256, 64)
	require.NoError(t, err)
	transactions := transaction.NewManager(allocator.NewSpace(allocator.NewBitmapBlockAllocator(geometry), 0), 16, clock.SystemClock)

	_, err = reflink.NewEngine(reflink.Configuration{BlockSizeBytes: 3000}, transactions, refcount.NewIndex(geometry), quota.NewManager(0))
	testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Block size of 3000 bytes is not a power of two"), err)

	engine, err := reflink.NewEngine(reflink.Configuration{BlockSizeBytes: 4096, AlwaysCoW: true}, transactions, refcount.NewIndex(geometry), quota.NewManager(0))
	require.NoError(t, err)
	require.Equal(t, int64(4096), engine.BlockSizeBytes())
	require.True(t, engine.NewInode(1, 1000, 4).IsAlwaysCoW())

	// A log of 16 units permits remapping eight blocks atomically.
	require.Equal(t, uint64(8), engine.MaxAtomicCow())
}

func TestEngineCloneAndWrite(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)
	te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1, DefaultCowExtentSize: 1})

	srcAddressSpace := mock.NewMockAddressSpace(ctrl)
	src := te.NewInode(1, 1000, 4)
	src.SetAddressSpace(srcAddressSpace)
	dstAddressSpace := mock.NewMockAddressSpace(ctrl)
	dst := te.NewInode(2, 1000, 4)
	dst.SetAddressSpace(dstAddressSpace)
	filler := te.NewInode(3, 1000, 4)

	// Create a source file of twelve blocks, consisting of three
	// extents that are not physically contiguous.
	te.writeData(ctx, t, src, 0, 4)
	te.writeData(ctx, t, filler, 0, 1)
	te.writeData(ctx, t, src, 4, 4)
	te.writeData(ctx, t, filler, 1, 1)
	te.writeData(ctx, t, src, 8, 4)
	require.Equal(t, []blockmap.Extent{
		normal(0, 1, 4),
		normal(4, 6, 4),
		normal(8, 11, 4),
	}, src.DataFork.Extents())
	te.requireConsistent(t, src, dst, filler)

	t.Run("Clone", func(t *testing.T) {
		srcAddressSpace.EXPECT().WriteAndWaitRange(ctx, int64(0), int64(12*blockSize))
		dstAddressSpace.EXPECT().WriteAndWaitRange(ctx, int64(0), int64(12*blockSize))
		dstAddressSpace.EXPECT().InvalidateRange(int64(0), int64(12*blockSize))

		length, unlock, err := te.RemapPrep(ctx, src, 0, dst, 0, 0, 0)
		require.NoError(t, err)
		require.Equal(t, int64(12*blockSize), length)
		remapped, err := te.RemapBlocks(ctx, src, 0, dst, 0, length)
		require.NoError(t, err)
		require.Equal(t, length, remapped)
		require.NoError(t, te.UpdateDest(ctx, dst, length, 0))
		unlock()

		require.Equal(t, src.DataFork.Extents(), dst.DataFork.Extents())
		require.Equal(t, int64(12*blockSize), dst.Size)
		require.True(t, src.IsReflink())
		require.True(t, dst.IsReflink())
		for _, block := range []uint64{1, 4, 6, 9, 11, 14} {
			require.Equal(t, uint64(2), te.refcounts.Refcount(block), "Block %d", block)
		}
		require.Equal(t, uint64(1), te.refcounts.Refcount(5))
		require.Equal(t, quota.Dquot{Count: 26}, te.quotas.Get(1000))
		te.requireConsistent(t, src, dst, filler)
	})

	t.Run("CowWrite", func(t *testing.T) {
		// Overwrite the middle four blocks of the destination
		// file. This should give it a private copy of these
		// blocks, while leaving the source file untouched.
		lockMode := inode.ILockExclusive
		dst.Lock(lockMode)
		imap := dst.DataFork.Read(4, 4)
		shared, err := te.TrimAroundShared(dst, &imap)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, normal(4, 6, 4), imap)

		cmap, shared, err := te.AllocateCow(ctx, dst, &imap, &lockMode, false)
		dst.Unlock(lockMode)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, unwritten(4, 15, 4), cmap)
		require.Equal(t, quota.Dquot{Count: 26, Delayed: 4}, te.quotas.Get(1000))
		te.requireConsistent(t, src, dst, filler)

		require.NoError(t, te.ConvertCow(ctx, dst, 4*blockSize, 4*blockSize))
		require.Equal(t, []blockmap.Extent{normal(4, 15, 4)}, dst.CowFork.Extents())
		require.NoError(t, te.EndCow(ctx, dst, 4*blockSize, 4*blockSize))

		require.Equal(t, []blockmap.Extent{
			normal(0, 1, 4),
			normal(4, 15, 4),
			normal(8, 11, 4),
		}, dst.DataFork.Extents())
		require.True(t, dst.CowFork.IsEmpty())
		require.Equal(t, []blockmap.Extent{
			normal(0, 1, 4),
			normal(4, 6, 4),
			normal(8, 11, 4),
		}, src.DataFork.Extents())
		for block, expected := range map[uint64]uint64{1: 2, 6: 1, 9: 1, 11: 2, 15: 1, 18: 1} {
			require.Equal(t, expected, te.refcounts.Refcount(block), "Block %d", block)
		}
		require.Equal(t, quota.Dquot{Count: 26}, te.quotas.Get(1000))
		require.Empty(t, te.refcounts.StagingExtents())
		te.requireConsistent(t, src, dst, filler)
	})

	t.Run("PunchSource", func(t *testing.T) {
		// Punching the source file frees the blocks that are no
		// longer shared, while the shared ones remain in use by
		// the destination file.
		require.NoError(t, te.PunchRange(ctx, src, 0, 12*blockSize))
		require.True(t, src.DataFork.IsEmpty())
		require.Equal(t, uint64(1), te.refcounts.Refcount(1))
		require.Equal(t, uint64(0), te.refcounts.Refcount(6))
		require.Equal(t, quota.Dquot{Count: 14}, te.quotas.Get(1000))
		te.requireConsistent(t, src, dst, filler)
	})
}
