package reflink_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/stretchr/testify/require"
)

// newSharedPair creates two files that share count blocks, starting
// at block 1.
func (te *testEngine) newSharedPair(ctx context.Context, t *testing.T, count uint64) (*inode.Inode, *inode.Inode) {
	ip1 := te.NewInode(1, 1000, 4)
	te.writeData(ctx, t, ip1, 0, count)
	ip2 := te.NewInode(2, 1000, 4)
	n, err := te.RemapExtent(ctx, ip2, normal(0, 1, count), int64(count)*blockSize)
	require.NoError(t, err)
	require.Equal(t, count, n)
	ip1.Flags |= inode.FlagReflink
	ip2.Flags |= inode.FlagReflink
	return ip1, ip2
}

// allocateCow calls AllocateCow in the same way the write path does,
// holding the ILOCK in shared mode initially.
func (te *testEngine) allocateCow(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, convertNow bool) (blockmap.Extent, bool, error) {
	lockMode := inode.ILockShared
	ip.Lock(lockMode)
	defer func() { ip.Unlock(lockMode) }()
	return te.AllocateCow(ctx, ip, imap, &lockMode, convertNow)
}

func TestAllocateCow(t *testing.T) {
	ctx := context.Background()

	t.Run("Unshared", func(t *testing.T) {
		te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1})
		ip := te.NewInode(1, 1000, 4)
		te.writeData(ctx, t, ip, 0, 4)
		ip.Flags |= inode.FlagReflink

		imap := normal(0, 1, 4)
		_, shared, err := te.allocateCow(ctx, ip, &imap, false)
		require.NoError(t, err)
		require.False(t, shared)
		require.Equal(t, normal(0, 1, 4), imap)
		require.True(t, ip.CowFork.IsEmpty())
		te.requireConsistent(t, ip)
	})

	t.Run("ExtentSizeHint", func(t *testing.T) {
		// Staging extents are aligned to the CoW extent size
		// hint, so that small writes yield large extents.
		te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1, DefaultCowExtentSize: 8})
		ip1, ip2 := te.newSharedPair(ctx, t, 16)

		imap := ip2.DataFork.Read(5, 1)
		cmap, shared, err := te.allocateCow(ctx, ip2, &imap, false)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, normal(5, 6, 1), imap)
		require.Equal(t, unwritten(5, 22, 1), cmap)
		require.Equal(t, []blockmap.Extent{unwritten(0, 17, 8)}, ip2.CowFork.Extents())
		te.requireConsistent(t, ip1, ip2)

		// A subsequent allocation is placed right after the
		// existing staging extent, allowing them to be merged.
		imap = ip2.DataFork.Read(8, 8)
		cmap, shared, err = te.allocateCow(ctx, ip2, &imap, false)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, unwritten(8, 25, 8), cmap)
		require.Equal(t, []blockmap.Extent{unwritten(0, 17, 16)}, ip2.CowFork.Extents())
		require.Equal(t, quota.Dquot{Count: 32, Delayed: 16}, te.quotas.Get(1000))
		te.requireConsistent(t, ip1, ip2)

		// Existing staging extents are reused.
		imap = ip2.DataFork.Read(0, 16)
		cmap, shared, err = te.allocateCow(ctx, ip2, &imap, false)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, unwritten(0, 17, 16), cmap)
		te.requireConsistent(t, ip1, ip2)
	})

	t.Run("DelayedAllocation", func(t *testing.T) {
		te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1, DefaultCowExtentSize: 1})
		ip1, ip2 := te.newSharedPair(ctx, t, 4)

		ip2.Lock(inode.ILockExclusive)
		err := te.ReserveDelalloc(ctx, ip2, reflink.CowFork, 0, 4)
		ip2.Unlock(inode.ILockExclusive)
		require.NoError(t, err)
		require.Equal(t, []blockmap.Extent{blockmap.NewDelayed(0, 4)}, ip2.CowFork.Extents())
		require.Equal(t, quota.Dquot{Count: 8, Delayed: 4}, te.quotas.Get(1000))
		te.requireConsistent(t, ip1, ip2)

		// Converting the staging extent immediately is what
		// direct I/O does.
		imap := ip2.DataFork.Read(0, 4)
		cmap, shared, err := te.allocateCow(ctx, ip2, &imap, true)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, normal(0, 5, 4), cmap)
		require.Equal(t, []blockmap.Extent{normal(0, 5, 4)}, ip2.CowFork.Extents())
		require.Equal(t, quota.Dquot{Count: 8, Delayed: 4}, te.quotas.Get(1000))
		te.requireConsistent(t, ip1, ip2)

		require.NoError(t, te.EndCow(ctx, ip2, 0, 4*blockSize))
		require.Equal(t, []blockmap.Extent{normal(0, 5, 4)}, ip2.DataFork.Extents())
		require.Equal(t, quota.Dquot{Count: 8}, te.quotas.Get(1000))
		te.requireConsistent(t, ip1, ip2)
	})

	t.Run("AlwaysCoW", func(t *testing.T) {
		// In always-CoW mode, blocks are written out of place,
		// even if they are not shared.
		te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1, AlwaysCoW: true})
		ip := te.NewInode(1, 1000, 4)
		te.writeData(ctx, t, ip, 0, 4)

		imap := ip.DataFork.Read(0, 4)
		cmap, shared, err := te.allocateCow(ctx, ip, &imap, false)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, unwritten(0, 5, 4), cmap)

		require.NoError(t, te.ConvertCow(ctx, ip, 0, 4*blockSize))
		require.NoError(t, te.EndCow(ctx, ip, 0, 4*blockSize))
		require.Equal(t, []blockmap.Extent{normal(0, 5, 4)}, ip.DataFork.Extents())
		require.Equal(t, uint64(0), te.refcounts.Refcount(1))
		require.Equal(t, uint64(1020), te.space.Available())
		te.requireConsistent(t, ip)
	})

	t.Run("ConvertDelayedAllocation", func(t *testing.T) {
		// Delayed allocations in the CoW fork must be turned
		// into real extents before they can be converted.
		te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1})
		ip1, ip2 := te.newSharedPair(ctx, t, 4)
		ip2.Lock(inode.ILockExclusive)
		require.NoError(t, te.ReserveDelalloc(ctx, ip2, reflink.CowFork, 0, 4))
		ip2.Unlock(inode.ILockExclusive)

		err := te.ConvertCow(ctx, ip2, 0, 4*blockSize)
		require.Error(t, err)
		require.Equal(t, inode.SickCowFork, ip2.Sick())

		require.NoError(t, te.CancelCowRange(ctx, ip2, 0, -1, false))
		require.True(t, ip2.CowFork.IsEmpty())
		te.requireConsistent(t, ip1, ip2)
	})
}
