package reflink_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestEndCow(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, reflink.Configuration{BTreeSplitBlocks: 1})
	ip1, ip2 := te.newSharedPair(ctx, t, 8)
	filler := te.NewInode(3, 1000, 4)

	// Create two staging extents that are not physically
	// contiguous, and write to both of them.
	imap := ip2.DataFork.Read(0, 4)
	_, _, err := te.allocateCow(ctx, ip2, &imap, true)
	require.NoError(t, err)
	te.writeData(ctx, t, filler, 0, 1)
	imap = ip2.DataFork.Read(4, 4)
	_, _, err = te.allocateCow(ctx, ip2, &imap, true)
	require.NoError(t, err)
	require.Equal(t, []blockmap.Extent{
		normal(0, 9, 4),
		normal(4, 14, 4),
	}, ip2.CowFork.Extents())
	te.requireConsistent(t, ip1, ip2, filler)

	t.Run("AtomicTooLarge", func(t *testing.T) {
		require.Equal(t, uint64(32), te.MaxAtomicCow())
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Atomic write of 33 blocks exceeds the maximum of 32 blocks"),
			te.EndCowAtomic(ctx, ip2, 0, 33*blockSize))
	})

	t.Run("Atomic", func(t *testing.T) {
		require.NoError(t, te.EndCowAtomic(ctx, ip2, 0, 8*blockSize))
		require.Equal(t, []blockmap.Extent{
			normal(0, 9, 4),
			normal(4, 14, 4),
		}, ip2.DataFork.Extents())
		require.True(t, ip2.CowFork.IsEmpty())
		require.Equal(t, quota.Dquot{Count: 17}, te.quotas.Get(1000))
		te.requireConsistent(t, ip1, ip2, filler)
	})

	t.Run("SkipsUnwritten", func(t *testing.T) {
		// Staging extents that have not been written to are not
		// remapped, as they would expose stale data.
		ip3 := te.NewInode(4, 1000, 4)
		n, err := te.RemapExtent(ctx, ip3, normal(0, 1, 8), 8*blockSize)
		require.NoError(t, err)
		require.Equal(t, uint64(8), n)
		ip3.Flags |= inode.FlagReflink

		imap := ip3.DataFork.Read(0, 8)
		cmap, shared, err := te.allocateCow(ctx, ip3, &imap, false)
		require.NoError(t, err)
		require.True(t, shared)
		require.NoError(t, te.EndCow(ctx, ip3, 0, 8*blockSize))
		require.Equal(t, []blockmap.Extent{normal(0, 1, 8)}, ip3.DataFork.Extents())
		require.Equal(t, []blockmap.Extent{cmap}, ip3.CowFork.Extents())

		// Once written, the staging extent can be remapped.
		require.NoError(t, te.ConvertCow(ctx, ip3, 0, 8*blockSize))
		require.NoError(t, te.EndCow(ctx, ip3, 0, 8*blockSize))
		require.Equal(t, []blockmap.Extent{normal(0, cmap.Block, 8)}, ip3.DataFork.Extents())
		require.True(t, ip3.CowFork.IsEmpty())
		te.requireConsistent(t, ip1, ip2, ip3, filler)
	})

	t.Run("Canceled", func(t *testing.T) {
		canceledCtx, cancel := context.WithCancel(ctx)
		cancel()
		err := te.EndCow(canceledCtx, ip2, 0, 8*blockSize)
		require.Equal(t, codes.Canceled, status.Code(err))
	})
}
