package reflink_test

import (
	"context"
	"testing"
	"time"

	"github.com/buildbarn/bb-reflink/internal/mock"
	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// gatherCounter returns the sum of all samples of a counter in the
// default Prometheus registry that have a given label value.
func gatherCounter(t *testing.T, name, labelName, labelValue string) float64 {
	metricFamilies, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, metricFamily := range metricFamilies {
		if metricFamily.GetName() != name {
			continue
		}
		for _, metric := range metricFamily.GetMetric() {
			matches := labelName == ""
			for _, label := range metric.GetLabel() {
				if label.GetName() == labelName && label.GetValue() == labelValue {
					matches = true
				}
			}
			if matches {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestMetricsRemapper(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	baseRemapper := mock.NewMockRemapper(ctrl)
	clock := mock.NewMockClock(ctrl)
	remapper := reflink.NewMetricsRemapper(baseRemapper, clock)

	src := inode.New(1, 1000, 4)
	dst := inode.New(2, 1000, 4)

	t.Run("RemapBlocks", func(t *testing.T) {
		before := gatherCounter(t, "buildbarn_reflink_remapper_remapped_bytes_total", "", "")

		clock.EXPECT().Now().Return(time.Unix(1000, 0))
		baseRemapper.EXPECT().RemapBlocks(ctx, src, int64(0), dst, int64(0), int64(65536)).Return(int64(32768), status.Error(codes.Canceled, "context canceled"))
		clock.EXPECT().Now().Return(time.Unix(1001, 0))

		// Bytes that were remapped before the error occurred
		// should still be counted.
		remapped, err := remapper.RemapBlocks(ctx, src, 0, dst, 0, 65536)
		testutil.RequireEqualStatus(t, status.Error(codes.Canceled, "context canceled"), err)
		require.Equal(t, int64(32768), remapped)
		require.Equal(t, before+32768, gatherCounter(t, "buildbarn_reflink_remapper_remapped_bytes_total", "", ""))
	})

	t.Run("AllocateCow", func(t *testing.T) {
		before := gatherCounter(t, "buildbarn_reflink_remapper_allocate_cow_total", "shared", "true")

		imap := normal(0, 1, 4)
		lockMode := inode.ILockShared
		clock.EXPECT().Now().Return(time.Unix(1002, 0)).Times(2)
		baseRemapper.EXPECT().AllocateCow(ctx, src, &imap, &lockMode, false).Return(unwritten(0, 5, 4), true, nil)

		cmap, shared, err := remapper.AllocateCow(ctx, src, &imap, &lockMode, false)
		require.NoError(t, err)
		require.True(t, shared)
		require.Equal(t, unwritten(0, 5, 4), cmap)
		require.Equal(t, before+1, gatherCounter(t, "buildbarn_reflink_remapper_allocate_cow_total", "shared", "true"))
	})

	t.Run("AllocateCowFailure", func(t *testing.T) {
		// Failed calls are not counted as being shared or
		// unshared.
		beforeShared := gatherCounter(t, "buildbarn_reflink_remapper_allocate_cow_total", "shared", "true")
		beforeUnshared := gatherCounter(t, "buildbarn_reflink_remapper_allocate_cow_total", "shared", "false")

		imap := normal(0, 1, 4)
		lockMode := inode.ILockShared
		clock.EXPECT().Now().Return(time.Unix(1003, 0)).Times(2)
		baseRemapper.EXPECT().AllocateCow(ctx, src, &imap, &lockMode, true).
			Return(blockmap.Extent{}, true, status.Error(codes.ResourceExhausted, "No space left on device: Cannot reserve 5 blocks, as only 0 blocks are available"))

		_, _, err := remapper.AllocateCow(ctx, src, &imap, &lockMode, true)
		require.Equal(t, codes.ResourceExhausted, status.Code(err))
		require.Equal(t, beforeShared, gatherCounter(t, "buildbarn_reflink_remapper_allocate_cow_total", "shared", "true"))
		require.Equal(t, beforeUnshared, gatherCounter(t, "buildbarn_reflink_remapper_allocate_cow_total", "shared", "false"))
	})

	t.Run("Forwarding", func(t *testing.T) {
		clock.EXPECT().Now().Return(time.Unix(1004, 0)).AnyTimes()
		unlock := func() {}
		baseRemapper.EXPECT().RemapPrep(ctx, src, int64(0), dst, int64(4096), int64(8192), reflink.RemapDedupe).Return(int64(4096), unlock, nil)
		baseRemapper.EXPECT().UpdateDest(ctx, dst, int64(8192), uint64(16))
		baseRemapper.EXPECT().ConvertCow(ctx, dst, int64(0), int64(4096))
		baseRemapper.EXPECT().EndCow(ctx, dst, int64(0), int64(4096))
		baseRemapper.EXPECT().EndCowAtomic(ctx, dst, int64(0), int64(4096))
		baseRemapper.EXPECT().CancelCowRange(ctx, dst, int64(0), int64(-1), true)
		baseRemapper.EXPECT().Unshare(ctx, dst, int64(0), int64(4096))

		length, gotUnlock, err := remapper.RemapPrep(ctx, src, 0, dst, 4096, 8192, reflink.RemapDedupe)
		require.NoError(t, err)
		require.Equal(t, int64(4096), length)
		require.NotNil(t, gotUnlock)
		require.NoError(t, remapper.UpdateDest(ctx, dst, 8192, 16))
		require.NoError(t, remapper.ConvertCow(ctx, dst, 0, 4096))
		require.NoError(t, remapper.EndCow(ctx, dst, 0, 4096))
		require.NoError(t, remapper.EndCowAtomic(ctx, dst, 0, 4096))
		require.NoError(t, remapper.CancelCowRange(ctx, dst, 0, -1, true))
		require.NoError(t, remapper.Unshare(ctx, dst, 0, 4096))
	})
}
