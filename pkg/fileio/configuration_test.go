package fileio_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-reflink/pkg/fileio"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sys/unix"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewFileSystemFromConfiguration(t *testing.T) {
	ctx := context.Background()

	t.Run("InMemory", func(t *testing.T) {
		fs, engine, err := fileio.NewFileSystemFromConfiguration(&fileio.Configuration{
			DeviceSizeBytes:  1024 * 1024,
			BlockSizeBytes:   blockSize,
			RegionBlocks:     64,
			LogCapacity:      64,
			BTreeSplitBlocks: 1,
			BTreeThreshold:   4,
			QuotaLimitBlocks: map[uint32]uint64{1000: 2},
		}, clock.SystemClock, noop.NewTracerProvider())
		require.NoError(t, err)
		require.Equal(t, int64(blockSize), engine.BlockSizeBytes())

		// The quota limit of the owner should apply as soon as
		// space for buffered writes is reserved.
		limited := fs.NewFile(1000, false)
		_, err = limited.WriteAt(ctx, pattern(3*blockSize, 1), 0)
		require.Equal(t, unix.EDQUOT, re_util.ToErrno(err))
		n, err := limited.WriteAt(ctx, pattern(2*blockSize, 1), 0)
		require.NoError(t, err)
		require.Equal(t, 2*blockSize, n)

		unlimited := fs.NewFile(1001, false)
		n, err = unlimited.WriteAt(ctx, pattern(3*blockSize, 2), 0)
		require.NoError(t, err)
		require.Equal(t, 3*blockSize, n)

		// Cloning goes through the decorated remapper.
		require.NoError(t, unlimited.Flush(ctx))
		clone := fs.NewFile(1001, false)
		cloned, err := fs.Clone(ctx, unlimited, 0, clone, 0, 0, 0)
		require.NoError(t, err)
		require.Equal(t, int64(3*blockSize), cloned)
	})

	t.Run("InvalidBlockSize", func(t *testing.T) {
		_, _, err := fileio.NewFileSystemFromConfiguration(&fileio.Configuration{
			DeviceSizeBytes: 1024 * 1024,
			BlockSizeBytes:  3000,
			RegionBlocks:    64,
			LogCapacity:     64,
		}, clock.SystemClock, noop.NewTracerProvider())
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Block size of 3000 bytes is not a power of two"), err)
	})

	t.Run("InvalidRegionSize", func(t *testing.T) {
		_, _, err := fileio.NewFileSystemFromConfiguration(&fileio.Configuration{
			DeviceSizeBytes: 1024 * 1024,
			BlockSizeBytes:  blockSize,
			RegionBlocks:    100,
			LogCapacity:     64,
		}, clock.SystemClock, noop.NewTracerProvider())
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Invalid device geometry: Region size of 100 blocks is not a positive multiple of 64"), err)
	})
}
