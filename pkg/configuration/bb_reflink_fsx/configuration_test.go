package configuration_test

import (
	"os"
	"path/filepath"
	"testing"

	configuration "github.com/buildbarn/bb-reflink/pkg/configuration/bb_reflink_fsx"
	"github.com/buildbarn/bb-reflink/pkg/fileio"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetFsxConfiguration(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bb_reflink_fsx.jsonnet")
		require.NoError(t, os.WriteFile(path, []byte(`{
			fileSystem: {
				deviceSizeBytes: '16 MiB',
				quotaLimitBlocks: { '1000': 1024 },
			},
			workload: { seed: 42 },
		}`), 0o644))

		fsxConfiguration, err := configuration.GetFsxConfiguration(path)
		require.NoError(t, err)
		require.Equal(t, fileio.Configuration{
			DeviceSizeBytes:      16 * 1024 * 1024,
			BlockSizeBytes:       4096,
			RegionBlocks:         4096,
			LogCapacity:          256,
			BTreeSplitBlocks:     2,
			DefaultCowExtentSize: 32,
			BTreeThreshold:       16,
			QuotaLimitBlocks:     map[uint32]uint64{1000: 1024},
		}, fsxConfiguration.FileSystem)
		require.Equal(t, int64(42), fsxConfiguration.Workload.Seed)
		require.Equal(t, 10000, fsxConfiguration.Workload.Operations)
		require.Equal(t, "info", fsxConfiguration.LogLevel)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := configuration.GetFsxConfiguration(filepath.Join(t.TempDir(), "nonexistent.jsonnet"))
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}
