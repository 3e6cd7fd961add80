package main

import (
	"context"
	"fmt"
	"testing"

	configuration "github.com/buildbarn/bb-reflink/pkg/configuration/bb_reflink_fsx"
	"github.com/buildbarn/bb-reflink/pkg/fileio"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestWorkload(t *testing.T) {
	ctx := context.Background()

	// The device has 256 blocks, and the owner of the files may
	// use at most 150 of them, meaning operations regularly run out
	// of space or quota. This may cause them to fail, but must never
	// leave inconsistent metadata behind, or file contents that
	// differ from what was written.
	outOfSpace, runs := 0, 0
	for seed := int64(1); seed <= 12; seed++ {
		t.Run(fmt.Sprintf("Seed%d", seed), func(t *testing.T) {
			fs, engine, err := fileio.NewFileSystemFromConfiguration(&fileio.Configuration{
				DeviceSizeBytes:         1024 * 1024,
				BlockSizeBytes:          4096,
				RegionBlocks:            64,
				LogCapacity:             256,
				BTreeSplitBlocks:        2,
				DefaultCowExtentSize:    8,
				BTreeThreshold:          16,
				DefaultQuotaLimitBlocks: 150,
			}, clock.SystemClock, noop.NewTracerProvider())
			require.NoError(t, err)
			require.NoError(t, fs.Recover(ctx))

			w := newWorkload(fs, engine, &configuration.WorkloadConfiguration{
				Seed:                 seed,
				Operations:           400,
				Files:                4,
				Owners:               1,
				MaximumFileSizeBytes: 256 * 1024,
				MaximumIOSizeBytes:   64 * 1024,
				AlwaysCowRatio:       0.25,
				CheckEveryOperation:  true,
			})
			require.NoError(t, w.run(ctx))
			for _, s := range w.stats {
				outOfSpace += s.outOfSpace
				runs += s.runs
			}
		})
	}

	require.Equal(t, 12*400, runs)
	require.NotZero(t, outOfSpace)
}
