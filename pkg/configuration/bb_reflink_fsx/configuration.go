package configuration

import (
	"github.com/buildbarn/bb-reflink/pkg/fileio"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/buildbarn/bb-storage/pkg/util"
)

// ApplicationConfiguration of bb_reflink_fsx.
type ApplicationConfiguration struct {
	FileSystem fileio.Configuration  `json:"fileSystem"`
	Workload   WorkloadConfiguration `json:"workload"`

	// If set, Prometheus metrics are exposed on this address while
	// the workload runs.
	MetricsListenAddress string `json:"metricsListenAddress"`
	LogLevel             string `json:"logLevel"`
}

// WorkloadConfiguration controls the randomized sequence of
// operations that is run against the file system.
type WorkloadConfiguration struct {
	Seed       int64 `json:"seed"`
	Operations int   `json:"operations"`
	Files      int   `json:"files"`
	Owners     int   `json:"owners"`

	MaximumFileSizeBytes re_util.ByteSize `json:"maximumFileSizeBytes"`
	MaximumIOSizeBytes   re_util.ByteSize `json:"maximumIoSizeBytes"`

	// Fraction of files that are created in always-CoW mode,
	// between 0 and 1.
	AlwaysCowRatio float64 `json:"alwaysCowRatio"`
	// Verify the consistency of all metadata after every operation,
	// as opposed to only at the end.
	CheckEveryOperation bool `json:"checkEveryOperation"`
}

// GetFsxConfiguration reads the configuration from file and fill in default values.
func GetFsxConfiguration(path string) (*ApplicationConfiguration, error) {
	var fsxConfiguration ApplicationConfiguration
	if err := re_util.UnmarshalConfigurationFromFile(path, &fsxConfiguration); err != nil {
		return nil, util.StatusWrap(err, "Failed to retrieve configuration")
	}
	setDefaultFsxValues(&fsxConfiguration)
	return &fsxConfiguration, nil
}

func setDefaultFsxValues(fsxConfiguration *ApplicationConfiguration) {
	fileSystem := &fsxConfiguration.FileSystem
	if fileSystem.DeviceSizeBytes == 0 {
		fileSystem.DeviceSizeBytes = 64 * 1024 * 1024
	}
	if fileSystem.BlockSizeBytes == 0 {
		fileSystem.BlockSizeBytes = 4096
	}
	if fileSystem.RegionBlocks == 0 {
		fileSystem.RegionBlocks = 4096
	}
	if fileSystem.LogCapacity == 0 {
		fileSystem.LogCapacity = 256
	}
	if fileSystem.BTreeSplitBlocks == 0 {
		fileSystem.BTreeSplitBlocks = 2
	}
	if fileSystem.DefaultCowExtentSize == 0 {
		fileSystem.DefaultCowExtentSize = 32
	}
	if fileSystem.BTreeThreshold == 0 {
		fileSystem.BTreeThreshold = 16
	}

	workload := &fsxConfiguration.Workload
	if workload.Operations == 0 {
		workload.Operations = 10000
	}
	if workload.Files == 0 {
		workload.Files = 8
	}
	if workload.Owners == 0 {
		workload.Owners = 1
	}
	if workload.MaximumFileSizeBytes == 0 {
		workload.MaximumFileSizeBytes = 1024 * 1024
	}
	if workload.MaximumIOSizeBytes == 0 {
		workload.MaximumIOSizeBytes = 64 * 1024
	}

	if fsxConfiguration.LogLevel == "" {
		fsxConfiguration.LogLevel = "info"
	}
}
