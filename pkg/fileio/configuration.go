package fileio

import (
	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/buildbarn/bb-reflink/pkg/quota"
	"github.com/buildbarn/bb-reflink/pkg/refcount"
	"github.com/buildbarn/bb-reflink/pkg/reflink"
	"github.com/buildbarn/bb-reflink/pkg/transaction"
	re_util "github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"go.opentelemetry.io/otel/trace"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration of a FileSystem, the engine that tracks its blocks and
// the device that stores its data.
type Configuration struct {
	// Path of a file to use as the data device. If empty, data is
	// stored in memory.
	DevicePath      string           `json:"devicePath"`
	DeviceSizeBytes re_util.ByteSize `json:"deviceSizeBytes"`
	BlockSizeBytes  re_util.ByteSize `json:"blockSizeBytes"`

	// Number of blocks per allocation region. A single allocation
	// never crosses a region boundary.
	RegionBlocks uint64 `json:"regionBlocks"`
	// Number of blocks per region that may only be used by
	// operations that cannot fail for a lack of space.
	CriticalReserveBlocks uint64 `json:"criticalReserveBlocks"`

	LogCapacity          int64  `json:"logCapacity"`
	BTreeSplitBlocks     uint64 `json:"btreeSplitBlocks"`
	DefaultCowExtentSize uint64 `json:"defaultCowExtentSize"`
	BTreeThreshold       int    `json:"btreeThreshold"`
	AlwaysCoW            bool   `json:"alwaysCow"`

	DefaultQuotaLimitBlocks uint64            `json:"defaultQuotaLimitBlocks"`
	QuotaLimitBlocks        map[uint32]uint64 `json:"quotaLimitBlocks"`
}

// NewFileSystemFromConfiguration constructs a FileSystem based on
// parameters provided in a configuration file. Operations on the
// engine that are invoked by the FileSystem are decorated with
// Prometheus metrics and OpenTelemetry tracing.
func NewFileSystemFromConfiguration(configuration *Configuration, clock clock.Clock, tracerProvider trace.TracerProvider) (*FileSystem, *reflink.Engine, error) {
	blockSizeBytes := int64(configuration.BlockSizeBytes)
	if blockSizeBytes <= 0 || blockSizeBytes&(blockSizeBytes-1) != 0 {
		return nil, nil, status.Errorf(codes.InvalidArgument, "Block size of %d bytes is not a power of two", blockSizeBytes)
	}

	var device blockdevice.BlockDevice
	var blockCount uint64
	if configuration.DevicePath == "" {
		device = NewInMemoryDevice(int(configuration.DeviceSizeBytes))
		blockCount = uint64(configuration.DeviceSizeBytes) / uint64(blockSizeBytes)
	} else {
		var sectorSizeBytes int
		var sectorCount int64
		var err error
		device, sectorSizeBytes, sectorCount, err = blockdevice.NewBlockDeviceFromFile(configuration.DevicePath, int(configuration.DeviceSizeBytes), false)
		if err != nil {
			return nil, nil, util.StatusWrapf(err, "Failed to open block device %#v", configuration.DevicePath)
		}
		if blockSizeBytes%int64(sectorSizeBytes) != 0 {
			return nil, nil, status.Errorf(codes.InvalidArgument, "Block size of %d bytes is not a multiple of the sector size of %d bytes", blockSizeBytes, sectorSizeBytes)
		}
		blockCount = uint64(sectorCount * int64(sectorSizeBytes) / blockSizeBytes)
	}

	geometry, err := allocator.NewGeometry(blockCount, configuration.RegionBlocks)
	if err != nil {
		return nil, nil, util.StatusWrap(err, "Invalid device geometry")
	}
	space := allocator.NewSpace(allocator.NewBitmapBlockAllocator(geometry), configuration.CriticalReserveBlocks)
	quotas := quota.NewManager(configuration.DefaultQuotaLimitBlocks)
	for owner, limit := range configuration.QuotaLimitBlocks {
		quotas.SetLimit(owner, limit)
	}
	engine, err := reflink.NewEngine(
		reflink.Configuration{
			BlockSizeBytes:       blockSizeBytes,
			BTreeSplitBlocks:     configuration.BTreeSplitBlocks,
			DefaultCowExtentSize: configuration.DefaultCowExtentSize,
			AlwaysCoW:            configuration.AlwaysCoW,
		},
		transaction.NewManager(space, configuration.LogCapacity, clock),
		refcount.NewIndex(geometry),
		quotas)
	if err != nil {
		return nil, nil, util.StatusWrap(err, "Failed to create engine")
	}

	remapper := reflink.NewTracingRemapper(reflink.NewMetricsRemapper(engine, clock), tracerProvider)
	return NewFileSystem(engine, remapper, device, configuration.BTreeThreshold), engine, nil
}
