package reflink

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-reflink/pkg/blockmap"
	"github.com/buildbarn/bb-reflink/pkg/inode"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/status"
)

var (
	remapperPrometheusMetrics sync.Once

	remapperOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "remapper_operations_duration_seconds",
			Help:      "Amount of time spent per remapper operation, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-6, 7, 2),
		},
		[]string{"operation", "grpc_code"})
	remapperRemappedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "remapper_remapped_bytes_total",
			Help:      "Number of bytes shared between files by RemapBlocks().",
		})
	remapperStagingExtentsAllocated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "remapper_allocate_cow_total",
			Help:      "Number of calls to AllocateCow(), partitioned by whether the mapping was shared.",
		},
		[]string{"shared"})
)

// operationHistogram holds references to Prometheus metrics for a
// single remapper operation.
type operationHistogram struct {
	ok      prometheus.Observer
	failure prometheus.ObserverVec
}

func newOperationHistogram(operation string) operationHistogram {
	return operationHistogram{
		ok:      remapperOperationsDurationSeconds.WithLabelValues(operation, "OK"),
		failure: remapperOperationsDurationSeconds.MustCurryWith(map[string]string{"operation": operation}),
	}
}

func (m *operationHistogram) observe(err error, timeStart, timeStop time.Time) {
	d := timeStop.Sub(timeStart).Seconds()
	if err == nil {
		m.ok.Observe(d)
	} else {
		m.failure.WithLabelValues(status.Code(err).String()).Observe(d)
	}
}

type metricsRemapper struct {
	base  Remapper
	clock clock.Clock

	trimAroundShared operationHistogram
	allocateCow      operationHistogram
	convertCow       operationHistogram
	endCow           operationHistogram
	endCowAtomic     operationHistogram
	remapPrep        operationHistogram
	remapBlocks      operationHistogram
	updateDest       operationHistogram
	cancelCowRange   operationHistogram
	unshare          operationHistogram

	allocateCowShared   prometheus.Counter
	allocateCowUnshared prometheus.Counter
}

// NewMetricsRemapper creates a decorator for Remapper that exposes the
// duration and outcome of every operation through Prometheus.
func NewMetricsRemapper(base Remapper, clock clock.Clock) Remapper {
	remapperPrometheusMetrics.Do(func() {
		prometheus.MustRegister(remapperOperationsDurationSeconds)
		prometheus.MustRegister(remapperRemappedBytes)
		prometheus.MustRegister(remapperStagingExtentsAllocated)
	})

	return &metricsRemapper{
		base:  base,
		clock: clock,

		trimAroundShared: newOperationHistogram("TrimAroundShared"),
		allocateCow:      newOperationHistogram("AllocateCow"),
		convertCow:       newOperationHistogram("ConvertCow"),
		endCow:           newOperationHistogram("EndCow"),
		endCowAtomic:     newOperationHistogram("EndCowAtomic"),
		remapPrep:        newOperationHistogram("RemapPrep"),
		remapBlocks:      newOperationHistogram("RemapBlocks"),
		updateDest:       newOperationHistogram("UpdateDest"),
		cancelCowRange:   newOperationHistogram("CancelCowRange"),
		unshare:          newOperationHistogram("Unshare"),

		allocateCowShared:   remapperStagingExtentsAllocated.WithLabelValues("true"),
		allocateCowUnshared: remapperStagingExtentsAllocated.WithLabelValues("false"),
	}
}

func (r *metricsRemapper) TrimAroundShared(ip *inode.Inode, imap *blockmap.Extent) (bool, error) {
	timeStart := r.clock.Now()
	shared, err := r.base.TrimAroundShared(ip, imap)
	r.trimAroundShared.observe(err, timeStart, r.clock.Now())
	return shared, err
}

func (r *metricsRemapper) AllocateCow(ctx context.Context, ip *inode.Inode, imap *blockmap.Extent, lockMode *inode.LockFlags, convertNow bool) (blockmap.Extent, bool, error) {
	timeStart := r.clock.Now()
	cmap, shared, err := r.base.AllocateCow(ctx, ip, imap, lockMode, convertNow)
	r.allocateCow.observe(err, timeStart, r.clock.Now())
	if err == nil {
		if shared {
			r.allocateCowShared.Inc()
		} else {
			r.allocateCowUnshared.Inc()
		}
	}
	return cmap, shared, err
}

func (r *metricsRemapper) ConvertCow(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	timeStart := r.clock.Now()
	err := r.base.ConvertCow(ctx, ip, offset, count)
	r.convertCow.observe(err, timeStart, r.clock.Now())
	return err
}

func (r *metricsRemapper) EndCow(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	timeStart := r.clock.Now()
	err := r.base.EndCow(ctx, ip, offset, count)
	r.endCow.observe(err, timeStart, r.clock.Now())
	return err
}

func (r *metricsRemapper) EndCowAtomic(ctx context.Context, ip *inode.Inode, offset, count int64) error {
	timeStart := r.clock.Now()
	err := r.base.EndCowAtomic(ctx, ip, offset, count)
	r.endCowAtomic.observe(err, timeStart, r.clock.Now())
	return err
}

func (r *metricsRemapper) RemapPrep(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64, flags RemapFlags) (int64, func(), error) {
	timeStart := r.clock.Now()
	length, unlock, err := r.base.RemapPrep(ctx, src, posIn, dst, posOut, length, flags)
	r.remapPrep.observe(err, timeStart, r.clock.Now())
	return length, unlock, err
}

func (r *metricsRemapper) RemapBlocks(ctx context.Context, src *inode.Inode, posIn int64, dst *inode.Inode, posOut, length int64) (int64, error) {
	timeStart := r.clock.Now()
	remapped, err := r.base.RemapBlocks(ctx, src, posIn, dst, posOut, length)
	r.remapBlocks.observe(err, timeStart, r.clock.Now())
	remapperRemappedBytes.Add(float64(remapped))
	return remapped, err
}

func (r *metricsRemapper) UpdateDest(ctx context.Context, dst *inode.Inode, newLength int64, cowExtSize uint64) error {
	timeStart := r.clock.Now()
	err := r.base.UpdateDest(ctx, dst, newLength, cowExtSize)
	r.updateDest.observe(err, timeStart, r.clock.Now())
	return err
}

func (r *metricsRemapper) CancelCowRange(ctx context.Context, ip *inode.Inode, offset, count int64, cancelReal bool) error {
	timeStart := r.clock.Now()
	err := r.base.CancelCowRange(ctx, ip, offset, count, cancelReal)
	r.cancelCowRange.observe(err, timeStart, r.clock.Now())
	return err
}

func (r *metricsRemapper) Unshare(ctx context.Context, ip *inode.Inode, offset, length int64) error {
	timeStart := r.clock.Now()
	err := r.base.Unshare(ctx, ip, offset, length)
	r.unshare.observe(err, timeStart, r.clock.Now())
	return err
}
