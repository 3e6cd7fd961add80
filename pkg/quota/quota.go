package quota

import (
	"sort"
	"sync"

	"github.com/buildbarn/bb-reflink/pkg/transaction"
	"github.com/buildbarn/bb-reflink/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	quotaPrometheusMetrics sync.Once

	quotaReservationsDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "quota_reservations_denied_total",
			Help:      "Number of times a quota reservation was denied, because the owner would exceed its block limit.",
		})
)

// Field of a Dquot that is adjusted by a transaction.
type Field int

const (
	// FieldBlocks adjusts the number of blocks backed by storage
	// that are mapped into data forks.
	FieldBlocks Field = iota
	// FieldDelayedBlocks converts blocks accounted as delayed into
	// blocks backed by storage. A positive delta moves blocks from
	// Delayed to Count. This is used when delayed allocations and
	// staging extents are mapped into the data fork.
	FieldDelayedBlocks
	// FieldReservedBlocks adjusts the number of blocks accounted as
	// delayed. This is used for staging extents that are allocated
	// directly, without a preceding delayed allocation.
	FieldReservedBlocks
)

// Dquot holds the block usage of a single owner.
type Dquot struct {
	// Maximum number of blocks that the owner may use. Zero means
	// that no limit applies.
	Limit uint64
	// Number of blocks backed by storage in data forks.
	Count uint64
	// Number of blocks held by delayed allocations and staging
	// extents.
	Delayed uint64
	// Number of blocks reserved by running transactions.
	Reserved uint64
}

func (dq *Dquot) used() uint64 {
	return dq.Count + dq.Delayed + dq.Reserved
}

func (dq *Dquot) fits(blocks uint64) bool {
	return dq.Limit == 0 || dq.used()+blocks <= dq.Limit
}

// Manager keeps track of the block usage of all owners of files.
//
// Delta updates made as part of a transaction are applied when the
// transaction commits. Reservations taken as part of a transaction are
// released when it finishes, so that the limit check remains accurate
// while the transaction is running.
type Manager struct {
	defaultLimit uint64

	lock   sync.Mutex
	dquots map[uint32]*Dquot
}

// NewManager creates a Manager that applies a default block limit to
// all owners. Zero means that no limit applies.
func NewManager(defaultLimit uint64) *Manager {
	quotaPrometheusMetrics.Do(func() {
		prometheus.MustRegister(quotaReservationsDenied)
	})

	return &Manager{
		defaultLimit: defaultLimit,
		dquots:       map[uint32]*Dquot{},
	}
}

func (m *Manager) getLocked(owner uint32) *Dquot {
	dq, ok := m.dquots[owner]
	if !ok {
		dq = &Dquot{Limit: m.defaultLimit}
		m.dquots[owner] = dq
	}
	return dq
}

// SetLimit overrides the block limit of an owner.
func (m *Manager) SetLimit(owner uint32, limit uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.getLocked(owner).Limit = limit
}

// Get returns a copy of the usage of an owner.
func (m *Manager) Get(owner uint32) Dquot {
	m.lock.Lock()
	defer m.lock.Unlock()
	return *m.getLocked(owner)
}

// Owners returns the identifiers of all owners for which usage is
// tracked, in increasing order.
func (m *Manager) Owners() []uint32 {
	m.lock.Lock()
	owners := make([]uint32, 0, len(m.dquots))
	for owner := range m.dquots {
		owners = append(owners, owner)
	}
	m.lock.Unlock()
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}

// Reserve blocks for the duration of a transaction. This fails with
// EDQUOT if the owner would exceed its limit.
func (m *Manager) Reserve(tx *transaction.Transaction, owner uint32, blocks uint64) error {
	if blocks == 0 {
		return nil
	}
	m.lock.Lock()
	dq := m.getLocked(owner)
	if !dq.fits(blocks) {
		used, limit := dq.used(), dq.Limit
		m.lock.Unlock()
		quotaReservationsDenied.Inc()
		return util.NewQuotaExceededError("Owner %d cannot reserve %d blocks, as it already uses %d out of %d blocks", owner, blocks, used, limit)
	}
	dq.Reserved += blocks
	m.lock.Unlock()

	tx.OnFinish(func() {
		m.lock.Lock()
		dq.Reserved -= blocks
		m.lock.Unlock()
	})
	return nil
}

// ModQuota schedules an adjustment of the usage of an owner, which is
// applied when the transaction commits.
func (m *Manager) ModQuota(tx *transaction.Transaction, owner uint32, field Field, delta int64) {
	if delta == 0 {
		return
	}
	tx.OnCommit(func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		dq := m.getLocked(owner)
		switch field {
		case FieldBlocks:
			dq.Count = addDelta(dq.Count, delta)
		case FieldDelayedBlocks:
			dq.Count = addDelta(dq.Count, delta)
			dq.Delayed = addDelta(dq.Delayed, -delta)
		case FieldReservedBlocks:
			dq.Delayed = addDelta(dq.Delayed, delta)
		}
	})
}

// ReserveDelayed accounts blocks for a delayed allocation. This takes
// effect immediately, as delayed allocations are not made as part of
// a transaction.
func (m *Manager) ReserveDelayed(owner uint32, blocks uint64) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	dq := m.getLocked(owner)
	if !dq.fits(blocks) {
		quotaReservationsDenied.Inc()
		return util.NewQuotaExceededError("Owner %d cannot reserve %d blocks, as it already uses %d out of %d blocks", owner, blocks, dq.used(), dq.Limit)
	}
	dq.Delayed += blocks
	return nil
}

// UnreserveDelayed releases blocks accounted for delayed allocations
// or staging extents.
func (m *Manager) UnreserveDelayed(owner uint32, blocks uint64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	dq := m.getLocked(owner)
	dq.Delayed = addDelta(dq.Delayed, -int64(blocks))
}

func addDelta(v uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > v {
		panic("Quota usage dropped below zero")
	}
	return uint64(int64(v) + delta)
}
