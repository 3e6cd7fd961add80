package transaction

import (
	"context"
	"sync"

	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	transactionPrometheusMetrics sync.Once

	transactionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "transactions_finished_total",
			Help:      "Number of transactions that were committed or canceled.",
		},
		[]string{"reservation", "outcome"})
	transactionLogReservationWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "transaction_log_reservation_wait_seconds",
			Help:      "Amount of time transactions spent waiting for log space to become available.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"reservation"})
	transactionDeferredFrees = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "reflink",
			Name:      "transaction_deferred_free_blocks_total",
			Help:      "Number of blocks freed through deferred free intents.",
		})
)

// Item is an object that can be joined to a transaction, such as an
// inode. When the transaction is canceled, the item is restored to
// the state it had when it was joined.
type Item interface {
	// Snapshot returns a function that restores the item to its
	// current state.
	Snapshot() func()
}

// Manager creates transactions. It owns the log space that running
// transactions consume, and the log of deferred block frees.
type Manager struct {
	space       *allocator.Space
	intents     *IntentLog
	clock       clock.Clock
	logCapacity int64
	log         *semaphore.Weighted
}

// NewManager creates a Manager whose transactions may consume at most
// logCapacity units of log space at any point in time.
func NewManager(space *allocator.Space, logCapacity int64, clock clock.Clock) *Manager {
	transactionPrometheusMetrics.Do(func() {
		prometheus.MustRegister(transactionsFinished)
		prometheus.MustRegister(transactionLogReservationWaitSeconds)
		prometheus.MustRegister(transactionDeferredFrees)
	})

	return &Manager{
		space:       space,
		intents:     NewIntentLog(space),
		clock:       clock,
		logCapacity: logCapacity,
		log:         semaphore.NewWeighted(logCapacity),
	}
}

// Space returns the free space accounting of the device.
func (m *Manager) Space() *allocator.Space {
	return m.space
}

// Intents returns the log of deferred block frees.
func (m *Manager) Intents() *IntentLog {
	return m.intents
}

// LogCapacity returns the total amount of log space.
func (m *Manager) LogCapacity() int64 {
	return m.logCapacity
}

// Begin a new transaction. This blocks until sufficient log space is
// available. Blocks are reserved without blocking, causing this
// function to fail with ENOSPC if the device is too full.
func (m *Manager) Begin(ctx context.Context, reservation Reservation) (*Transaction, error) {
	if reservation.LogUnits > m.logCapacity {
		return nil, status.Errorf(codes.InvalidArgument, "Transaction %#v requires %d units of log space, while the log only has %d units", reservation.Name, reservation.LogUnits, m.logCapacity)
	}

	blocks := reservation.Blocks
	if err := m.space.Reserve(blocks); err != nil {
		if !reservation.AllowReservePool {
			return nil, err
		}
		blocks = 0
	}

	start := m.clock.Now()
	if err := m.log.Acquire(ctx, reservation.LogUnits); err != nil {
		m.space.Release(blocks)
		return nil, util.StatusFromContext(ctx)
	}
	transactionLogReservationWaitSeconds.WithLabelValues(reservation.Name).Observe(m.clock.Now().Sub(start).Seconds())

	return &Transaction{
		manager:     m,
		reservation: reservation,
		blocks:      blocks,
	}, nil
}

type joinedItem struct {
	item    Item
	restore func()
}

// Transaction groups a set of modifications that either all take
// effect, or none at all.
//
// Modifications to in-memory structures are applied immediately.
// Code making them registers undo actions that revert them if the
// transaction is canceled. Effects that cannot be reverted, such as
// freeing blocks or updating quota, are deferred until the
// transaction commits.
//
// A transaction may be rolled by calling FinishDeferred. This commits
// all modifications made so far, while retaining the reservation.
// Canceling a rolled transaction only reverts the modifications made
// after the roll.
type Transaction struct {
	manager     *Manager
	reservation Reservation

	blocks          uint64
	releaseOnCommit uint64
	items           []joinedItem
	undo            []func()
	onCommit        []func()
	onFinish        []func()
	frees           []FreeIntent
	finished        bool
}

// Reservation returns the reservation with which the transaction was
// created.
func (tx *Transaction) Reservation() Reservation {
	return tx.reservation
}

// BlocksReserved returns the number of blocks that the transaction
// can still allocate.
func (tx *Transaction) BlocksReserved() uint64 {
	return tx.blocks
}

// JoinInode adds an item to the transaction. If the transaction is
// canceled, the item is restored to its current state. Joining an item
// multiple times has no effect.
func (tx *Transaction) JoinInode(item Item) {
	for _, joined := range tx.items {
		if joined.item == item {
			return
		}
	}
	tx.items = append(tx.items, joinedItem{
		item:    item,
		restore: item.Snapshot(),
	})
}

// AddUndo registers an action that reverts a modification that has
// been made as part of the transaction. Actions are run in reverse
// order when the transaction is canceled.
func (tx *Transaction) AddUndo(undo func()) {
	tx.undo = append(tx.undo, undo)
}

// OnCommit registers an action that is run when the transaction
// commits or is rolled.
func (tx *Transaction) OnCommit(action func()) {
	tx.onCommit = append(tx.onCommit, action)
}

// OnFinish registers an action that is run when the transaction is
// either committed or canceled.
func (tx *Transaction) OnFinish(action func()) {
	tx.onFinish = append(tx.onFinish, action)
}

// AllocateBlocks allocates a contiguous range of at most maximum
// blocks from the reservation of the transaction.
func (tx *Transaction) AllocateBlocks(maximum uint64) (uint64, uint64, error) {
	if maximum > tx.blocks {
		return 0, 0, status.Errorf(codes.Internal, "Transaction %#v attempted to allocate %d blocks, while only %d blocks are reserved", tx.reservation.Name, maximum, tx.blocks)
	}
	space := tx.manager.space
	first, count, err := space.Allocate(maximum)
	if err != nil {
		return 0, 0, err
	}
	tx.blocks -= count
	tx.AddUndo(func() {
		// Hand the blocks back to the reservation, which is
		// released as a whole at the end of Cancel().
		space.Unallocate(first, count)
		tx.blocks += count
	})
	return first, count, nil
}

// TakeBlocks transfers an existing reservation of blocks, such as the
// one held by a delayed allocation, to the transaction.
func (tx *Transaction) TakeBlocks(count uint64) {
	tx.blocks += count
	tx.AddUndo(func() { tx.blocks -= count })
}

// GiveBlocks is the inverse of TakeBlocks. It transfers part of the
// reservation of the transaction back to the caller, so that it can
// remain held by a delayed allocation.
func (tx *Transaction) GiveBlocks(count uint64) {
	if count > tx.blocks {
		panic("Attempted to give away more blocks than the transaction has reserved")
	}
	tx.blocks -= count
	tx.AddUndo(func() { tx.blocks += count })
}

// ReleaseBlocks releases an existing reservation of blocks, such as
// the one held by a delayed allocation, when the transaction commits
// or is rolled.
func (tx *Transaction) ReleaseBlocks(count uint64) {
	tx.releaseOnCommit += count
	tx.AddUndo(func() { tx.releaseOnCommit -= count })
}

// FreeLater schedules a range of blocks to be freed when the
// transaction commits or is rolled.
func (tx *Transaction) FreeLater(block, count uint64) {
	tx.frees = append(tx.frees, FreeIntent{Block: block, Count: count})
	index := len(tx.frees) - 1
	tx.AddUndo(func() { tx.frees = tx.frees[:index] })
}

func (tx *Transaction) checkRunning() error {
	if tx.finished {
		return status.Errorf(codes.FailedPrecondition, "Transaction %#v has already finished", tx.reservation.Name)
	}
	return nil
}

// finishDeferred makes all modifications so far permanent: free
// intents are staged and applied, and commit actions are run.
func (tx *Transaction) finishDeferred() {
	intents := tx.manager.intents
	staged := make([]FreeIntent, 0, len(tx.frees))
	for _, free := range tx.frees {
		staged = append(staged, intents.Stage(free.Block, free.Count))
	}
	for _, intent := range staged {
		if intents.Apply(intent.ID) {
			transactionDeferredFrees.Add(float64(intent.Count))
		}
	}
	tx.frees = nil

	for _, action := range tx.onCommit {
		action()
	}
	tx.onCommit = nil
	tx.undo = nil
	tx.manager.space.Release(tx.releaseOnCommit)
	tx.releaseOnCommit = 0

	for i := range tx.items {
		tx.items[i].restore = tx.items[i].item.Snapshot()
	}
}

// FinishDeferred rolls the transaction. All modifications made so far
// become permanent, while the transaction retains its reservation.
func (tx *Transaction) FinishDeferred() error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	tx.finishDeferred()
	return nil
}

// Commit the transaction, making all modifications permanent and
// releasing the unused part of the reservation.
func (tx *Transaction) Commit() error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	tx.finishDeferred()
	tx.manager.space.Release(tx.blocks)
	tx.finish("committed")
	return nil
}

// Cancel the transaction, reverting all modifications made since it
// was created or last rolled. Canceling a transaction that has
// already finished has no effect.
func (tx *Transaction) Cancel() {
	if tx.finished {
		return
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	for i := len(tx.items) - 1; i >= 0; i-- {
		tx.items[i].restore()
	}
	tx.undo = nil
	tx.onCommit = nil
	tx.frees = nil
	tx.manager.space.Release(tx.blocks)
	tx.finish("canceled")
}

func (tx *Transaction) finish(outcome string) {
	tx.finished = true
	tx.blocks = 0
	tx.releaseOnCommit = 0
	for _, action := range tx.onFinish {
		action()
	}
	tx.onFinish = nil
	tx.manager.log.Release(tx.reservation.LogUnits)
	transactionsFinished.WithLabelValues(tx.reservation.Name, outcome).Inc()
}
