package transaction

import (
	"sort"
	"sync"

	"github.com/buildbarn/bb-reflink/pkg/allocator"
	"github.com/google/uuid"
)

// FreeIntent is a durable record stating that a range of blocks is
// going to be freed.
type FreeIntent struct {
	ID    uuid.UUID
	Block uint64
	Count uint64
}

// IntentLog records block frees that have been committed, but not yet
// carried out. Freeing blocks is a two-phase protocol: an intent is
// staged as part of the transaction that drops the last reference to
// the blocks, after which the free is applied. Applying an intent is
// idempotent. If the process stops between the two phases, Recover
// applies all intents that are still pending.
type IntentLog struct {
	space *allocator.Space

	lock    sync.Mutex
	pending map[uuid.UUID]FreeIntent
}

// NewIntentLog creates an IntentLog that frees blocks by returning
// them to a Space.
func NewIntentLog(space *allocator.Space) *IntentLog {
	return &IntentLog{
		space:   space,
		pending: map[uuid.UUID]FreeIntent{},
	}
}

// Stage a free intent. The intent is durable from this point on.
func (l *IntentLog) Stage(block, count uint64) FreeIntent {
	intent := FreeIntent{
		ID:    uuid.New(),
		Block: block,
		Count: count,
	}
	l.lock.Lock()
	l.pending[intent.ID] = intent
	l.lock.Unlock()
	return intent
}

// Apply a free intent. Applying an intent that has already been
// applied is a no-op. The return value indicates whether blocks were
// freed.
func (l *IntentLog) Apply(id uuid.UUID) bool {
	l.lock.Lock()
	intent, ok := l.pending[id]
	delete(l.pending, id)
	l.lock.Unlock()

	if !ok {
		return false
	}
	l.space.Free(intent.Block, intent.Count)
	return true
}

// Pending returns all intents that have been staged, but not applied,
// sorted by block number.
func (l *IntentLog) Pending() []FreeIntent {
	l.lock.Lock()
	intents := make([]FreeIntent, 0, len(l.pending))
	for _, intent := range l.pending {
		intents = append(intents, intent)
	}
	l.lock.Unlock()

	sort.Slice(intents, func(i, j int) bool {
		return intents[i].Block < intents[j].Block
	})
	return intents
}

// Recover applies all pending intents, returning the number of blocks
// that were freed.
func (l *IntentLog) Recover() uint64 {
	freed := uint64(0)
	for _, intent := range l.Pending() {
		if l.Apply(intent.ID) {
			freed += intent.Count
		}
	}
	return freed
}
