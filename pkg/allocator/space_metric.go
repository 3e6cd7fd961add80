package allocator

import "sync/atomic"

// spaceMetric is a simple 64-bit counter from/to which can be
// subtracted/added atomically. It is used to store the number of
// blocks that may still be reserved.
type spaceMetric struct {
	remaining atomic.Int64
}

func (m *spaceMetric) allocate(v int64) bool {
	for {
		remaining := m.remaining.Load()
		if remaining < v {
			return false
		}
		if m.remaining.CompareAndSwap(remaining, remaining-v) {
			return true
		}
	}
}

func (m *spaceMetric) release(v int64) {
	m.remaining.Add(v)
}

func (m *spaceMetric) init(v int64) {
	m.remaining = atomic.Int64{}
	m.remaining.Store(v)
}

func (m *spaceMetric) load() int64 {
	return m.remaining.Load()
}
