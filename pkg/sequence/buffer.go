// Package sequence implements the per-partition in-memory reorder buffer
// that admits trade requests in sequence order against the partition's
// last applied sequence number.
package sequence

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
)

// ErrAlreadyApplied is returned by Admit when a sequence number is less than
// the partition's expected next sequence: a duplicate or late arrival the
// idempotency layer will typically have already caught.
var ErrAlreadyApplied = errors.New("sequence number already applied")

// Outcome is the disposition Admit assigns to an incoming request.
type Outcome int

const (
	// OutcomeDeliver means the request matches the expected sequence and the
	// caller should run it through the pipeline immediately.
	OutcomeDeliver Outcome = iota
	// OutcomeBuffered means the request arrived ahead of its predecessor and
	// was parked; the caller must not process it yet.
	OutcomeBuffered
)

// Entry is one parked request, ordered by Sequence.
type Entry struct {
	Sequence  int64
	ArrivedAt time.Time
	Payload   any
}

// GapRelease is an Entry the hold-deadline sweep has decided to deliver
// despite a missing predecessor (policy release_with_warning).
type GapRelease struct {
	Entry
	PartitionKey string
}

type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// partitionBuffer holds the parked entries for one partitionKey.
type partitionBuffer struct {
	mu   sync.Mutex
	heap entryHeap
}

// Manager owns one partitionBuffer per partitionKey, created on first use.
// Each buffer is a min-heap keyed by sequence number; the buffer stays in
// memory, scoped to the partition's worker.
type Manager struct {
	mu         sync.Mutex
	partitions map[string]*partitionBuffer
	cfg        config.SequenceConfig
	logger     logr.Logger
}

func NewManager(cfg config.SequenceConfig, logger logr.Logger) *Manager {
	return &Manager{
		partitions: make(map[string]*partitionBuffer),
		cfg:        cfg,
		logger:     logger,
	}
}

func (m *Manager) bufferFor(partitionKey string) *partitionBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.partitions[partitionKey]
	if !ok {
		b = &partitionBuffer{}
		m.partitions[partitionKey] = b
	}
	return b
}

// Admit decides the disposition of a request that carries a sequence number
// (callers bypass this entirely for unsequenced requests).
func (m *Manager) Admit(partitionKey string, seq, expected int64, payload any) (Outcome, error) {
	if seq < expected {
		return OutcomeDeliver, ErrAlreadyApplied
	}
	if seq == expected {
		return OutcomeDeliver, nil
	}

	b := m.bufferFor(partitionKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	heap.Push(&b.heap, Entry{Sequence: seq, ArrivedAt: time.Now(), Payload: payload})
	return OutcomeBuffered, nil
}

// PopNext pops and returns the parked entry for partitionKey if its sequence
// equals expected, draining the buffer one now-consecutive entry at a time
// after each commit.
func (m *Manager) PopNext(partitionKey string, expected int64) (Entry, bool) {
	b := m.bufferFor(partitionKey)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.heap) == 0 || b.heap[0].Sequence != expected {
		return Entry{}, false
	}
	e := heap.Pop(&b.heap).(Entry)
	return e, true
}

// Sweep scans every partition for entries whose hold deadline has elapsed.
// Under PolicyReleaseWithWarning it pops and returns the stuck entry (the
// caller delivers it and advances lastSequenceNumber to its value, emitting
// a GAP warning). Under PolicyStaleGap it leaves the entry buffered and
// reports it via staleKeys for operator visibility.
func (m *Manager) Sweep(now time.Time) (released []GapRelease, staleKeys []string) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.partitions))
	for k := range m.partitions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, key := range keys {
		b := m.bufferFor(key)
		b.mu.Lock()
		if len(b.heap) == 0 {
			b.mu.Unlock()
			continue
		}
		oldest := b.heap[0]
		if now.Sub(oldest.ArrivedAt) < m.cfg.HoldDeadline {
			b.mu.Unlock()
			continue
		}
		switch m.cfg.GapPolicy {
		case config.PolicyStaleGap:
			staleKeys = append(staleKeys, key)
		default:
			e := heap.Pop(&b.heap).(Entry)
			released = append(released, GapRelease{Entry: e, PartitionKey: key})
		}
		b.mu.Unlock()
	}
	return released, staleKeys
}

// Status is the operator-visibility surface for one partition: buffer size,
// oldest entry age, and the set of pending (gap) sequence numbers.
type Status struct {
	BufferSize     int
	OldestEntryAge time.Duration
	PendingSeqs    []int64
}

// PartitionKeys lists every partition with a buffer entry (empty or not),
// for operator introspection surfaces.
func (m *Manager) PartitionKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.partitions))
	for k := range m.partitions {
		keys = append(keys, k)
	}
	return keys
}

func (m *Manager) Status(partitionKey string, now time.Time) Status {
	b := m.bufferFor(partitionKey)
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{BufferSize: len(b.heap)}
	if len(b.heap) == 0 {
		return st
	}
	oldest := b.heap[0].ArrivedAt
	for _, e := range b.heap {
		if e.ArrivedAt.Before(oldest) {
			oldest = e.ArrivedAt
		}
		st.PendingSeqs = append(st.PendingSeqs, e.Sequence)
	}
	st.OldestEntryAge = now.Sub(oldest)
	return st
}
