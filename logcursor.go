package atomix

import (
	"context"
	"fmt"
	"sync"
)

// LogCursor is the external collaborator this package treats the consensus
// layer as: a monotonic reader over the committed log plus the bookkeeping
// the Compactor needs to decide when truncation is safe. Implementations
// live outside this package in a real deployment (backed by the actual
// Raft log); InMemoryLog below is provided for tests and the cmd/kv demo.
type LogCursor interface {
	// Entry returns the committed entry at index, or nil if it has not
	// been committed yet. An index that has been truncated away yields an
	// error.
	Entry(ctx context.Context, index uint64) (*LogEntry, error)

	// LastIndex returns the highest committed index, or 0 if the log is
	// empty.
	LastIndex() uint64

	// Compactable reports whether index is safe to compact beneath,
	// per the consensus layer's own replication-progress bookkeeping.
	Compactable(index uint64) bool

	// Truncate discards every entry at or below index once the
	// Compactor has confirmed every service snapshotted beyond it.
	Truncate(ctx context.Context, index uint64) error
}

// InMemoryLog is a trivial LogCursor used by tests and the single-node
// cmd/kv demo. It is not a consensus implementation: Append is a direct
// local call, standing in for "the entry has been committed".
type InMemoryLog struct {
	mu      sync.Mutex
	entries []*LogEntry // entries[i] has Index == first+i
	first   uint64
}

// NewInMemoryLog returns an empty log.
func NewInMemoryLog() *InMemoryLog {
	return &InMemoryLog{first: 1}
}

// Append commits entries in order, assigning sequential indexes starting
// at LastIndex()+1, and returns the entries with their indexes filled in.
func (l *InMemoryLog) Append(bodies []LogEntry) []*LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LogEntry, len(bodies))
	next := l.first + uint64(len(l.entries))
	for i := range bodies {
		e := bodies[i]
		e.Index = next
		l.entries = append(l.entries, &e)
		out[i] = &e
		next++
	}
	return out
}

func (l *InMemoryLog) Entry(_ context.Context, index uint64) (*LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.first {
		return nil, fmt.Errorf("index %d has been compacted away", index)
	}
	pos := index - l.first
	if pos >= uint64(len(l.entries)) {
		return nil, nil
	}
	return l.entries[pos], nil
}

func (l *InMemoryLog) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first + uint64(len(l.entries)) - 1
}

// Compactable always reports true in the in-memory demo: there is no
// replication lag to respect since there is only one node.
func (l *InMemoryLog) Compactable(_ uint64) bool { return true }

func (l *InMemoryLog) Truncate(_ context.Context, index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.first {
		return nil
	}
	drop := index - l.first + 1
	if drop > uint64(len(l.entries)) {
		drop = uint64(len(l.entries))
	}
	l.entries = l.entries[drop:]
	l.first += drop
	return nil
}
