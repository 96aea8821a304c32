// Package undolog holds participant.UndoLog implementations.
package undolog

import (
	"context"
	"sync"

	"cartwheel/internal/participant"
	"cartwheel/internal/txctx"
)

type memoryEntry struct {
	rec    participant.UndoRecord
	closed bool
}

// Memory is an in-process undo log. Records do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	entries map[txctx.Branch]*memoryEntry
}

var _ participant.UndoLog = (*Memory)(nil)

// NewMemory constructs an empty in-memory undo log.
func NewMemory() *Memory {
	return &Memory{entries: make(map[txctx.Branch]*memoryEntry)}
}

func (m *Memory) State(_ context.Context, b txctx.Branch) (participant.BranchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[b]
	switch {
	case !ok:
		return participant.BranchUnknown, nil
	case entry.closed:
		return participant.BranchClosed, nil
	default:
		return participant.BranchRecorded, nil
	}
}

func (m *Memory) Record(_ context.Context, rec participant.UndoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[rec.Branch]; ok {
		if entry.closed {
			return participant.ErrBranchClosed
		}
		return participant.ErrBranchExists
	}
	m.entries[rec.Branch] = &memoryEntry{rec: rec}
	return nil
}

func (m *Memory) Claim(_ context.Context, b txctx.Branch) (participant.UndoRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[b]
	if !ok {
		m.entries[b] = &memoryEntry{rec: participant.UndoRecord{Branch: b}, closed: true}
		return participant.UndoRecord{}, false, nil
	}
	if entry.closed {
		return participant.UndoRecord{}, false, nil
	}
	entry.closed = true
	return entry.rec, true, nil
}

func (m *Memory) Release(_ context.Context, rec participant.UndoRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rec.Branch] = &memoryEntry{rec: rec}
	return nil
}
