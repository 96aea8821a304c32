package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-process Log. It enforces one active saga per order.
type MemoryLog struct {
	mu      sync.Mutex
	records map[string]*Record
	active  map[uint64]string
	now     func() time.Time
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		records: make(map[string]*Record),
		active:  make(map[uint64]string),
		now:     time.Now,
	}
}

func (l *MemoryLog) Start(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[rec.OrderID]; busy {
		return ErrSagaInProgress
	}
	now := l.now().UTC()
	rec.Status = StatusStarted
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Steps = nil
	l.records[rec.TxID] = &rec
	l.active[rec.OrderID] = rec.TxID
	return nil
}

func (l *MemoryLog) UpdateStatus(_ context.Context, txID string, status Status, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[txID]
	if !ok {
		return ErrUnknownSaga
	}
	rec.Status = status
	if reason != "" {
		rec.Reason = reason
	}
	rec.UpdatedAt = l.now().UTC()
	if status.Terminal() && l.active[rec.OrderID] == txID {
		delete(l.active, rec.OrderID)
	}
	return nil
}

func (l *MemoryLog) AddStep(_ context.Context, txID string, step Step) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[txID]
	if !ok {
		return ErrUnknownSaga
	}
	if step.At.IsZero() {
		step.At = l.now().UTC()
	}
	rec.Steps = append(rec.Steps, step)
	rec.UpdatedAt = step.At
	return nil
}

func (l *MemoryLog) Get(_ context.Context, txID string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[txID]
	if !ok {
		return Record{}, ErrUnknownSaga
	}
	return copyRecord(rec), nil
}

func (l *MemoryLog) Active(_ context.Context) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.active))
	for _, txID := range l.active {
		out = append(out, copyRecord(l.records[txID]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyRecord(rec *Record) Record {
	out := *rec
	out.Steps = append([]Step(nil), rec.Steps...)
	return out
}
