package db

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/ionixcorp/BetaBot/internal/tick"
)

// MemoryStorage is the in-memory tick archive used by tests and by
// deployments without a database configured.
type MemoryStorage struct {
	mu sync.RWMutex

	// Ticks keyed by broker:symbol, appended in arrival order.
	ticks map[string][]*tick.Tick
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{ticks: make(map[string][]*tick.Tick)}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

func (m *MemoryStorage) SaveTick(_ context.Context, t *tick.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := t.AssetKey()
	m.ticks[key] = append(m.ticks[key], t)
	return nil
}

func (m *MemoryStorage) SaveTicks(ctx context.Context, ticks []*tick.Tick) error {
	for _, t := range ticks {
		if err := m.SaveTick(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStorage) GetTicks(_ context.Context, broker, symbol string, start, end time.Time) ([]*tick.Tick, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*tick.Tick
	for _, t := range m.ticks[broker+":"+symbol] {
		if (t.Timestamp.Equal(start) || t.Timestamp.After(start)) && t.Timestamp.Before(end) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStorage) DeleteTicks(_ context.Context, broker, symbol string, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := broker + ":" + symbol
	kept := m.ticks[key][:0]
	for _, t := range m.ticks[key] {
		if !t.Timestamp.Before(before) {
			kept = append(kept, t)
		}
	}
	m.ticks[key] = kept
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
