// Package storage holds durable homes for the ledger's event log.
package storage

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/models"
)

// ErrSeqConflict is returned when an event reuses a sequence number
// that is already stored.
var ErrSeqConflict = errors.New("storage: sequence number already stored")

// EventStore is a ledger journal that can also be read back. Load with
// after 0 and limit 0 returns the whole log, which is how the server
// restores itself on startup.
type EventStore interface {
	Append(ctx context.Context, events []models.Event) error
	Load(ctx context.Context, after uint64, limit int) ([]models.Event, error)
}

type MemoryJournal struct {
	mu     sync.RWMutex
	events []models.Event
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(_ context.Context, events []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last uint64
	if n := len(m.events); n > 0 {
		last = m.events[n-1].Seq
	}
	for _, ev := range events {
		if ev.Seq <= last {
			return errors.Wrapf(ErrSeqConflict, "seq %d", ev.Seq)
		}
		last = ev.Seq
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryJournal) Load(_ context.Context, after uint64, limit int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryJournal) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
