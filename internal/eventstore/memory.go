// internal/eventstore/memory.go
package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store with the same versioning rules as
// EventStore.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	streams map[uuid.UUID][]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[uuid.UUID][]Record)}
}

func (m *MemoryStore) Append(ctx context.Context, stream Stream, events ...rental.Event) error {
	base, err := checkBatch(stream, events)
	if err != nil || len(events) == 0 {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.streams[stream.ID]
	if len(history) > 0 && history[0].Stream.Type != stream.Type {
		return fmt.Errorf("%w: stream %s is %s", ErrStreamMismatch, stream.ID, history[0].Stream.Type)
	}
	if len(history) != base {
		return ErrConcurrencyConflict
	}
	now := time.Now().UTC()
	for _, e := range events {
		m.seq++
		history = append(history, Record{Seq: m.seq, Stream: stream, Event: e, RecordedAt: now})
	}
	m.streams[stream.ID] = history
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id uuid.UUID, from, to int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.streams[id] {
		if v := rec.Event.Version; v >= from && (to <= 0 || v <= to) {
			out = append(out, rec)
		}
	}
	return out, nil
}
