// internal/interval/memory.go
package interval

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// MemoryIndex keeps intervals in per-equipment shards. Each shard has its own
// mutex; shards and the interval->equipment lookup live in sync.Maps, so two
// equipment ids never wait on each other.
type MemoryIndex struct {
	shards sync.Map // uuid.UUID -> *shard
	owners sync.Map // interval id -> equipment id
	seq    atomic.Uint64
	now    func() time.Time
}

type entry struct {
	seq uint64
	iv  rental.Interval
}

type shard struct {
	mu      sync.Mutex
	entries []*entry // sorted by Start, then seq
	byID    map[uuid.UUID]*entry
	maxSpan int64 // longest End-Start in whole seconds, rounded up
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty in-memory index. now may be nil.
func NewMemoryIndex(now func() time.Time) *MemoryIndex {
	if now == nil {
		now = time.Now
	}
	return &MemoryIndex{now: now}
}

func (m *MemoryIndex) shard(equipmentID uuid.UUID, create bool) *shard {
	if s, ok := m.shards.Load(equipmentID); ok {
		return s.(*shard)
	}
	if !create {
		return nil
	}
	s, _ := m.shards.LoadOrStore(equipmentID, &shard{byID: make(map[uuid.UUID]*entry)})
	return s.(*shard)
}

// window returns the candidate slice of entries that may overlap [start, end).
// Anything starting more than maxSpan seconds before start has already ended.
// The bound is kept in Unix seconds; a time.Duration saturates past
// roughly 292 years.
func (s *shard) window(start, end time.Time) []*entry {
	floor := start.Unix() - s.maxSpan
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].iv.Start.Unix() >= floor })
	hi := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].iv.Start.Before(end) })
	if lo > hi {
		return nil
	}
	return s.entries[lo:hi]
}

func (s *shard) overlapping(start, end time.Time) []rental.Interval {
	var out []rental.Interval
	for _, e := range s.window(start, end) {
		if e.iv.Overlaps(start, end) {
			out = append(out, e.iv)
		}
	}
	return out
}

func (s *shard) track(iv rental.Interval) {
	if d := iv.End.Unix() - iv.Start.Unix() + 1; d > s.maxSpan {
		s.maxSpan = d
	}
}

func (m *MemoryIndex) Query(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := m.shard(equipmentID, false)
	if s == nil {
		return []rental.Interval{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.overlapping(start, end)
	if out == nil {
		out = []rental.Interval{}
	}
	return out, nil
}

func (m *MemoryIndex) Get(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	s, err := m.owner(id)
	if err != nil {
		return rental.Interval{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id].iv, nil
}

func (m *MemoryIndex) owner(id uuid.UUID) (*shard, error) {
	eq, ok := m.owners.Load(id)
	if !ok {
		return nil, rental.ErrNotFound
	}
	return m.shard(eq.(uuid.UUID), false), nil
}

func (m *MemoryIndex) Insert(ctx context.Context, iv rental.Interval, capacity int) (rental.Interval, error) {
	if err := ctx.Err(); err != nil {
		return rental.Interval{}, err
	}
	if err := validate(iv); err != nil {
		return rental.Interval{}, err
	}

	s := m.shard(iv.EquipmentID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := admit(s.overlapping(iv.Start, iv.End), iv.EquipmentID, uuid.Nil, iv.Start, iv.End, iv.Quantity, capacity); err != nil {
		return rental.Interval{}, err
	}

	now := m.now().UTC()
	iv.ID = uuid.New()
	iv.Version = 1
	iv.CreatedAt = now
	iv.UpdatedAt = now

	e := &entry{seq: m.seq.Add(1), iv: iv}
	pos := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].iv.Start.After(iv.Start) })
	s.entries = append(s.entries, nil)
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = e
	s.byID[iv.ID] = e
	s.track(iv)
	m.owners.Store(iv.ID, iv.EquipmentID)

	return iv, nil
}

func (m *MemoryIndex) Amend(ctx context.Context, id uuid.UUID, end time.Time, quantity, capacity int) (rental.Interval, error) {
	if err := ctx.Err(); err != nil {
		return rental.Interval{}, err
	}
	s, err := m.owner(id)
	if err != nil {
		return rental.Interval{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.byID[id]
	if err := amendable(e.iv); err != nil {
		return rental.Interval{}, err
	}
	if quantity < 1 {
		return rental.Interval{}, rental.Invalidf("quantity must be at least 1, got %d", quantity)
	}
	if !e.iv.Start.Before(end) {
		return rental.Interval{}, rental.Invalidf("end must be after start %s", e.iv.Start.Format(time.RFC3339))
	}
	if err := admit(s.overlapping(e.iv.Start, end), e.iv.EquipmentID, id, e.iv.Start, end, quantity, capacity); err != nil {
		return rental.Interval{}, err
	}

	e.iv.End = end
	e.iv.Quantity = quantity
	e.iv.Version++
	e.iv.UpdatedAt = m.now().UTC()
	s.track(e.iv)
	return e.iv, nil
}

func (m *MemoryIndex) Confirm(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	return m.transition(ctx, id, func(iv *rental.Interval) (bool, error) {
		switch iv.State {
		case rental.StateCancelled:
			return false, rental.ErrAlreadyCancelled
		case rental.StateConfirmed:
			return false, nil
		}
		iv.State = rental.StateConfirmed
		iv.HoldExpiresAt = nil
		return true, nil
	})
}

func (m *MemoryIndex) Cancel(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	return m.transition(ctx, id, func(iv *rental.Interval) (bool, error) {
		if iv.State == rental.StateCancelled {
			return false, rental.ErrAlreadyCancelled
		}
		iv.State = rental.StateCancelled
		return true, nil
	})
}

func (m *MemoryIndex) transition(ctx context.Context, id uuid.UUID, apply func(*rental.Interval) (bool, error)) (rental.Interval, error) {
	if err := ctx.Err(); err != nil {
		return rental.Interval{}, err
	}
	s, err := m.owner(id)
	if err != nil {
		return rental.Interval{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.byID[id]
	changed, err := apply(&e.iv)
	if err != nil {
		return rental.Interval{}, err
	}
	if changed {
		e.iv.Version++
		e.iv.UpdatedAt = m.now().UTC()
	}
	return e.iv, nil
}

func (m *MemoryIndex) ExpiredHolds(ctx context.Context, cutoff time.Time) ([]rental.Interval, error) {
	var out []rental.Interval
	m.shards.Range(func(_, v any) bool {
		s := v.(*shard)
		s.mu.Lock()
		for _, e := range s.entries {
			if e.iv.State == rental.StatePending && e.iv.HoldExpiresAt != nil && !e.iv.HoldExpiresAt.After(cutoff) {
				out = append(out, e.iv)
			}
		}
		s.mu.Unlock()
		return ctx.Err() == nil
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
