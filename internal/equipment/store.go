// internal/equipment/store.go
package equipment

import (
	"context"
	"errors"
	"sync"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

var ErrVersionConflict = errors.New("equipment version conflict")

// Store persists equipment records. Status is written only by the Gate.
type Store interface {
	Create(ctx context.Context, unit rental.Equipment) (rental.Equipment, error)
	Get(ctx context.Context, id uuid.UUID) (rental.Equipment, error)
	// UpdateStatus and UpdateTotal succeed only when the stored version equals
	// expectedVersion, and bump it. A store shared between processes also
	// re-checks open commitments and the committed peak under the unit's lock,
	// failing with *rental.HasActiveCommitmentsError or
	// *rental.InvalidRequestError.
	UpdateStatus(ctx context.Context, id uuid.UUID, status rental.Status, expectedVersion int) (rental.Equipment, error)
	UpdateTotal(ctx context.Context, id uuid.UUID, total int, expectedVersion int) (rental.Equipment, error)
}

// MemoryStore is a mutex-guarded Store.
type MemoryStore struct {
	mu    sync.RWMutex
	units map[uuid.UUID]rental.Equipment
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{units: make(map[uuid.UUID]rental.Equipment), now: now}
}

func (s *MemoryStore) Create(ctx context.Context, unit rental.Equipment) (rental.Equipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	if _, exists := s.units[unit.ID]; exists {
		return rental.Equipment{}, rental.Invalidf("equipment %s already exists", unit.ID)
	}
	now := s.now().UTC()
	unit.Version = 1
	unit.CreatedAt = now
	unit.UpdatedAt = now
	s.units[unit.ID] = unit
	return unit, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (rental.Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unit, ok := s.units[id]
	if !ok {
		return rental.Equipment{}, rental.ErrNotFound
	}
	return unit, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status rental.Status, expectedVersion int) (rental.Equipment, error) {
	return s.update(id, expectedVersion, func(unit *rental.Equipment) { unit.Status = status })
}

func (s *MemoryStore) UpdateTotal(ctx context.Context, id uuid.UUID, total int, expectedVersion int) (rental.Equipment, error) {
	return s.update(id, expectedVersion, func(unit *rental.Equipment) { unit.TotalQuantity = total })
}

func (s *MemoryStore) update(id uuid.UUID, expectedVersion int, apply func(*rental.Equipment)) (rental.Equipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return rental.Equipment{}, rental.ErrNotFound
	}
	if unit.Version != expectedVersion {
		return rental.Equipment{}, ErrVersionConflict
	}
	apply(&unit)
	unit.Version++
	unit.UpdatedAt = s.now().UTC()
	s.units[id] = unit
	return unit, nil
}
