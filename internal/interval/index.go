// internal/interval/index.go
package interval

import (
	"context"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// Index is the authoritative store of booking intervals keyed by equipment.
// It is the only component that writes intervals. Every write re-validates
// capacity inside a per-equipment serialization scope.
type Index interface {
	// Query returns every interval of the equipment overlapping [start, end),
	// in any state, ordered by start and then by insertion order.
	Query(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error)
	Get(ctx context.Context, id uuid.UUID) (rental.Interval, error)
	// Insert commits iv unless the active load plus iv.Quantity would exceed
	// capacity somewhere in [iv.Start, iv.End), in which case it returns a
	// *rental.ConflictError.
	Insert(ctx context.Context, iv rental.Interval, capacity int) (rental.Interval, error)
	// Amend changes the end and quantity of a pending interval, with the same
	// capacity re-check excluding the interval itself.
	Amend(ctx context.Context, id uuid.UUID, end time.Time, quantity, capacity int) (rental.Interval, error)
	Confirm(ctx context.Context, id uuid.UUID) (rental.Interval, error)
	// Cancel returns rental.ErrAlreadyCancelled when the interval is already
	// cancelled.
	Cancel(ctx context.Context, id uuid.UUID) (rental.Interval, error)
	// ExpiredHolds lists pending intervals whose hold expired at or before cutoff.
	ExpiredHolds(ctx context.Context, cutoff time.Time) ([]rental.Interval, error)
}

func validate(iv rental.Interval) error {
	if iv.EquipmentID == uuid.Nil {
		return rental.Invalidf("equipment id is required")
	}
	if !iv.Start.Before(iv.End) {
		return rental.Invalidf("start %s must be before end %s", iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	if iv.Quantity < 1 {
		return rental.Invalidf("quantity must be at least 1, got %d", iv.Quantity)
	}
	if iv.State != rental.StatePending && iv.State != rental.StateConfirmed {
		return rental.Invalidf("new intervals must be %s or %s", rental.StatePending, rental.StateConfirmed)
	}
	if iv.Kind != rental.KindReservation && iv.Kind != rental.KindMaintenanceBlock {
		return rental.Invalidf("unknown interval kind %q", iv.Kind)
	}
	return nil
}

// admit runs the atomic capacity check shared by the implementations.
func admit(existing []rental.Interval, equipmentID, exclude uuid.UUID, start, end time.Time, quantity, capacity int) error {
	active := rental.ActiveOverlapping(existing, start, end, exclude)
	peak := rental.Peak(active, start, end)
	if peak+quantity > capacity {
		return &rental.ConflictError{
			EquipmentID: equipmentID,
			Capacity:    capacity,
			Peak:        peak + quantity,
			Conflicting: active,
		}
	}
	return nil
}

func amendable(iv rental.Interval) error {
	switch iv.State {
	case rental.StateCancelled:
		return rental.ErrAlreadyCancelled
	case rental.StateConfirmed:
		return rental.Invalidf("interval %s is confirmed and can only be cancelled", iv.ID)
	}
	return nil
}
