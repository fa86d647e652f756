// internal/equipment/gate.go
package equipment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentalnexus/internal/interval"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// transitions lists the legal moves out of each status. BROKEN and RETIRED
// are absorbing.
var transitions = map[rental.Status][]rental.Status{
	rental.StatusAvailable:   {rental.StatusRented, rental.StatusMaintenance, rental.StatusBroken, rental.StatusRetired},
	rental.StatusRented:      {rental.StatusAvailable, rental.StatusMaintenance, rental.StatusBroken, rental.StatusRetired},
	rental.StatusMaintenance: {rental.StatusAvailable, rental.StatusRented, rental.StatusBroken, rental.StatusRetired},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to rental.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Bookable reports whether new bookings may be taken in status s.
func Bookable(s rental.Status) bool {
	return s.Accepts(rental.KindReservation)
}

// guarded statuses cannot be entered while confirmed reservations are open.
func guarded(s rental.Status) bool {
	return s == rental.StatusMaintenance || s == rental.StatusRetired
}

// Transition is the outcome of a SetStatus call.
type Transition struct {
	Equipment rental.Equipment
	Previous  rental.Status
	Changed   bool
	Cancelled []rental.Interval
}

// Gate owns equipment status. It is the only writer of Store.UpdateStatus.
type Gate struct {
	store  Store
	index  interval.Index
	now    func() time.Time
	logger *zap.Logger
}

func NewGate(store Store, index interval.Index, now func() time.Time, logger *zap.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, index: index, now: now, logger: logger}
}

// Commitments returns the confirmed reservations of the unit that end after now.
func (g *Gate) Commitments(ctx context.Context, id uuid.UUID) ([]rental.Interval, error) {
	now := g.now()
	intervals, err := g.index.Query(ctx, id, now, rental.EndOfTime)
	if err != nil {
		return nil, fmt.Errorf("query commitments: %w", err)
	}
	var out []rental.Interval
	for _, iv := range intervals {
		if iv.State == rental.StateConfirmed && iv.Kind == rental.KindReservation {
			out = append(out, iv)
		}
	}
	return out, nil
}

// storeRetries bounds how often an override re-cancels reservations that the
// store reports as committed after the gate's own check.
const storeRetries = 3

// SetStatus moves the unit to status to. Entering MAINTENANCE or RETIRED
// with open confirmed reservations fails with *rental.HasActiveCommitmentsError
// unless override is set, in which case exactly those reservations are
// cancelled first and reported in the result.
//
// On error the returned Transition still lists the reservations already
// cancelled, so the caller can announce them.
func (g *Gate) SetStatus(ctx context.Context, id uuid.UUID, to rental.Status, override bool) (Transition, error) {
	if !to.Valid() {
		return Transition{}, rental.Invalidf("unknown status %q", to)
	}
	unit, err := g.store.Get(ctx, id)
	if err != nil {
		return Transition{}, err
	}
	result := Transition{Equipment: unit, Previous: unit.Status}
	if unit.Status == to {
		return result, nil
	}
	if !CanTransition(unit.Status, to) {
		return Transition{}, &rental.IllegalTransitionError{From: unit.Status, To: to}
	}

	var conflicts []rental.Interval
	if guarded(to) {
		if conflicts, err = g.Commitments(ctx, id); err != nil {
			return Transition{}, err
		}
	}
	for attempt := 0; ; attempt++ {
		if len(conflicts) > 0 && !override {
			return result, &rental.HasActiveCommitmentsError{EquipmentID: id, Target: to, Intervals: conflicts}
		}
		if err := g.cancel(ctx, &result, conflicts); err != nil {
			return result, err
		}

		updated, err := g.store.UpdateStatus(ctx, id, to, unit.Version)
		var late *rental.HasActiveCommitmentsError
		if errors.As(err, &late) && attempt < storeRetries {
			conflicts = late.Intervals
			continue
		}
		if errors.As(err, &late) {
			return result, late
		}
		if err != nil {
			return result, fmt.Errorf("update status: %w", err)
		}
		if len(result.Cancelled) > 0 {
			g.logger.Warn("status override cancelled reservations",
				zap.String("equipmentID", id.String()),
				zap.String("status", string(to)),
				zap.Int("cancelled", len(result.Cancelled)),
			)
		}
		result.Equipment = updated
		result.Changed = true
		return result, nil
	}
}

// cancel cancels conflicts and records them in result as it goes.
func (g *Gate) cancel(ctx context.Context, result *Transition, conflicts []rental.Interval) error {
	for _, iv := range conflicts {
		cancelled, err := g.index.Cancel(ctx, iv.ID)
		if errors.Is(err, rental.ErrAlreadyCancelled) {
			continue
		}
		if err != nil {
			return fmt.Errorf("cancel interval %s: %w", iv.ID, err)
		}
		result.Cancelled = append(result.Cancelled, cancelled)
	}
	return nil
}
