// internal/availability/calculator.go
package availability

import (
	"context"
	"fmt"
	"iter"
	"time"

	"rentalnexus/internal/interval"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EquipmentLookup resolves an equipment id to its current record.
type EquipmentLookup interface {
	Get(ctx context.Context, id uuid.UUID) (rental.Equipment, error)
}

// Calculator turns the committed intervals of a unit into free quantity over
// time. It holds no state of its own.
type Calculator struct {
	index     interval.Index
	equipment EquipmentLookup
	logger    *zap.Logger
	strict    bool
}

// NewCalculator creates a calculator. In strict mode a negative free
// quantity is reported as *rental.InvariantError instead of being logged and
// clamped to zero.
func NewCalculator(index interval.Index, equipment EquipmentLookup, logger *zap.Logger, strict bool) *Calculator {
	return &Calculator{index: index, equipment: equipment, logger: logger, strict: strict}
}

// Availability partitions [start, end) into windows of constant free quantity.
func (c *Calculator) Availability(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Window, error) {
	if end.Before(start) {
		return nil, rental.Invalidf("range end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	unit, err := c.equipment.Get(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	return c.Excluding(ctx, unit, start, end, uuid.Nil)
}

// Excluding is Availability for a known unit, ignoring the interval with id
// exclude so a booking can be re-checked against everything but itself.
func (c *Calculator) Excluding(ctx context.Context, unit rental.Equipment, start, end time.Time, exclude uuid.UUID) ([]rental.Window, error) {
	if !end.After(start) {
		return []rental.Window{}, nil
	}
	intervals, err := c.index.Query(ctx, unit.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query intervals: %w", err)
	}

	out := []rental.Window{}
	for w, err := range c.Windows(unit, rental.ActiveOverlapping(intervals, start, end, exclude), start, end) {
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Windows lazily yields the availability windows of unit over [start, end).
// Iteration stops after the first error.
func (c *Calculator) Windows(unit rental.Equipment, intervals []rental.Interval, start, end time.Time) iter.Seq2[rental.Window, error] {
	return func(yield func(rental.Window, error) bool) {
		var (
			pending rental.Window
			have    bool
		)
		for step := range rental.Steps(intervals, start, end) {
			free := unit.TotalQuantity - step.Load
			if free < 0 {
				violation := &rental.InvariantError{EquipmentID: unit.ID, Committed: step.Load, Total: unit.TotalQuantity}
				if c.strict {
					yield(rental.Window{}, violation)
					return
				}
				c.logger.Error("committed quantity exceeds total",
					zap.String("equipmentID", unit.ID.String()),
					zap.Int("committed", step.Load),
					zap.Int("total", unit.TotalQuantity),
					zap.Time("from", step.Start),
					zap.Time("to", step.End),
				)
				free = 0
			}
			// clamping can make neighbours equal
			if have && pending.FreeQuantity == free {
				pending.End = step.End
				continue
			}
			if have && !yield(pending, nil) {
				return
			}
			pending, have = rental.Window{Start: step.Start, End: step.End, FreeQuantity: free}, true
		}
		if have {
			yield(pending, nil)
		}
	}
}

// Shortfall returns the windows that cannot serve quantity.
func Shortfall(windows []rental.Window, quantity int) []rental.Window {
	var out []rental.Window
	for _, w := range windows {
		if w.FreeQuantity < quantity {
			out = append(out, w)
		}
	}
	return out
}

// PeakFrom returns the highest committed load of the unit at or after from.
func (c *Calculator) PeakFrom(ctx context.Context, equipmentID uuid.UUID, from time.Time) (int, error) {
	intervals, err := c.index.Query(ctx, equipmentID, from, rental.EndOfTime)
	if err != nil {
		return 0, fmt.Errorf("query intervals: %w", err)
	}
	return rental.Peak(intervals, from, rental.EndOfTime), nil
}
