// internal/notify/notify.go

// Package notify delivers committed engine events to downstream consumers.
// Delivery happens after the change is durable, so a failed publish never
// rolls back a booking.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"rentalnexus/internal/rental"

	"go.uber.org/zap"
)

// Publisher receives committed events in commit order per equipment unit.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, e rental.Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Name() string                                { return "nop" }
func (Nop) Publish(context.Context, rental.Event) error { return nil }

// Fanout publishes to every sink in order. A failing sink is logged and does
// not stop the others; the joined error is returned.
type Fanout struct {
	sinks  []Publisher
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Publish(ctx context.Context, e rental.Event) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			f.logger.Error("event delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("type", e.Type),
				zap.String("equipmentID", e.EquipmentID.String()),
				zap.Int("version", e.Version),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// encode is the wire form shared by the broker sinks.
func encode(e rental.Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}
