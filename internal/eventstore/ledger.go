// internal/eventstore/ledger.go
package eventstore

import (
	"context"
	"fmt"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// Ledger records committed engine events as aggregate histories: one stream
// per booking interval and one per equipment unit. The event's Version is the
// aggregate version after the change, so a replayed or skipped version is
// refused.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Name() string { return "ledger" }

// Publish appends e to its aggregate's stream.
func (l *Ledger) Publish(ctx context.Context, e rental.Event) error {
	if err := l.store.Append(ctx, StreamOf(e), e); err != nil {
		return fmt.Errorf("record %s v%d: %w", e.Type, e.Version, err)
	}
	return nil
}

// History returns the events recorded for an aggregate, oldest first.
func (l *Ledger) History(ctx context.Context, aggregateID uuid.UUID) ([]rental.Event, error) {
	return l.Between(ctx, aggregateID, 0, 0)
}

// Between returns the aggregate's events with versions in [from, to]; to <= 0
// leaves the range open.
func (l *Ledger) Between(ctx context.Context, aggregateID uuid.UUID, from, to int) ([]rental.Event, error) {
	records, err := l.store.Load(ctx, aggregateID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]rental.Event, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Event)
	}
	return out, nil
}
