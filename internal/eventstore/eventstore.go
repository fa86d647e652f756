// internal/eventstore/eventstore.go
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
	ErrStreamMismatch      = errors.New("event belongs to another aggregate type")
)

// AggregateType names the kind of stream an event is recorded in.
type AggregateType string

const (
	AggregateInterval  AggregateType = "interval"
	AggregateEquipment AggregateType = "equipment"
)

// Stream identifies one aggregate history.
type Stream struct {
	ID   uuid.UUID
	Type AggregateType
}

// StreamOf returns the stream e is recorded in: the booking interval for
// booking events, the unit for equipment events.
func StreamOf(e rental.Event) Stream {
	return Stream{ID: e.AggregateID(), Type: AggregateType(e.AggregateType())}
}

// Record is a stored event with its position in the log.
type Record struct {
	Seq        int64
	Stream     Stream
	Event      rental.Event
	RecordedAt time.Time
}

// Store keeps aggregate histories. Versions within a stream are consecutive
// from 1 and come from the events themselves.
type Store interface {
	// Append adds events to stream. The first event's Version must be one past
	// the stream's current version, else ErrConcurrencyConflict.
	Append(ctx context.Context, stream Stream, events ...rental.Event) error
	// Load returns the records of aggregate id with from <= Version, and
	// Version <= to when to is positive, oldest first.
	Load(ctx context.Context, id uuid.UUID, from, to int) ([]Record, error)
}

// checkBatch validates the versions of an append and returns the version the
// stream must currently be at.
func checkBatch(stream Stream, events []rental.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	base := events[0].Version - 1
	if base < 0 {
		return 0, ErrInvalidVersion
	}
	for i, e := range events {
		if e.Version != base+i+1 {
			return 0, ErrInvalidVersion
		}
		if StreamOf(e) != stream {
			return 0, fmt.Errorf("%w: %s event for %s", ErrStreamMismatch, e.Type, stream.ID)
		}
	}
	return base, nil
}

// Schema creates the ledger_events table. payload holds the full
// rental.Event; the other columns index it.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	equipment_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	version INT NOT NULL CHECK (version > 0),
	payload JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS ledger_events_equipment ON ledger_events (equipment_id, seq);
`

// EventStore is the Postgres Store.
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Store = (*EventStore)(nil)

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db, tracer: otel.Tracer("rentalnexus/eventstore")}
}

func (es *EventStore) EnsureSchema(ctx context.Context) error {
	if _, err := es.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create ledger_events: %w", err)
	}
	return nil
}

func (es *EventStore) Append(ctx context.Context, stream Stream, events ...rental.Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", stream.ID.String()),
			attribute.String("aggregate.type", string(stream.Type)),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	base, err := checkBatch(stream, events)
	if err != nil || len(events) == 0 {
		return err
	}

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		current int
		typ     sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0), MIN(aggregate_type)
		FROM ledger_events
		WHERE aggregate_id = $1`, stream.ID).Scan(&current, &typ)
	if err != nil {
		return fmt.Errorf("read stream version: %w", err)
	}
	if typ.Valid && AggregateType(typ.String) != stream.Type {
		return fmt.Errorf("%w: stream %s is %s", ErrStreamMismatch, stream.ID, typ.String)
	}
	if current != base {
		span.SetAttributes(attribute.Int("actual.version", current), attribute.Bool("conflict.detected", true))
		return ErrConcurrencyConflict
	}

	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", e.Type, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_events (aggregate_id, aggregate_type, equipment_id, event_type, version, payload)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			stream.ID, string(stream.Type), e.EquipmentID, e.Type, e.Version, payload)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConcurrencyConflict
		}
		if err != nil {
			return fmt.Errorf("insert %s v%d: %w", e.Type, e.Version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (es *EventStore) Load(ctx context.Context, id uuid.UUID, from, to int) ([]Record, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(attribute.String("aggregate.id", id.String())),
	)
	defer span.End()

	if to <= 0 {
		to = int(^uint32(0) >> 1)
	}
	rows, err := es.db.QueryContext(ctx, `
		SELECT seq, aggregate_type, payload, recorded_at
		FROM ledger_events
		WHERE aggregate_id = $1 AND version BETWEEN $2 AND $3
		ORDER BY version ASC`, id, from, to)
	if err != nil {
		return nil, fmt.Errorf("query stream: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			typ     string
			payload []byte
		)
		if err := rows.Scan(&rec.Seq, &typ, &payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Event); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", rec.Seq, err)
		}
		rec.Stream = Stream{ID: id, Type: AggregateType(typ)}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream: %w", err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(out)))
	return out, nil
}
