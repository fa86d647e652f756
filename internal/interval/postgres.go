// internal/interval/postgres.go
package interval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Schema creates the booking_intervals table.
const Schema = `
CREATE TABLE IF NOT EXISTS booking_intervals (
	id UUID PRIMARY KEY,
	seq BIGSERIAL,
	equipment_id UUID NOT NULL,
	starts_at TIMESTAMPTZ NOT NULL,
	ends_at TIMESTAMPTZ NOT NULL,
	quantity INT NOT NULL CHECK (quantity > 0),
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	hold_expires_at TIMESTAMPTZ,
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK (starts_at < ends_at)
);
CREATE INDEX IF NOT EXISTS booking_intervals_equipment_range
	ON booking_intervals (equipment_id, starts_at, ends_at);
CREATE INDEX IF NOT EXISTS booking_intervals_holds
	ON booking_intervals (hold_expires_at) WHERE state = 'PENDING';
`

const intervalColumns = `id, equipment_id, starts_at, ends_at, quantity, kind, state, hold_expires_at, version, created_at, updated_at`

// UnitReader reads the stored total quantity and status of a unit inside tx,
// which already holds the unit's advisory lock. found is false for a unit
// without a row.
type UnitReader func(ctx context.Context, tx *sql.Tx, equipmentID uuid.UUID) (total int, status rental.Status, found bool, err error)

// PostgresIndex stores intervals in Postgres. Writes for one equipment id are
// serialized with a transaction-scoped advisory lock keyed by that id, so
// several engine processes can share the table.
type PostgresIndex struct {
	db     *sql.DB
	units  UnitReader
	tracer trace.Tracer
}

var _ Index = (*PostgresIndex)(nil)

func NewPostgresIndex(db *sql.DB) *PostgresIndex {
	return &PostgresIndex{
		db:     db,
		tracer: otel.Tracer("rentalnexus/interval"),
	}
}

// WithUnits makes Insert and Amend re-read the unit through read under the
// advisory lock. The stored total replaces the capacity argument and the
// stored status must accept the interval's kind, so a resize or status change
// committed by another process between the caller's read and the write is
// honoured.
func (p *PostgresIndex) WithUnits(read UnitReader) *PostgresIndex {
	p.units = read
	return p
}

// EnsureSchema applies Schema.
func (p *PostgresIndex) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create booking_intervals: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInterval(row scanner) (rental.Interval, error) {
	var (
		iv   rental.Interval
		hold sql.NullTime
		kind string
		st   string
	)
	err := row.Scan(&iv.ID, &iv.EquipmentID, &iv.Start, &iv.End, &iv.Quantity, &kind, &st, &hold, &iv.Version, &iv.CreatedAt, &iv.UpdatedAt)
	if err != nil {
		return rental.Interval{}, err
	}
	iv.Kind = rental.Kind(kind)
	iv.State = rental.State(st)
	if hold.Valid {
		t := hold.Time
		iv.HoldExpiresAt = &t
	}
	return iv, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ActiveTx returns the pending and confirmed intervals of the unit overlapping
// [start, end) as seen by tx.
func ActiveTx(ctx context.Context, tx *sql.Tx, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error) {
	return queryOverlapping(ctx, tx, equipmentID, start, end, true)
}

func queryOverlapping(ctx context.Context, q querier, equipmentID uuid.UUID, start, end time.Time, activeOnly bool) ([]rental.Interval, error) {
	query := `SELECT ` + intervalColumns + `
		FROM booking_intervals
		WHERE equipment_id = $1 AND starts_at < $3 AND ends_at > $2`
	if activeOnly {
		query += ` AND state IN ('PENDING', 'CONFIRMED')`
	}
	query += ` ORDER BY starts_at ASC, seq ASC`

	rows, err := q.QueryContext(ctx, query, equipmentID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query intervals: %w", err)
	}
	defer rows.Close()

	out := []rental.Interval{}
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervals: %w", err)
	}
	return out, nil
}

func (p *PostgresIndex) Query(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.query",
		trace.WithAttributes(attribute.String("equipment.id", equipmentID.String())),
	)
	defer span.End()

	out, err := queryOverlapping(ctx, p.db, equipmentID, start, end, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("intervals.found", len(out)))
	return out, nil
}

func (p *PostgresIndex) Get(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.get",
		trace.WithAttributes(attribute.String("interval.id", id.String())),
	)
	defer span.End()

	iv, err := scanInterval(p.db.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM booking_intervals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rental.Interval{}, rental.ErrNotFound
	}
	if err != nil {
		return rental.Interval{}, fmt.Errorf("get interval: %w", err)
	}
	return iv, nil
}

// LockEquipment takes the unit's advisory lock for the rest of tx. Every
// write that depends on the unit's load, total or status takes it.
func LockEquipment(ctx context.Context, tx *sql.Tx, equipmentID uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, equipmentID.String()); err != nil {
		return fmt.Errorf("lock equipment %s: %w", equipmentID, err)
	}
	return nil
}

// WithEquipmentLock runs fn in a transaction holding the unit's advisory lock
// until commit or rollback.
func WithEquipmentLock(ctx context.Context, db *sql.DB, equipmentID uuid.UUID, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := LockEquipment(ctx, tx, equipmentID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// lockedCapacity returns the capacity a write must respect: the stored total
// when a UnitReader is configured and the unit has a row, else capacity.
func (p *PostgresIndex) lockedCapacity(ctx context.Context, tx *sql.Tx, equipmentID uuid.UUID, kind rental.Kind, capacity int) (int, error) {
	if p.units == nil {
		return capacity, nil
	}
	total, status, found, err := p.units(ctx, tx, equipmentID)
	if err != nil {
		return 0, fmt.Errorf("read equipment %s: %w", equipmentID, err)
	}
	if !found {
		return capacity, nil
	}
	if !status.Accepts(kind) {
		return 0, &rental.EquipmentUnavailableError{EquipmentID: equipmentID, Status: status}
	}
	return total, nil
}

func (p *PostgresIndex) Insert(ctx context.Context, iv rental.Interval, capacity int) (rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.insert",
		trace.WithAttributes(
			attribute.String("equipment.id", iv.EquipmentID.String()),
			attribute.Int("quantity", iv.Quantity),
			attribute.Int("capacity", capacity),
		),
	)
	defer span.End()

	if err := validate(iv); err != nil {
		return rental.Interval{}, err
	}

	var committed rental.Interval
	err := WithEquipmentLock(ctx, p.db, iv.EquipmentID, func(tx *sql.Tx) error {
		capacity, err := p.lockedCapacity(ctx, tx, iv.EquipmentID, iv.Kind, capacity)
		if err != nil {
			return err
		}
		existing, err := queryOverlapping(ctx, tx, iv.EquipmentID, iv.Start, iv.End, true)
		if err != nil {
			return err
		}
		if err := admit(existing, iv.EquipmentID, uuid.Nil, iv.Start, iv.End, iv.Quantity, capacity); err != nil {
			return err
		}

		var hold any
		if iv.HoldExpiresAt != nil {
			hold = iv.HoldExpiresAt.UTC()
		}
		row := tx.QueryRowContext(ctx, `
			INSERT INTO booking_intervals (id, equipment_id, starts_at, ends_at, quantity, kind, state, hold_expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			RETURNING `+intervalColumns,
			uuid.New(), iv.EquipmentID, iv.Start.UTC(), iv.End.UTC(), iv.Quantity, string(iv.Kind), string(iv.State), hold,
		)
		committed, err = scanInterval(row)
		if err != nil {
			return fmt.Errorf("insert interval: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("conflict.detected", isConflict(err)))
		return rental.Interval{}, err
	}
	span.SetAttributes(attribute.String("interval.id", committed.ID.String()))
	return committed, nil
}

func isConflict(err error) bool {
	var conflict *rental.ConflictError
	return errors.As(err, &conflict)
}

// mutate locks the interval's equipment, reloads the row and hands it to fn.
func (p *PostgresIndex) mutate(ctx context.Context, id uuid.UUID, fn func(tx *sql.Tx, iv rental.Interval) (rental.Interval, error)) (rental.Interval, error) {
	var equipmentID uuid.UUID
	err := p.db.QueryRowContext(ctx, `SELECT equipment_id FROM booking_intervals WHERE id = $1`, id).Scan(&equipmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return rental.Interval{}, rental.ErrNotFound
	}
	if err != nil {
		return rental.Interval{}, fmt.Errorf("find interval owner: %w", err)
	}

	var out rental.Interval
	err = WithEquipmentLock(ctx, p.db, equipmentID, func(tx *sql.Tx) error {
		current, err := scanInterval(tx.QueryRowContext(ctx, `SELECT `+intervalColumns+` FROM booking_intervals WHERE id = $1`, id))
		if err != nil {
			return fmt.Errorf("reload interval: %w", err)
		}
		out, err = fn(tx, current)
		return err
	})
	if err != nil {
		return rental.Interval{}, err
	}
	return out, nil
}

func (p *PostgresIndex) Amend(ctx context.Context, id uuid.UUID, end time.Time, quantity, capacity int) (rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.amend",
		trace.WithAttributes(
			attribute.String("interval.id", id.String()),
			attribute.Int("quantity", quantity),
			attribute.Int("capacity", capacity),
		),
	)
	defer span.End()

	out, err := p.mutate(ctx, id, func(tx *sql.Tx, iv rental.Interval) (rental.Interval, error) {
		if err := amendable(iv); err != nil {
			return rental.Interval{}, err
		}
		if quantity < 1 {
			return rental.Interval{}, rental.Invalidf("quantity must be at least 1, got %d", quantity)
		}
		if !iv.Start.Before(end) {
			return rental.Interval{}, rental.Invalidf("end must be after start %s", iv.Start.Format(time.RFC3339))
		}
		capacity, err := p.lockedCapacity(ctx, tx, iv.EquipmentID, iv.Kind, capacity)
		if err != nil {
			return rental.Interval{}, err
		}
		existing, err := queryOverlapping(ctx, tx, iv.EquipmentID, iv.Start, end, true)
		if err != nil {
			return rental.Interval{}, err
		}
		if err := admit(existing, iv.EquipmentID, id, iv.Start, end, quantity, capacity); err != nil {
			return rental.Interval{}, err
		}
		return scanInterval(tx.QueryRowContext(ctx, `
			UPDATE booking_intervals
			SET ends_at = $1, quantity = $2, version = version + 1, updated_at = NOW()
			WHERE id = $3
			RETURNING `+intervalColumns, end.UTC(), quantity, id))
	})
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

func (p *PostgresIndex) Confirm(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.confirm",
		trace.WithAttributes(attribute.String("interval.id", id.String())),
	)
	defer span.End()

	return p.mutate(ctx, id, func(tx *sql.Tx, iv rental.Interval) (rental.Interval, error) {
		switch iv.State {
		case rental.StateCancelled:
			return rental.Interval{}, rental.ErrAlreadyCancelled
		case rental.StateConfirmed:
			return iv, nil
		}
		return scanInterval(tx.QueryRowContext(ctx, `
			UPDATE booking_intervals
			SET state = 'CONFIRMED', hold_expires_at = NULL, version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+intervalColumns, id))
	})
}

func (p *PostgresIndex) Cancel(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.cancel",
		trace.WithAttributes(attribute.String("interval.id", id.String())),
	)
	defer span.End()

	return p.mutate(ctx, id, func(tx *sql.Tx, iv rental.Interval) (rental.Interval, error) {
		if iv.State == rental.StateCancelled {
			return rental.Interval{}, rental.ErrAlreadyCancelled
		}
		return scanInterval(tx.QueryRowContext(ctx, `
			UPDATE booking_intervals
			SET state = 'CANCELLED', version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING `+intervalColumns, id))
	})
}

func (p *PostgresIndex) ExpiredHolds(ctx context.Context, cutoff time.Time) ([]rental.Interval, error) {
	ctx, span := p.tracer.Start(ctx, "interval.expired_holds")
	defer span.End()

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intervalColumns+`
		FROM booking_intervals
		WHERE state = 'PENDING' AND hold_expires_at <= $1
		ORDER BY hold_expires_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired holds: %w", err)
	}
	defer rows.Close()

	var out []rental.Interval
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}
