// internal/equipment/postgres.go
package equipment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rentalnexus/internal/interval"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Schema creates the equipment table.
const Schema = `
CREATE TABLE IF NOT EXISTS equipment (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	total_quantity INT NOT NULL CHECK (total_quantity >= 1),
	version INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const equipmentColumns = `id, name, status, total_quantity, version, created_at, updated_at`

// PostgresStore is a Store backed by the equipment table.
type PostgresStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tracer: otel.Tracer("rentalnexus/equipment")}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create equipment: %w", err)
	}
	return nil
}

func scanEquipment(row interface{ Scan(...any) error }) (rental.Equipment, error) {
	var (
		unit   rental.Equipment
		status string
	)
	if err := row.Scan(&unit.ID, &unit.Name, &status, &unit.TotalQuantity, &unit.Version, &unit.CreatedAt, &unit.UpdatedAt); err != nil {
		return rental.Equipment{}, err
	}
	unit.Status = rental.Status(status)
	return unit, nil
}

func (s *PostgresStore) Create(ctx context.Context, unit rental.Equipment) (rental.Equipment, error) {
	ctx, span := s.tracer.Start(ctx, "equipment.create")
	defer span.End()

	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	created, err := scanEquipment(s.db.QueryRowContext(ctx, `
		INSERT INTO equipment (id, name, status, total_quantity, version)
		VALUES ($1, $2, $3, $4, 1)
		RETURNING `+equipmentColumns,
		unit.ID, unit.Name, string(unit.Status), unit.TotalQuantity,
	))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return rental.Equipment{}, rental.Invalidf("equipment %s already exists", unit.ID)
		}
		span.RecordError(err)
		return rental.Equipment{}, fmt.Errorf("insert equipment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (rental.Equipment, error) {
	ctx, span := s.tracer.Start(ctx, "equipment.get",
		trace.WithAttributes(attribute.String("equipment.id", id.String())),
	)
	defer span.End()

	unit, err := scanEquipment(s.db.QueryRowContext(ctx, `SELECT `+equipmentColumns+` FROM equipment WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rental.Equipment{}, rental.ErrNotFound
	}
	if err != nil {
		return rental.Equipment{}, fmt.Errorf("get equipment: %w", err)
	}
	return unit, nil
}

// UpdateStatus re-checks, under the unit's advisory lock, that no confirmed
// reservation is still open when the target is MAINTENANCE or RETIRED. A
// booking committed by another process after the gate's own check surfaces
// here as *rental.HasActiveCommitmentsError.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status rental.Status, expectedVersion int) (rental.Equipment, error) {
	return s.update(ctx, "equipment.update_status", id, expectedVersion, `status = $3`, string(status), func(tx *sql.Tx) error {
		if !guarded(status) {
			return nil
		}
		open, err := openCommitments(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return &rental.HasActiveCommitmentsError{EquipmentID: id, Target: status, Intervals: open}
		}
		return nil
	})
}

// UpdateTotal re-checks the committed peak from now on under the unit's
// advisory lock before shrinking the pool.
func (s *PostgresStore) UpdateTotal(ctx context.Context, id uuid.UUID, total int, expectedVersion int) (rental.Equipment, error) {
	return s.update(ctx, "equipment.update_total", id, expectedVersion, `total_quantity = $3`, total, func(tx *sql.Tx) error {
		now, err := dbNow(ctx, tx)
		if err != nil {
			return err
		}
		active, err := interval.ActiveTx(ctx, tx, id, now, rental.EndOfTime)
		if err != nil {
			return err
		}
		if peak := rental.Peak(active, now, rental.EndOfTime); total < peak {
			return rental.Invalidf("total quantity %d is below the %d already committed", total, peak)
		}
		return nil
	})
}

// ReadLocked is an interval.UnitReader over the equipment table.
func (s *PostgresStore) ReadLocked(ctx context.Context, tx *sql.Tx, id uuid.UUID) (int, rental.Status, bool, error) {
	var (
		total  int
		status string
	)
	err := tx.QueryRowContext(ctx, `SELECT total_quantity, status FROM equipment WHERE id = $1`, id).Scan(&total, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	return total, rental.Status(status), true, nil
}

func dbNow(ctx context.Context, tx *sql.Tx) (time.Time, error) {
	var now time.Time
	if err := tx.QueryRowContext(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	return now.UTC(), nil
}

// openCommitments lists the confirmed reservations of the unit that end
// after the database clock, as seen by tx.
func openCommitments(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]rental.Interval, error) {
	now, err := dbNow(ctx, tx)
	if err != nil {
		return nil, err
	}
	active, err := interval.ActiveTx(ctx, tx, id, now, rental.EndOfTime)
	if err != nil {
		return nil, err
	}
	var out []rental.Interval
	for _, iv := range active {
		if iv.State == rental.StateConfirmed && iv.Kind == rental.KindReservation {
			out = append(out, iv)
		}
	}
	return out, nil
}

// update applies a versioned change inside a transaction holding the unit's
// advisory lock, after check passes.
func (s *PostgresStore) update(ctx context.Context, op string, id uuid.UUID, expectedVersion int, set string, value any, check func(tx *sql.Tx) error) (rental.Equipment, error) {
	ctx, span := s.tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("equipment.id", id.String()),
			attribute.Int("expected.version", expectedVersion),
		),
	)
	defer span.End()

	var unit rental.Equipment
	err := interval.WithEquipmentLock(ctx, s.db, id, func(tx *sql.Tx) error {
		var version int
		err := tx.QueryRowContext(ctx, `SELECT version FROM equipment WHERE id = $1`, id).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return rental.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get equipment: %w", err)
		}
		if version != expectedVersion {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return ErrVersionConflict
		}
		if err := check(tx); err != nil {
			return err
		}
		unit, err = scanEquipment(tx.QueryRowContext(ctx, `
			UPDATE equipment
			SET `+set+`, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING `+equipmentColumns, id, expectedVersion, value))
		if err != nil {
			return fmt.Errorf("update equipment: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return rental.Equipment{}, err
	}
	return unit, nil
}
