// internal/rental/domain.go
package rental

import (
	"time"

	"github.com/google/uuid"
)

// Status is the operational status of an equipment unit.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusRented      Status = "RENTED"
	StatusMaintenance Status = "MAINTENANCE"
	StatusBroken      Status = "BROKEN"
	StatusRetired     Status = "RETIRED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusRented, StatusMaintenance, StatusBroken, StatusRetired:
		return true
	}
	return false
}

// Accepts reports whether a unit in status s takes new intervals of kind k.
// Retired units take nothing; broken units take only maintenance blocks.
func (s Status) Accepts(k Kind) bool {
	switch s {
	case StatusRetired:
		return false
	case StatusBroken:
		return k == KindMaintenanceBlock
	}
	return true
}

// Kind distinguishes customer reservations from maintenance blocks.
type Kind string

const (
	KindReservation      Kind = "RESERVATION"
	KindMaintenanceBlock Kind = "MAINTENANCE_BLOCK"
)

// State is the lifecycle state of a booking interval.
type State string

const (
	StatePending   State = "PENDING"
	StateConfirmed State = "CONFIRMED"
	StateCancelled State = "CANCELLED"
)

// EndOfTime bounds open-ended queries such as "now or the future".
var EndOfTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Equipment is a trackable unit or a fungible pool of identical equipment.
type Equipment struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	TotalQuantity int       `json:"total_quantity"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Interval is a time-bounded claim on some quantity of an equipment unit.
// The range is half-open: [Start, End).
type Interval struct {
	ID            uuid.UUID  `json:"id"`
	EquipmentID   uuid.UUID  `json:"equipment_id"`
	Start         time.Time  `json:"start"`
	End           time.Time  `json:"end"`
	Quantity      int        `json:"quantity"`
	Kind          Kind       `json:"kind"`
	State         State      `json:"state"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Active reports whether the interval counts against availability.
func (iv Interval) Active() bool {
	return iv.State == StatePending || iv.State == StateConfirmed
}

// Overlaps reports whether the interval intersects [start, end).
func (iv Interval) Overlaps(start, end time.Time) bool {
	return iv.Start.Before(end) && iv.End.After(start)
}

// Window is a maximal sub-range of a query with constant free quantity.
type Window struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	FreeQuantity int       `json:"free_quantity"`
}

// Event types published after a successful commit.
const (
	EventEquipmentRegistered    = "EquipmentRegistered"
	EventEquipmentStatusChanged = "EquipmentStatusChanged"
	EventEquipmentResized       = "EquipmentResized"
	EventBookingCommitted       = "BookingCommitted"
	EventBookingAmended         = "BookingAmended"
	EventBookingConfirmed       = "BookingConfirmed"
	EventBookingCancelled       = "BookingCancelled"
)

// Event describes a committed change. Exactly one of Interval or Equipment is set.
type Event struct {
	Type        string     `json:"type"`
	EquipmentID uuid.UUID  `json:"equipment_id"`
	IntervalID  uuid.UUID  `json:"interval_id,omitempty"`
	Version     int        `json:"version"`
	At          time.Time  `json:"at"`
	Interval    *Interval  `json:"interval,omitempty"`
	Equipment   *Equipment `json:"equipment,omitempty"`
}

// AggregateID returns the id the event is recorded against.
func (e Event) AggregateID() uuid.UUID {
	if e.Interval != nil {
		return e.IntervalID
	}
	return e.EquipmentID
}

// AggregateType is "interval" for booking events and "equipment" otherwise.
func (e Event) AggregateType() string {
	if e.Interval != nil {
		return "interval"
	}
	return "equipment"
}
