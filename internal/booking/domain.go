// internal/booking/domain.go
package booking

import (
	"time"

	"github.com/google/uuid"
)

// BookingRequest asks for Quantity units of EquipmentID over [Start, End).
// With Hold set the booking is committed as PENDING and lapses after the
// configured hold TTL unless confirmed.
type BookingRequest struct {
	EquipmentID uuid.UUID `json:"equipment_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Quantity    int       `json:"quantity"`
	Hold        bool      `json:"hold"`
}

// MaintenanceRequest takes Quantity units of EquipmentID out of service over
// [Start, End).
type MaintenanceRequest struct {
	EquipmentID uuid.UUID `json:"equipment_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Quantity    int       `json:"quantity"`
}

// Amendment changes a pending booking. Nil fields are left as they are.
type Amendment struct {
	Quantity *int       `json:"quantity,omitempty"`
	End      *time.Time `json:"end,omitempty"`
}
