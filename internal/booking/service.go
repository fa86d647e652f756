// internal/booking/service.go
package booking

import (
	"context"
	"time"

	"rentalnexus/internal/equipment"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// Service is the single entry point for every booking and equipment
// mutation. Calls for the same equipment are serialized; calls for different
// equipment run in parallel.
type Service interface {
	RequestBooking(ctx context.Context, req BookingRequest) (rental.Interval, error)
	BlockMaintenance(ctx context.Context, req MaintenanceRequest) (rental.Interval, error)
	ModifyQuantity(ctx context.Context, id uuid.UUID, quantity int) (rental.Interval, error)
	ExtendBooking(ctx context.Context, id uuid.UUID, end time.Time) (rental.Interval, error)
	ConfirmBooking(ctx context.Context, id uuid.UUID) (rental.Interval, error)
	CancelBooking(ctx context.Context, id uuid.UUID) (rental.Interval, error)
	ExpireHolds(ctx context.Context) ([]rental.Interval, error)

	Availability(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Window, error)
	Bookings(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error)
	History(ctx context.Context, intervalID uuid.UUID) ([]rental.Event, error)

	RegisterEquipment(ctx context.Context, name string, totalQuantity int) (rental.Equipment, error)
	GetEquipment(ctx context.Context, id uuid.UUID) (rental.Equipment, error)
	SetStatus(ctx context.Context, id uuid.UUID, status rental.Status, override bool) (equipment.Transition, error)
	SetTotalQuantity(ctx context.Context, id uuid.UUID, total int) (rental.Equipment, error)
}
