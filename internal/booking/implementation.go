// internal/booking/implementation.go
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rentalnexus/internal/availability"
	"rentalnexus/internal/equipment"
	"rentalnexus/internal/interval"
	"rentalnexus/internal/notify"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultHoldTTL is how long a PENDING hold lasts when none is configured.
const DefaultHoldTTL = 15 * time.Minute

// HistoryReader loads the recorded events of one aggregate, oldest first.
type HistoryReader interface {
	History(ctx context.Context, aggregateID uuid.UUID) ([]rental.Event, error)
}

// Dependencies wires a Service. Index, Equipment, Calculator and Gate are
// required; the rest have defaults.
type Dependencies struct {
	Index      interval.Index
	Equipment  equipment.Store
	Calculator *availability.Calculator
	Gate       *equipment.Gate
	Publisher  notify.Publisher
	History    HistoryReader
	Logger     *zap.Logger
	HoldTTL    time.Duration
	Now        func() time.Time
}

// service implements the Service interface.
type service struct {
	index      interval.Index
	equipment  equipment.Store
	calculator *availability.Calculator
	gate       *equipment.Gate
	publisher  notify.Publisher
	history    HistoryReader
	logger     *zap.Logger
	holdTTL    time.Duration
	now        func() time.Time

	locks     *keyedMutex
	tracer    trace.Tracer
	committed metric.Int64Counter
	rejected  metric.Int64Counter
}

// NewService creates a new booking service instance.
func NewService(d Dependencies) Service {
	s := &service{
		index:      d.Index,
		equipment:  d.Equipment,
		calculator: d.Calculator,
		gate:       d.Gate,
		publisher:  d.Publisher,
		history:    d.History,
		logger:     d.Logger,
		holdTTL:    d.HoldTTL,
		now:        d.Now,
		locks:      newKeyedMutex(),
		tracer:     otel.Tracer("rentalnexus/booking"),
	}
	if s.publisher == nil {
		s.publisher = notify.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.holdTTL <= 0 {
		s.holdTTL = DefaultHoldTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	meter := otel.Meter("rentalnexus/booking")
	var err error
	if s.committed, err = meter.Int64Counter("bookings.committed",
		metric.WithDescription("Booking intervals committed")); err != nil {
		s.logger.Warn("bookings.committed counter unavailable", zap.Error(err))
		s.committed = noop.Int64Counter{}
	}
	if s.rejected, err = meter.Int64Counter("bookings.rejected",
		metric.WithDescription("Requests rejected with a business error")); err != nil {
		s.logger.Warn("bookings.rejected counter unavailable", zap.Error(err))
		s.rejected = noop.Int64Counter{}
	}
	return s
}

func (s *service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "booking."+op, trace.WithAttributes(attrs...))
}

// finish closes the span of op and accounts for its outcome.
func (s *service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	if reason := rental.Reason(err); reason != "" {
		span.SetAttributes(attribute.String("rejection.reason", reason))
		s.rejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("reason", reason),
		))
		return
	}
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("booking operation failed", zap.String("operation", op), zap.Error(err))
}

// publish hands a committed change to the sinks. It runs under the equipment
// lock so events of one unit leave in commit order. Failures are logged only.
func (s *service) publish(ctx context.Context, e rental.Event) {
	e.At = s.now().UTC()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("commit event not delivered",
			zap.String("type", e.Type),
			zap.String("equipmentID", e.EquipmentID.String()),
			zap.Int("version", e.Version),
			zap.Error(err),
		)
	}
}

func intervalEvent(eventType string, iv rental.Interval) rental.Event {
	return rental.Event{Type: eventType, EquipmentID: iv.EquipmentID, IntervalID: iv.ID, Version: iv.Version, Interval: &iv}
}

func equipmentEvent(eventType string, unit rental.Equipment) rental.Event {
	return rental.Event{Type: eventType, EquipmentID: unit.ID, Version: unit.Version, Equipment: &unit}
}

func validateSpan(equipmentID uuid.UUID, start, end time.Time, quantity int) error {
	if equipmentID == uuid.Nil {
		return rental.Invalidf("equipment id is required")
	}
	if quantity < 1 {
		return rental.Invalidf("quantity must be at least 1, got %d", quantity)
	}
	if !start.Before(end) {
		return rental.Invalidf("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return nil
}

// bookable loads the unit a new interval is requested for. An unknown unit
// is a malformed request here, not a missing resource.
func (s *service) bookable(ctx context.Context, id uuid.UUID, quantity int) (rental.Equipment, error) {
	unit, err := s.equipment.Get(ctx, id)
	if errors.Is(err, rental.ErrNotFound) {
		return rental.Equipment{}, rental.Invalidf("equipment %s does not exist", id)
	}
	if err != nil {
		return rental.Equipment{}, fmt.Errorf("get equipment: %w", err)
	}
	if quantity > unit.TotalQuantity {
		return rental.Equipment{}, rental.Invalidf("quantity %d exceeds total quantity %d", quantity, unit.TotalQuantity)
	}
	return unit, nil
}

// commit runs the availability check and the index insert for a new interval.
func (s *service) commit(ctx context.Context, unit rental.Equipment, iv rental.Interval) (rental.Interval, error) {
	windows, err := s.calculator.Excluding(ctx, unit, iv.Start, iv.End, uuid.Nil)
	if err != nil {
		return rental.Interval{}, err
	}
	if short := availability.Shortfall(windows, iv.Quantity); len(short) > 0 {
		return rental.Interval{}, &rental.InsufficientAvailabilityError{EquipmentID: unit.ID, Requested: iv.Quantity, Windows: short}
	}
	committed, err := s.index.Insert(ctx, iv, unit.TotalQuantity)
	if err != nil {
		return rental.Interval{}, s.lostRace(ctx, unit, iv.Start, iv.End, iv.Quantity, uuid.Nil, err)
	}
	s.committed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(committed.Kind))))
	return committed, nil
}

// lostRace turns an index capacity conflict into the same rejection the
// pre-check gives, with the windows as they are now.
func (s *service) lostRace(ctx context.Context, unit rental.Equipment, start, end time.Time, quantity int, exclude uuid.UUID, err error) error {
	var conflict *rental.ConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	s.logger.Info("index rejected commit after availability check",
		zap.String("equipmentID", unit.ID.String()),
		zap.Int("peak", conflict.Peak),
		zap.Int("capacity", conflict.Capacity),
	)
	windows, werr := s.calculator.Excluding(ctx, unit, start, end, exclude)
	if werr != nil {
		s.logger.Warn("could not recompute windows for rejection",
			zap.String("equipmentID", unit.ID.String()),
			zap.Error(werr),
		)
		windows = nil
	}
	return &rental.InsufficientAvailabilityError{EquipmentID: unit.ID, Requested: quantity, Windows: availability.Shortfall(windows, quantity)}
}

// RequestBooking checks status and availability and commits a reservation.
func (s *service) RequestBooking(ctx context.Context, req BookingRequest) (iv rental.Interval, err error) {
	ctx, span := s.start(ctx, "request_booking",
		attribute.String("equipment.id", req.EquipmentID.String()),
		attribute.Int("quantity", req.Quantity),
		attribute.Bool("hold", req.Hold),
	)
	defer func() { s.finish(ctx, span, "request_booking", err) }()

	if err := validateSpan(req.EquipmentID, req.Start, req.End, req.Quantity); err != nil {
		return rental.Interval{}, err
	}

	unlock := s.locks.Lock(req.EquipmentID)
	defer unlock()

	unit, err := s.bookable(ctx, req.EquipmentID, req.Quantity)
	if err != nil {
		return rental.Interval{}, err
	}
	if !equipment.Bookable(unit.Status) {
		return rental.Interval{}, &rental.EquipmentUnavailableError{EquipmentID: unit.ID, Status: unit.Status}
	}

	candidate := rental.Interval{
		EquipmentID: unit.ID,
		Start:       req.Start.UTC(),
		End:         req.End.UTC(),
		Quantity:    req.Quantity,
		Kind:        rental.KindReservation,
		State:       rental.StateConfirmed,
	}
	if req.Hold {
		expires := s.now().Add(s.holdTTL).UTC()
		candidate.State = rental.StatePending
		candidate.HoldExpiresAt = &expires
	}

	committed, err := s.commit(ctx, unit, candidate)
	if err != nil {
		return rental.Interval{}, err
	}
	s.publish(ctx, intervalEvent(rental.EventBookingCommitted, committed))
	return committed, nil
}

// BlockMaintenance takes quantity out of service the same way a reservation
// does. Only retired equipment refuses a block.
func (s *service) BlockMaintenance(ctx context.Context, req MaintenanceRequest) (iv rental.Interval, err error) {
	ctx, span := s.start(ctx, "block_maintenance",
		attribute.String("equipment.id", req.EquipmentID.String()),
		attribute.Int("quantity", req.Quantity),
	)
	defer func() { s.finish(ctx, span, "block_maintenance", err) }()

	if err := validateSpan(req.EquipmentID, req.Start, req.End, req.Quantity); err != nil {
		return rental.Interval{}, err
	}

	unlock := s.locks.Lock(req.EquipmentID)
	defer unlock()

	unit, err := s.bookable(ctx, req.EquipmentID, req.Quantity)
	if err != nil {
		return rental.Interval{}, err
	}
	if unit.Status == rental.StatusRetired {
		return rental.Interval{}, &rental.EquipmentUnavailableError{EquipmentID: unit.ID, Status: unit.Status}
	}

	committed, err := s.commit(ctx, unit, rental.Interval{
		EquipmentID: unit.ID,
		Start:       req.Start.UTC(),
		End:         req.End.UTC(),
		Quantity:    req.Quantity,
		Kind:        rental.KindMaintenanceBlock,
		State:       rental.StateConfirmed,
	})
	if err != nil {
		return rental.Interval{}, err
	}
	s.publish(ctx, intervalEvent(rental.EventBookingCommitted, committed))
	return committed, nil
}

// lockInterval resolves the equipment of interval id, takes its lock and
// re-reads the interval under it. The caller must call the returned unlock.
func (s *service) lockInterval(ctx context.Context, id uuid.UUID) (rental.Interval, func(), error) {
	current, err := s.index.Get(ctx, id)
	if err != nil {
		return rental.Interval{}, nil, err
	}
	unlock := s.locks.Lock(current.EquipmentID)
	current, err = s.index.Get(ctx, id)
	if err != nil {
		unlock()
		return rental.Interval{}, nil, err
	}
	return current, unlock, nil
}

func (s *service) ModifyQuantity(ctx context.Context, id uuid.UUID, quantity int) (iv rental.Interval, err error) {
	ctx, span := s.start(ctx, "modify_quantity", attribute.String("interval.id", id.String()), attribute.Int("quantity", quantity))
	defer func() { s.finish(ctx, span, "modify_quantity", err) }()

	return s.amend(ctx, id, func(current rental.Interval) (time.Time, int) {
		return current.End, quantity
	})
}

// ExtendBooking moves the end of a pending booking. Moving it earlier only
// frees quantity; moving it later is re-checked like a new request.
func (s *service) ExtendBooking(ctx context.Context, id uuid.UUID, end time.Time) (iv rental.Interval, err error) {
	ctx, span := s.start(ctx, "extend_booking", attribute.String("interval.id", id.String()))
	defer func() { s.finish(ctx, span, "extend_booking", err) }()

	return s.amend(ctx, id, func(current rental.Interval) (time.Time, int) {
		return end.UTC(), current.Quantity
	})
}

// amend re-checks availability for the changed interval against everything
// but itself. change returns the new end and quantity.
func (s *service) amend(ctx context.Context, id uuid.UUID, change func(rental.Interval) (time.Time, int)) (rental.Interval, error) {
	current, unlock, err := s.lockInterval(ctx, id)
	if err != nil {
		return rental.Interval{}, err
	}
	defer unlock()

	switch current.State {
	case rental.StateCancelled:
		return rental.Interval{}, rental.ErrAlreadyCancelled
	case rental.StateConfirmed:
		return rental.Interval{}, rental.Invalidf("booking %s is confirmed and can only be cancelled", id)
	}

	end, quantity := change(current)
	if err := validateSpan(current.EquipmentID, current.Start, end, quantity); err != nil {
		return rental.Interval{}, err
	}
	unit, err := s.bookable(ctx, current.EquipmentID, quantity)
	if err != nil {
		return rental.Interval{}, err
	}
	if !equipment.Bookable(unit.Status) {
		return rental.Interval{}, &rental.EquipmentUnavailableError{EquipmentID: unit.ID, Status: unit.Status}
	}

	windows, err := s.calculator.Excluding(ctx, unit, current.Start, end, id)
	if err != nil {
		return rental.Interval{}, err
	}
	if short := availability.Shortfall(windows, quantity); len(short) > 0 {
		return rental.Interval{}, &rental.InsufficientAvailabilityError{EquipmentID: unit.ID, Requested: quantity, Windows: short}
	}
	amended, err := s.index.Amend(ctx, id, end, quantity, unit.TotalQuantity)
	if err != nil {
		return rental.Interval{}, s.lostRace(ctx, unit, current.Start, end, quantity, id, err)
	}
	s.publish(ctx, intervalEvent(rental.EventBookingAmended, amended))
	return amended, nil
}

// ConfirmBooking turns a live hold into a confirmed reservation. Confirming
// a confirmed booking is a no-op.
func (s *service) ConfirmBooking(ctx context.Context, id uuid.UUID) (iv rental.Interval, err error) {
	ctx, span := s.start(ctx, "confirm_booking", attribute.String("interval.id", id.String()))
	defer func() { s.finish(ctx, span, "confirm_booking", err) }()

	current, unlock, err := s.lockInterval(ctx, id)
	if err != nil {
		return rental.Interval{}, err
	}
	defer unlock()

	if current.State == rental.StatePending && current.HoldExpiresAt != nil && !current.HoldExpiresAt.After(s.now()) {
		return rental.Interval{}, rental.Invalidf("hold on booking %s expired at %s", id, current.HoldExpiresAt.Format(time.RFC3339))
	}
	confirmed, err := s.index.Confirm(ctx, id)
	if err != nil {
		return rental.Interval{}, err
	}
	if confirmed.Version != current.Version {
		s.publish(ctx, intervalEvent(rental.EventBookingConfirmed, confirmed))
	}
	return confirmed, nil
}

// CancelBooking cancels a booking in any state. Cancelling a cancelled
// booking returns it unchanged and publishes nothing.
func (s *service) CancelBooking(ctx context.Context, id uuid.UUID) (iv rental.Interval, err error) {
	ctx, span := s.start(ctx, "cancel_booking", attribute.String("interval.id", id.String()))
	defer func() { s.finish(ctx, span, "cancel_booking", err) }()

	current, unlock, err := s.lockInterval(ctx, id)
	if err != nil {
		return rental.Interval{}, err
	}
	defer unlock()

	cancelled, err := s.index.Cancel(ctx, id)
	if errors.Is(err, rental.ErrAlreadyCancelled) {
		return current, nil
	}
	if err != nil {
		return rental.Interval{}, err
	}
	s.publish(ctx, intervalEvent(rental.EventBookingCancelled, cancelled))
	return cancelled, nil
}

// ExpireHolds cancels every pending hold whose expiry has passed and returns
// the cancelled intervals.
func (s *service) ExpireHolds(ctx context.Context) (out []rental.Interval, err error) {
	ctx, span := s.start(ctx, "expire_holds")
	defer func() { s.finish(ctx, span, "expire_holds", err) }()

	cutoff := s.now()
	expired, err := s.index.ExpiredHolds(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}

	out = []rental.Interval{}
	for _, hold := range expired {
		cancelled, ok, err := s.expire(ctx, hold.ID, cutoff)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, cancelled)
		}
	}
	if len(out) > 0 {
		s.logger.Info("expired holds released", zap.Int("count", len(out)))
	}
	span.SetAttributes(attribute.Int("holds.expired", len(out)))
	return out, nil
}

// expire cancels one hold unless it was confirmed or cancelled since it was
// listed.
func (s *service) expire(ctx context.Context, id uuid.UUID, cutoff time.Time) (rental.Interval, bool, error) {
	current, unlock, err := s.lockInterval(ctx, id)
	if errors.Is(err, rental.ErrNotFound) {
		return rental.Interval{}, false, nil
	}
	if err != nil {
		return rental.Interval{}, false, err
	}
	defer unlock()

	if current.State != rental.StatePending || current.HoldExpiresAt == nil || current.HoldExpiresAt.After(cutoff) {
		return rental.Interval{}, false, nil
	}
	cancelled, err := s.index.Cancel(ctx, id)
	if errors.Is(err, rental.ErrAlreadyCancelled) {
		return rental.Interval{}, false, nil
	}
	if err != nil {
		return rental.Interval{}, false, fmt.Errorf("cancel hold %s: %w", id, err)
	}
	s.publish(ctx, intervalEvent(rental.EventBookingCancelled, cancelled))
	return cancelled, true, nil
}

func (s *service) Availability(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) (windows []rental.Window, err error) {
	ctx, span := s.start(ctx, "availability", attribute.String("equipment.id", equipmentID.String()))
	defer func() { s.finish(ctx, span, "availability", err) }()

	return s.calculator.Availability(ctx, equipmentID, start, end)
}

// Bookings lists every interval of the unit overlapping [start, end), in any
// state.
func (s *service) Bookings(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) (out []rental.Interval, err error) {
	ctx, span := s.start(ctx, "bookings", attribute.String("equipment.id", equipmentID.String()))
	defer func() { s.finish(ctx, span, "bookings", err) }()

	if end.Before(start) {
		return nil, rental.Invalidf("range end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if _, err := s.equipment.Get(ctx, equipmentID); err != nil {
		return nil, err
	}
	out, err = s.index.Query(ctx, equipmentID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	if out == nil {
		out = []rental.Interval{}
	}
	return out, nil
}

// History returns the recorded events of one booking.
func (s *service) History(ctx context.Context, intervalID uuid.UUID) (events []rental.Event, err error) {
	ctx, span := s.start(ctx, "history", attribute.String("interval.id", intervalID.String()))
	defer func() { s.finish(ctx, span, "history", err) }()

	if _, err := s.index.Get(ctx, intervalID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []rental.Event{}, nil
	}
	events, err = s.history.History(ctx, intervalID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if events == nil {
		events = []rental.Event{}
	}
	return events, nil
}

// RegisterEquipment adds a unit in status AVAILABLE.
func (s *service) RegisterEquipment(ctx context.Context, name string, totalQuantity int) (unit rental.Equipment, err error) {
	ctx, span := s.start(ctx, "register_equipment", attribute.Int("total_quantity", totalQuantity))
	defer func() { s.finish(ctx, span, "register_equipment", err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return rental.Equipment{}, rental.Invalidf("equipment name is required")
	}
	if totalQuantity < 1 {
		return rental.Equipment{}, rental.Invalidf("total quantity must be at least 1, got %d", totalQuantity)
	}
	unit, err = s.equipment.Create(ctx, rental.Equipment{
		ID:            uuid.New(),
		Name:          name,
		Status:        rental.StatusAvailable,
		TotalQuantity: totalQuantity,
	})
	if err != nil {
		return rental.Equipment{}, err
	}

	unlock := s.locks.Lock(unit.ID)
	defer unlock()
	s.publish(ctx, equipmentEvent(rental.EventEquipmentRegistered, unit))
	return unit, nil
}

func (s *service) GetEquipment(ctx context.Context, id uuid.UUID) (unit rental.Equipment, err error) {
	ctx, span := s.start(ctx, "get_equipment", attribute.String("equipment.id", id.String()))
	defer func() { s.finish(ctx, span, "get_equipment", err) }()

	return s.equipment.Get(ctx, id)
}

// SetStatus runs the status gate under the equipment lock, so no booking can
// slip in between the commitment check and the transition.
func (s *service) SetStatus(ctx context.Context, id uuid.UUID, status rental.Status, override bool) (result equipment.Transition, err error) {
	ctx, span := s.start(ctx, "set_status",
		attribute.String("equipment.id", id.String()),
		attribute.String("status", string(status)),
		attribute.Bool("override", override),
	)
	defer func() { s.finish(ctx, span, "set_status", err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	result, err = s.gate.SetStatus(ctx, id, status, override)
	// cancellations stand even when the transition itself failed
	for _, cancelled := range result.Cancelled {
		s.publish(ctx, intervalEvent(rental.EventBookingCancelled, cancelled))
	}
	if err != nil {
		return equipment.Transition{}, err
	}
	if result.Changed {
		s.publish(ctx, equipmentEvent(rental.EventEquipmentStatusChanged, result.Equipment))
	}
	return result, nil
}

// SetTotalQuantity resizes a pool. It refuses to shrink below the highest
// load committed from now on.
func (s *service) SetTotalQuantity(ctx context.Context, id uuid.UUID, total int) (unit rental.Equipment, err error) {
	ctx, span := s.start(ctx, "set_total_quantity", attribute.String("equipment.id", id.String()), attribute.Int("total_quantity", total))
	defer func() { s.finish(ctx, span, "set_total_quantity", err) }()

	if total < 1 {
		return rental.Equipment{}, rental.Invalidf("total quantity must be at least 1, got %d", total)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	unit, err = s.equipment.Get(ctx, id)
	if err != nil {
		return rental.Equipment{}, err
	}
	if unit.TotalQuantity == total {
		return unit, nil
	}
	if total < unit.TotalQuantity {
		peak, err := s.calculator.PeakFrom(ctx, id, s.now())
		if err != nil {
			return rental.Equipment{}, err
		}
		if total < peak {
			return rental.Equipment{}, rental.Invalidf("total quantity %d is below the %d already committed", total, peak)
		}
	}
	unit, err = s.equipment.UpdateTotal(ctx, id, total, unit.Version)
	if err != nil {
		return rental.Equipment{}, fmt.Errorf("update total quantity: %w", err)
	}
	s.publish(ctx, equipmentEvent(rental.EventEquipmentResized, unit))
	return unit, nil
}
