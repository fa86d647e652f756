// internal/rental/errors.go
package rental

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyCancelled = errors.New("interval already cancelled")
)

// InvalidRequestError reports malformed input. It is always the caller's fault.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// Invalidf builds an InvalidRequestError.
func Invalidf(format string, args ...any) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

// EquipmentUnavailableError means the equipment status forbids booking.
type EquipmentUnavailableError struct {
	EquipmentID uuid.UUID
	Status      Status
}

func (e *EquipmentUnavailableError) Error() string {
	return fmt.Sprintf("equipment %s is %s and cannot be booked", e.EquipmentID, e.Status)
}

// InsufficientAvailabilityError carries the windows whose free quantity is
// below the requested quantity.
type InsufficientAvailabilityError struct {
	EquipmentID uuid.UUID
	Requested   int
	Windows     []Window
}

func (e *InsufficientAvailabilityError) Error() string {
	return fmt.Sprintf("insufficient availability for equipment %s: requested %d, %d window(s) short",
		e.EquipmentID, e.Requested, len(e.Windows))
}

// HasActiveCommitmentsError blocks a status transition while confirmed
// reservations are outstanding.
type HasActiveCommitmentsError struct {
	EquipmentID uuid.UUID
	Target      Status
	Intervals   []Interval
}

func (e *HasActiveCommitmentsError) Error() string {
	return fmt.Sprintf("equipment %s has %d active reservation(s); cannot move to %s",
		e.EquipmentID, len(e.Intervals), e.Target)
}

// IllegalTransitionError is returned for transitions the state machine forbids.
type IllegalTransitionError struct {
	From, To Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

// ConflictError is raised by the interval index when its atomic re-check
// finds the commit would exceed capacity.
type ConflictError struct {
	EquipmentID uuid.UUID
	Capacity    int
	Peak        int
	Conflicting []Interval
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("capacity conflict on equipment %s: peak %d of %d", e.EquipmentID, e.Peak, e.Capacity)
}

// InvariantError signals committed quantity above capacity. It is a bug in
// the index, never a business condition.
type InvariantError struct {
	EquipmentID uuid.UUID
	Committed   int
	Total       int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated on equipment %s: committed %d exceeds total %d",
		e.EquipmentID, e.Committed, e.Total)
}

// Reason names the business rejection carried by err, or "" when err is not
// one. The names are stable: they label metrics and HTTP error bodies.
func Reason(err error) string {
	var (
		invalid     *InvalidRequestError
		unavailable *EquipmentUnavailableError
		short       *InsufficientAvailabilityError
		committed   *HasActiveCommitmentsError
		illegal     *IllegalTransitionError
		conflict    *ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.As(err, &invalid):
		return "invalid_request"
	case errors.As(err, &unavailable):
		return "equipment_unavailable"
	case errors.As(err, &short):
		return "insufficient_availability"
	case errors.As(err, &committed):
		return "has_active_commitments"
	case errors.As(err, &illegal):
		return "illegal_transition"
	case errors.As(err, &conflict):
		return "conflict"
	}
	return ""
}

// IsRejection reports whether err is a business rejection rather than an
// unexpected failure.
func IsRejection(err error) bool {
	return Reason(err) != ""
}
