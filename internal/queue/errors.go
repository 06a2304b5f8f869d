package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrAppointmentNotFound   = fmt.Errorf("appointment %w", ErrNotFound)
	ErrQueueNotFound         = fmt.Errorf("queue %w", ErrNotFound)
	ErrQueueEmpty            = fmt.Errorf("no checked-in patient waiting: %w", ErrNotFound)
	ErrAllocationUnavailable = errors.New("token allocation unavailable")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrVersionConflict       = errors.New("queue version conflict")
	ErrDoctorBusy            = errors.New("doctor already has a patient in consultation")
	ErrNotActiveDoctor       = errors.New("only the consulting doctor can complete this appointment")
	ErrInvalidInput          = errors.New("invalid input")
	ErrDuplicateToken        = errors.New("token already issued for this doctor-day")
)

// InvalidTransitionError names the rejected edge. errors.Is matches it
// against ErrInvalidTransition.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func invalidTransition(from, to Status) error {
	return &InvalidTransitionError{From: from, To: to}
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
