package queue

import (
	"context"

	"github.com/google/uuid"
)

// AppointmentUpdate is an appointment write guarded by the status it was
// read with.
type AppointmentUpdate struct {
	Appointment *Appointment
	From        Status
}

// Commit is everything one accepted mutation writes. The repository applies
// it in a single transaction or not at all.
type Commit struct {
	Key QueueKey

	// State, when set, replaces the stored queue state provided the stored
	// version still equals ExpectedVersion. ExpectedVersion 0 means the state
	// row must not exist yet.
	State           *DoctorQueueState
	ExpectedVersion int64

	// EnsureState creates an empty version-0 state row if none exists. Used
	// when an appointment is booked without touching the queue.
	EnsureState bool

	Created *Appointment
	Updated []AppointmentUpdate
	Events  []EventLog
}

// Repository contains all storage interactions needed by the service.
type Repository interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, key QueueKey) ([]Appointment, error)

	// MaxToken returns the highest token stored for the doctor-day, 0 if none.
	MaxToken(ctx context.Context, key QueueKey) (int, error)

	// ListOpenBefore returns BOOKED and CHECKED_IN appointments of days
	// strictly before day, oldest first.
	ListOpenBefore(ctx context.Context, day string, limit int) ([]Appointment, error)

	// GetQueueState returns ErrQueueNotFound when the doctor-day has no state.
	GetQueueState(ctx context.Context, key QueueKey) (*DoctorQueueState, error)

	// Apply returns ErrVersionConflict when the state version or an updated
	// appointment's status moved underneath the caller.
	Apply(ctx context.Context, c Commit) error
}
