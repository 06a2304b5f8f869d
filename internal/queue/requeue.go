package queue

import (
	"context"

	"github.com/google/uuid"
)

// ReQueue sends a SKIPPED appointment to the back of the waiting list. It
// keeps its token number but loses its place. Calling it again once the
// token is waiting is a no-op, so a retry after a timeout is safe.
func (s *Service) ReQueue(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	var result *Appointment
	_, err = s.mutate(ctx, appt.Key(), func(ctx context.Context, state *DoctorQueueState) (*mutation, error) {
		current, err := s.repo.GetAppointment(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == StatusCheckedIn && state.Contains(current.TokenNumber) {
			result = current
			return &mutation{noop: true}, nil
		}
		if current.Status != StatusSkipped {
			return nil, invalidTransition(current.Status, StatusCheckedIn)
		}

		m, next, _, err := s.transitionLocked(ctx, id, state, StatusCheckedIn, Payload{Actor: actor})
		result = next
		return m, err
	})
	s.metrics.RecordTransition(string(StatusSkipped), string(StatusCheckedIn), err == nil)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Int("token", result.TokenNumber).
		Msg("appointment re-queued")
	return result, nil
}
