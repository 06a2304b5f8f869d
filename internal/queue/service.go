package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/config"
	"github.com/hackgods/clinic-token-queue/internal/metrics"
	redisclient "github.com/hackgods/clinic-token-queue/internal/redis"
)

// QueueChange is what the service hands to the broadcaster after a commit.
type QueueChange struct {
	State      DoctorQueueState
	Annotation string
}

// Publisher receives every committed queue state. Publish must not block.
type Publisher interface {
	Publish(change QueueChange)
}

type Service struct {
	repo      Repository
	allocator *TokenAllocator
	locker    redisclient.Locker
	publisher Publisher
	metrics   *metrics.Collector
	log       zerolog.Logger

	loc        *time.Location
	maxRetries int
	counterTTL time.Duration
	estimate   EstimateOptions
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.log = logger.With().Str("component", "queue_service").Logger() }
}

func NewService(repo Repository, allocator *TokenAllocator, locker redisclient.Locker, publisher Publisher, cfg config.Config, opts ...Option) (*Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	s := &Service{
		repo:       repo,
		allocator:  allocator,
		locker:     locker,
		publisher:  publisher,
		log:        zerolog.Nop(),
		loc:        loc,
		maxRetries: cfg.QueueMaxRetries,
		counterTTL: cfg.TokenCounterTTL,
		estimate: EstimateOptions{
			AverageConsultationMinutes: cfg.AvgConsultationMinutes,
			Inclusion:                  InclusionRule(cfg.EstimateInclusion),
		},
		now: time.Now,
	}
	if s.counterTTL <= 0 {
		s.counterTTL = 48 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DayOf returns the calendar day of t in the clinic time zone.
func (s *Service) DayOf(t time.Time) string {
	return t.In(s.loc).Format(time.DateOnly)
}

func (s *Service) Today() string {
	return s.DayOf(s.now())
}

type CreateAppointmentInput struct {
	HospitalRef   string
	DoctorRef     string
	PatientRef    string
	ScheduledTime time.Time
	Type          AppointmentType
}

// CreateAppointment allocates a token and stores a BOOKED appointment.
// Walk-ins and emergencies are checked in within the same commit. The token
// is allocated under the doctor-day lock, so tokens are stored in the order
// they are issued and a failed create hands its token straight back.
func (s *Service) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*Appointment, error) {
	if strings.TrimSpace(in.PatientRef) == "" {
		return nil, invalidInput("patient_ref is required")
	}
	if in.Type == "" {
		in.Type = TypeBooked
	}
	if _, err := ParseAppointmentType(string(in.Type)); err != nil {
		return nil, err
	}

	now := s.now()
	if in.ScheduledTime.IsZero() {
		in.ScheduledTime = now
	}
	key := QueueKey{HospitalRef: in.HospitalRef, DoctorRef: in.DoctorRef, Day: s.DayOf(in.ScheduledTime)}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	expireAt := s.counterExpiry(key)

	var (
		result    *Appointment
		committed DoctorQueueState
		applied   *mutation
	)
	err := s.locked(ctx, key, func(lockCtx context.Context) error {
		for resynced := false; ; resynced = true {
			token, err := s.allocator.Allocate(lockCtx, key, expireAt)
			if err != nil {
				return err
			}

			result, committed, applied, err = s.storeCreated(lockCtx, key, in, token, now)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrDuplicateToken) && !resynced {
				// The counter lost tokens that are already stored.
				if err := s.resyncTokens(lockCtx, key, expireAt); err != nil {
					return err
				}
				continue
			}

			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(lockCtx), 2*time.Second)
			s.allocator.Release(releaseCtx, key, token)
			cancel()
			return err
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateToken):
			return nil, fmt.Errorf("%w: %w", ErrAllocationUnavailable, err)
		case errors.Is(err, ErrAllocationUnavailable), errors.Is(err, ErrVersionConflict):
			return nil, err
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	s.publish(committed, applied)

	s.log.Info().
		Str("appointment_id", result.ID.String()).
		Str("queue", key.String()).
		Int("token", result.TokenNumber).
		Str("type", string(result.Type)).
		Msg("appointment created")

	return result, nil
}

// storeCreated commits a new appointment holding token. The doctor-day
// lock must be held.
func (s *Service) storeCreated(ctx context.Context, key QueueKey, in CreateAppointmentInput, token int, now time.Time) (*Appointment, DoctorQueueState, *mutation, error) {
	appt := &Appointment{
		ID:            uuid.New(),
		PatientRef:    in.PatientRef,
		DoctorRef:     in.DoctorRef,
		HospitalRef:   in.HospitalRef,
		Day:           key.Day,
		ScheduledTime: in.ScheduledTime,
		TokenNumber:   token,
		Type:          in.Type,
		Status:        StatusBooked,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created := s.event(appt, EventAppointmentCreated, map[string]any{
		"token": token,
		"type":  in.Type,
	})

	if in.Type == TypeBooked {
		err := s.repo.Apply(ctx, Commit{
			Key:         key,
			EnsureState: true,
			Created:     appt,
			Events:      []EventLog{created},
		})
		return appt, DoctorQueueState{}, nil, err
	}

	var result *Appointment
	committed, applied, err := s.commitLocked(ctx, key, func(_ context.Context, state *DoctorQueueState) (*mutation, error) {
		next := *appt
		event, err := applyTransition(&next, state, StatusCheckedIn, Payload{Actor: Actor{Role: RoleSystem}}, s.now())
		if err != nil {
			return nil, err
		}
		result = &next
		return &mutation{
			created: &next,
			events:  []EventLog{created, s.event(&next, event, nil)},
		}, nil
	})
	return result, committed, applied, err
}

func (s *Service) resyncTokens(ctx context.Context, key QueueKey, expireAt time.Time) error {
	highest, err := s.repo.MaxToken(ctx, key)
	if err != nil {
		return fmt.Errorf("read highest token: %w", err)
	}
	return s.allocator.Resync(ctx, key, highest, expireAt)
}

// counterExpiry keeps a doctor-day's counter until counterTTL after the day
// ends, and never less than counterTTL from now.
func (s *Service) counterExpiry(key QueueKey) time.Time {
	floor := s.now().Add(s.counterTTL)
	day, err := time.ParseInLocation(time.DateOnly, key.Day, s.loc)
	if err != nil {
		return floor
	}
	end := day.AddDate(0, 0, 1).Add(s.counterTTL)
	if end.Before(floor) {
		return floor
	}
	return end
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, key QueueKey) ([]Appointment, error) {
	return s.repo.ListAppointments(ctx, key)
}

// GetQueueSnapshot returns the committed state of a doctor-day.
func (s *Service) GetQueueSnapshot(ctx context.Context, key QueueKey) (*DoctorQueueState, error) {
	return s.repo.GetQueueState(ctx, key)
}

// Transition moves an appointment to status `to`. SKIPPED -> CHECKED_IN is
// routed through ReQueue.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, p Payload) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status == StatusSkipped && to == StatusCheckedIn {
		return s.ReQueue(ctx, id, p.Actor)
	}
	if !CanTransition(appt.Status, to) {
		s.metrics.RecordTransition(string(appt.Status), string(to), false)
		return nil, invalidTransition(appt.Status, to)
	}

	var (
		result *Appointment
		from   = appt.Status
	)
	_, err = s.mutate(ctx, appt.Key(), func(ctx context.Context, state *DoctorQueueState) (*mutation, error) {
		m, next, underLock, err := s.transitionLocked(ctx, id, state, to, p)
		result = next
		if underLock != "" {
			from = underLock
		}
		return m, err
	})
	s.metrics.RecordTransition(string(from), string(to), err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CallNext puts the head of the waiting list into consultation.
func (s *Service) CallNext(ctx context.Context, key QueueKey, actor Actor) (*Appointment, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var result *Appointment
	_, err := s.mutate(ctx, key, func(ctx context.Context, state *DoctorQueueState) (*mutation, error) {
		if state.ActiveAppointmentID != nil {
			return nil, ErrDoctorBusy
		}
		head, ok := state.Head()
		if !ok {
			return nil, ErrQueueEmpty
		}
		m, next, _, err := s.transitionLocked(ctx, head.AppointmentID, state, StatusInConsultation, Payload{Actor: actor})
		result = next
		return m, err
	})
	s.metrics.RecordTransition(string(StatusCheckedIn), string(StatusInConsultation), err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetDoctorStatus changes the doctor's availability for a doctor-day. It
// does not touch the active consultation.
func (s *Service) SetDoctorStatus(ctx context.Context, key QueueKey, status DoctorStatus, actor Actor) (*DoctorQueueState, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseDoctorStatus(string(status)); err != nil {
		return nil, err
	}
	return s.mutate(ctx, key, func(_ context.Context, state *DoctorQueueState) (*mutation, error) {
		if state.DoctorStatus == status {
			return &mutation{noop: true}, nil
		}
		from := state.DoctorStatus
		annotation := state.setDoctorStatus(status)
		ev := EventLog{
			EventType:   EventDoctorStatusChanged,
			HospitalRef: key.HospitalRef,
			DoctorRef:   key.DoctorRef,
			Day:         key.Day,
			Payload: s.marshal(map[string]any{
				"from":       from,
				"to":         status,
				"actor":      actor.ID,
				"annotation": annotation,
			}),
			CreatedAt: s.now(),
		}
		return &mutation{events: []EventLog{ev}, annotation: annotation}, nil
	})
}

// EstimatePosition reports how far an appointment is from being called.
// A zero AverageConsultationMinutes or empty Inclusion falls back to the
// configured defaults.
func (s *Service) EstimatePosition(ctx context.Context, id uuid.UUID, opts EstimateOptions) (PositionEstimate, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return PositionEstimate{}, err
	}
	if opts.AverageConsultationMinutes <= 0 {
		opts.AverageConsultationMinutes = s.estimate.AverageConsultationMinutes
	}
	if opts.Inclusion == "" {
		opts.Inclusion = s.estimate.Inclusion
	}

	state, err := s.repo.GetQueueState(ctx, appt.Key())
	if errors.Is(err, ErrQueueNotFound) {
		fresh := NewDoctorQueueState(appt.Key())
		state = &fresh
	} else if err != nil {
		return PositionEstimate{}, err
	}

	switch appt.Status {
	case StatusBooked, StatusCheckedIn, StatusSkipped:
		return EstimatePosition(*state, appt.TokenNumber, opts), nil
	}
	return PositionEstimate{
		Token:           appt.TokenNumber,
		CurrentToken:    state.CurrentToken,
		ProgressPercent: 100,
		Emergency:       appt.Type == TypeEmergency,
	}, nil
}

// CloseDay cancels appointments left BOOKED or CHECKED_IN on days before
// today. It returns how many were cancelled.
func (s *Service) CloseDay(ctx context.Context, batch int) (int, error) {
	open, err := s.repo.ListOpenBefore(ctx, s.Today(), batch)
	if err != nil {
		return 0, fmt.Errorf("list open appointments: %w", err)
	}

	closed := 0
	for _, appt := range open {
		_, err := s.Transition(ctx, appt.ID, StatusCancelled, Payload{
			Actor:        Actor{Role: RoleSystem},
			CancelReason: "day_closed",
		})
		switch {
		case err == nil:
			closed++
		case errors.Is(err, ErrInvalidTransition):
			// moved on since it was listed
		default:
			s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("close appointment failed")
		}
	}
	return closed, nil
}

// transitionLocked re-reads the appointment under the queue lock and applies
// the transition to a copy. It also returns the status the appointment had
// under the lock.
func (s *Service) transitionLocked(ctx context.Context, id uuid.UUID, state *DoctorQueueState, to Status, p Payload) (*mutation, *Appointment, Status, error) {
	current, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}
	next := *current
	event, err := applyTransition(&next, state, to, p, s.now())
	if err != nil {
		return nil, nil, current.Status, err
	}

	payload := map[string]any{"from": current.Status, "to": to}
	if p.Actor.ID != "" {
		payload["actor"] = p.Actor.ID
	}
	if p.CancelReason != "" {
		payload["reason"] = p.CancelReason
	}

	return &mutation{
		updated: []AppointmentUpdate{{Appointment: &next, From: current.Status}},
		events:  []EventLog{s.event(&next, event, payload)},
	}, &next, current.Status, nil
}

type mutation struct {
	created    *Appointment
	updated    []AppointmentUpdate
	events     []EventLog
	annotation string
	noop       bool
}

// mutate is the single write path for queue state. It takes the per-key
// lock, loads the current state, lets fn change a copy and commits it with
// a version check. The committed state is published afterwards.
func (s *Service) mutate(ctx context.Context, key QueueKey, fn func(ctx context.Context, state *DoctorQueueState) (*mutation, error)) (*DoctorQueueState, error) {
	var (
		committed DoctorQueueState
		applied   *mutation
	)
	err := s.locked(ctx, key, func(lockCtx context.Context) error {
		var err error
		committed, applied, err = s.commitLocked(lockCtx, key, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(committed, applied)
	return &committed, nil
}

// locked runs attempt while holding the doctor-day lock. Lock timeouts and
// version conflicts are retried with backoff; exhausting the retries
// surfaces ErrVersionConflict.
func (s *Service) locked(ctx context.Context, key QueueKey, attempt func(lockCtx context.Context) error) error {
	op := func() error {
		err := s.locker.WithKeyLock(ctx, "queue:"+key.String(), attempt)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.metrics.RecordVersionConflict()
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(s.retryPolicy(), uint64(s.maxRetries)), ctx))
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

// commitLocked loads the state, applies fn to a copy and commits it. The
// doctor-day lock must be held.
func (s *Service) commitLocked(ctx context.Context, key QueueKey, fn func(ctx context.Context, state *DoctorQueueState) (*mutation, error)) (DoctorQueueState, *mutation, error) {
	current, err := s.loadState(ctx, key)
	if err != nil {
		return DoctorQueueState{}, nil, err
	}

	next := current.Clone()
	m, err := fn(ctx, &next)
	if err != nil {
		return DoctorQueueState{}, nil, err
	}
	if m.noop {
		return current, m, nil
	}

	next.bump(s.now())
	err = s.repo.Apply(ctx, Commit{
		Key:             key,
		State:           &next,
		ExpectedVersion: current.Version,
		Created:         m.created,
		Updated:         m.updated,
		Events:          m.events,
	})
	if err != nil {
		return DoctorQueueState{}, nil, err
	}
	return next, m, nil
}

func (s *Service) publish(committed DoctorQueueState, applied *mutation) {
	if applied == nil || applied.noop || s.publisher == nil {
		return
	}
	s.publisher.Publish(QueueChange{State: committed.Clone(), Annotation: applied.annotation})
}

func (s *Service) loadState(ctx context.Context, key QueueKey) (DoctorQueueState, error) {
	state, err := s.repo.GetQueueState(ctx, key)
	if errors.Is(err, ErrQueueNotFound) {
		return NewDoctorQueueState(key), nil
	}
	if err != nil {
		return DoctorQueueState{}, fmt.Errorf("load queue state: %w", err)
	}
	return *state, nil
}

func (s *Service) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

func (s *Service) event(appt *Appointment, eventType string, payload map[string]any) EventLog {
	id := appt.ID
	return EventLog{
		EventType:     eventType,
		AppointmentID: &id,
		HospitalRef:   appt.HospitalRef,
		DoctorRef:     appt.DoctorRef,
		Day:           appt.Day,
		Payload:       s.marshal(payload),
		CreatedAt:     s.now(),
	}
}

func (s *Service) marshal(payload map[string]any) []byte {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal event payload")
		return nil
	}
	return data
}
