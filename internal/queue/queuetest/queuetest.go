// Package queuetest provides in-memory stand-ins for the queue engine's
// storage, counter, lock and publisher, for use in tests.
package queuetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-token-queue/internal/queue"
)

// Repository mirrors PgRepository's transactional behaviour in memory.
type Repository struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]queue.Appointment
	states       map[queue.QueueKey]queue.DoctorQueueState
	events       []queue.EventLog

	// FailApply, when set, is returned by the next Apply call.
	FailApply error
}

func NewRepository() *Repository {
	return &Repository{
		appointments: make(map[uuid.UUID]queue.Appointment),
		states:       make(map[queue.QueueKey]queue.DoctorQueueState),
	}
}

func (r *Repository) GetAppointment(_ context.Context, id uuid.UUID) (*queue.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, queue.ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *Repository) ListAppointments(_ context.Context, key queue.QueueKey) ([]queue.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []queue.Appointment
	for _, a := range r.appointments {
		if a.Key() == key {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenNumber < result[j].TokenNumber })
	return result, nil
}

func (r *Repository) MaxToken(_ context.Context, key queue.QueueKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	highest := 0
	for _, a := range r.appointments {
		if a.Key() == key && a.TokenNumber > highest {
			highest = a.TokenNumber
		}
	}
	return highest, nil
}

func (r *Repository) ListOpenBefore(_ context.Context, day string, limit int) ([]queue.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []queue.Appointment
	for _, a := range r.appointments {
		if a.Day < day && (a.Status == queue.StatusBooked || a.Status == queue.StatusCheckedIn) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Day != result[j].Day {
			return result[i].Day < result[j].Day
		}
		return result[i].TokenNumber < result[j].TokenNumber
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) GetQueueState(_ context.Context, key queue.QueueKey) (*queue.DoctorQueueState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.states[key]
	if !ok {
		return nil, queue.ErrQueueNotFound
	}
	c := s.Clone()
	return &c, nil
}

func (r *Repository) Apply(_ context.Context, c queue.Commit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailApply != nil {
		err := r.FailApply
		r.FailApply = nil
		return err
	}

	// Validate everything before writing anything.
	if c.Created != nil {
		if _, exists := r.appointments[c.Created.ID]; exists {
			return fmt.Errorf("%w: duplicate id", queue.ErrDuplicateToken)
		}
		for _, a := range r.appointments {
			if a.Key() == c.Created.Key() && a.TokenNumber == c.Created.TokenNumber {
				return fmt.Errorf("%w: token %d", queue.ErrDuplicateToken, a.TokenNumber)
			}
		}
	}
	for _, u := range c.Updated {
		stored, ok := r.appointments[u.Appointment.ID]
		if !ok || stored.Status != u.From {
			return fmt.Errorf("%w: appointment %s is no longer %s", queue.ErrVersionConflict, u.Appointment.ID, u.From)
		}
	}
	if c.State != nil {
		if stored, ok := r.states[c.Key]; ok && stored.Version != c.ExpectedVersion {
			return fmt.Errorf("%w: %s", queue.ErrVersionConflict, c.Key)
		}
	}

	if c.Created != nil {
		r.appointments[c.Created.ID] = copyAppointment(*c.Created)
	}
	for _, u := range c.Updated {
		r.appointments[u.Appointment.ID] = copyAppointment(*u.Appointment)
	}
	if _, ok := r.states[c.Key]; !ok && c.EnsureState {
		r.states[c.Key] = queue.NewDoctorQueueState(c.Key)
	}
	if c.State != nil {
		r.states[c.Key] = c.State.Clone()
	}
	r.events = append(r.events, c.Events...)
	return nil
}

// Events returns the recorded event types in order.
func (r *Repository) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.EventType
	}
	return types
}

// Put stores an appointment directly, bypassing the lifecycle.
func (r *Repository) Put(a queue.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appointments[a.ID] = copyAppointment(a)
}

func copyAppointment(a queue.Appointment) queue.Appointment {
	a.Vitals = slices.Clone(a.Vitals)
	a.Consultation = slices.Clone(a.Consultation)
	return a
}

// Counter is an in-memory token counter.
type Counter struct {
	mu     sync.Mutex
	values map[string]int

	// Err, when set, makes Next fail as if the store were unreachable.
	Err error
}

func NewCounter() *Counter {
	return &Counter{values: make(map[string]int)}
}

func (c *Counter) Next(_ context.Context, scope string, _ time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	c.values[scope]++
	return c.values[scope], nil
}

func (c *Counter) Release(_ context.Context, scope string, token int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[scope] != token {
		return false, nil
	}
	c.values[scope]--
	return true, nil
}

func (c *Counter) Raise(_ context.Context, scope string, floor int, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.values[scope] < floor {
		c.values[scope] = floor
	}
	return nil
}

// Reset forgets every issued number, as a Redis flush would.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]int)
}

func (c *Counter) Value(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[scope]
}

// Locker serialises callers per key, blocking until the key is free.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

func (l *Locker) WithKeyLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// Publisher records every published change.
type Publisher struct {
	mu      sync.Mutex
	changes []queue.QueueChange
}

func (p *Publisher) Publish(change queue.QueueChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *Publisher) Changes() []queue.QueueChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.changes)
}

func (p *Publisher) Last() (queue.QueueChange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return queue.QueueChange{}, false
	}
	return p.changes[len(p.changes)-1], true
}
