package queue

import (
	"encoding/json"
	"time"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentCheckedIn = "APPOINTMENT_CHECKED_IN"
	EventAppointmentCalled    = "APPOINTMENT_CALLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentSkipped   = "APPOINTMENT_SKIPPED"
	EventAppointmentRequeued  = "APPOINTMENT_REQUEUED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventDoctorStatusChanged  = "DOCTOR_STATUS_CHANGED"
)

var transitions = map[Status][]Status{
	StatusBooked:         {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn:      {StatusInConsultation, StatusCancelled},
	StatusInConsultation: {StatusCompleted, StatusSkipped},
	StatusSkipped:        {StatusCheckedIn},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseStatus(raw string) (Status, error) {
	st := Status(raw)
	switch st {
	case StatusBooked, StatusCheckedIn, StatusInConsultation, StatusCompleted, StatusCancelled, StatusSkipped:
		return st, nil
	}
	return "", invalidInput("unknown appointment status %q", raw)
}

func ParseAppointmentType(raw string) (AppointmentType, error) {
	if raw == "" {
		return TypeBooked, nil
	}
	t := AppointmentType(raw)
	switch t {
	case TypeBooked, TypeWalkIn, TypeEmergency:
		return t, nil
	}
	return "", invalidInput("unknown appointment type %q", raw)
}

// Payload carries the data a transition records. Vitals, payment status and
// consultation notes belong to other systems and are stored as given.
type Payload struct {
	Actor         Actor
	Vitals        json.RawMessage
	PaymentStatus *string
	Consultation  json.RawMessage
	CancelReason  string
}

// applyTransition checks every guard for appt moving to `to` and then
// applies the change to appt and state. Callers pass copies and discard
// them on error, so a rejected transition leaves nothing behind.
func applyTransition(appt *Appointment, state *DoctorQueueState, to Status, p Payload, now time.Time) (string, error) {
	from := appt.Status
	if appt.Key() != state.Key {
		return "", invalidInput("appointment %s does not belong to queue %s", appt.ID, state.Key)
	}
	if !CanTransition(from, to) {
		return "", invalidTransition(from, to)
	}
	if p.Actor.Role == RolePatient && to != StatusCancelled {
		return "", invalidTransition(from, to)
	}

	var event string
	switch {
	case from == StatusBooked && to == StatusCheckedIn:
		state.enqueue(WaitingEntry{
			Token:         appt.TokenNumber,
			AppointmentID: appt.ID,
			Emergency:     appt.Type == TypeEmergency,
		})
		appt.CheckInTime = &now
		if len(p.Vitals) > 0 {
			appt.Vitals = p.Vitals
		}
		if p.PaymentStatus != nil {
			appt.PaymentStatus = p.PaymentStatus
		}
		event = EventAppointmentCheckedIn

	case to == StatusCancelled:
		if from == StatusCheckedIn {
			state.remove(appt.TokenNumber)
		}
		if p.CancelReason != "" {
			reason := p.CancelReason
			appt.CancelReason = &reason
		}
		event = EventAppointmentCancelled

	case to == StatusInConsultation:
		if err := state.startConsultation(appt); err != nil {
			return "", err
		}
		appt.ConsultationStartTime = &now
		event = EventAppointmentCalled

	case to == StatusCompleted:
		if err := checkConsultingDoctor(appt, state, p.Actor); err != nil {
			return "", err
		}
		state.endConsultation(appt.ID)
		appt.CompletionTime = &now
		if len(p.Consultation) > 0 {
			appt.Consultation = p.Consultation
		}
		event = EventAppointmentCompleted

	case to == StatusSkipped:
		state.endConsultation(appt.ID)
		event = EventAppointmentSkipped

	case from == StatusSkipped && to == StatusCheckedIn:
		state.enqueue(WaitingEntry{
			Token:         appt.TokenNumber,
			AppointmentID: appt.ID,
			Emergency:     appt.Type == TypeEmergency,
			Requeued:      true,
		})
		appt.CheckInTime = &now
		event = EventAppointmentRequeued
	}

	appt.Status = to
	appt.UpdatedAt = now
	return event, nil
}

func checkConsultingDoctor(appt *Appointment, state *DoctorQueueState, actor Actor) error {
	if state.ActiveAppointmentID == nil || *state.ActiveAppointmentID != appt.ID {
		return ErrNotActiveDoctor
	}
	switch actor.Role {
	case "", RoleSystem:
		return nil
	case RoleDoctor:
		if actor.ID == "" || actor.ID == appt.DoctorRef {
			return nil
		}
	}
	return ErrNotActiveDoctor
}
