package queue

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// AnnotationConsultationInterrupted marks a broadcast where the doctor left
// OPD while a patient was still in consultation.
const AnnotationConsultationInterrupted = "consultation_interrupted"

// Clone returns a deep copy that can be mutated without touching s.
func (s DoctorQueueState) Clone() DoctorQueueState {
	c := s
	c.Waiting = slices.Clone(s.Waiting)
	if c.Waiting == nil {
		c.Waiting = []WaitingEntry{}
	}
	if s.ActiveAppointmentID != nil {
		id := *s.ActiveAppointmentID
		c.ActiveAppointmentID = &id
	}
	return c
}

func (s *DoctorQueueState) indexOf(token int) int {
	for i, e := range s.Waiting {
		if e.Token == token {
			return i
		}
	}
	return -1
}

// Contains reports whether token is waiting.
func (s *DoctorQueueState) Contains(token int) bool {
	return s.indexOf(token) >= 0
}

// Head is the next entry "call next" would pick.
func (s *DoctorQueueState) Head() (WaitingEntry, bool) {
	if len(s.Waiting) == 0 {
		return WaitingEntry{}, false
	}
	return s.Waiting[0], true
}

// block orders the waiting list: emergencies, then regular check-ins, then
// re-queued tokens.
func (e WaitingEntry) block() int {
	switch {
	case e.Requeued:
		return 2
	case e.Emergency:
		return 0
	default:
		return 1
	}
}

// enqueue inserts a checked-in token at its serving position. It returns
// false when the token is already waiting.
func (s *DoctorQueueState) enqueue(entry WaitingEntry) bool {
	if s.Contains(entry.Token) {
		return false
	}
	if entry.Requeued {
		s.Waiting = append(s.Waiting, entry)
		return true
	}

	pos := len(s.Waiting)
	for i, e := range s.Waiting {
		if e.block() > entry.block() || (e.block() == entry.block() && e.Token > entry.Token) {
			pos = i
			break
		}
	}
	s.Waiting = slices.Insert(s.Waiting, pos, entry)
	return true
}

func (s *DoctorQueueState) remove(token int) bool {
	i := s.indexOf(token)
	if i < 0 {
		return false
	}
	s.Waiting = slices.Delete(s.Waiting, i, i+1)
	return true
}

// startConsultation moves a waiting token into consultation.
func (s *DoctorQueueState) startConsultation(appt *Appointment) error {
	if s.ActiveAppointmentID != nil {
		return ErrDoctorBusy
	}
	s.remove(appt.TokenNumber)
	id := appt.ID
	s.ActiveAppointmentID = &id
	s.ServingToken = appt.TokenNumber
	if appt.TokenNumber > s.CurrentToken {
		s.CurrentToken = appt.TokenNumber
	}
	return nil
}

// endConsultation clears the active pointer if it refers to id.
func (s *DoctorQueueState) endConsultation(id uuid.UUID) bool {
	if s.ActiveAppointmentID == nil || *s.ActiveAppointmentID != id {
		return false
	}
	s.ActiveAppointmentID = nil
	s.ServingToken = 0
	return true
}

// setDoctorStatus returns the broadcast annotation for the change, if any.
func (s *DoctorQueueState) setDoctorStatus(status DoctorStatus) string {
	prev := s.DoctorStatus
	s.DoctorStatus = status
	if prev == DoctorOPD && status != DoctorOPD && s.ActiveAppointmentID != nil {
		return AnnotationConsultationInterrupted
	}
	return ""
}

func (s *DoctorQueueState) bump(now time.Time) {
	s.Version++
	s.UpdatedAt = now
}

// ParseDoctorStatus validates a doctor availability status.
func ParseDoctorStatus(raw string) (DoctorStatus, error) {
	st := DoctorStatus(raw)
	switch st {
	case DoctorOPD, DoctorRest, DoctorMeeting, DoctorEmergency, DoctorOffline:
		return st, nil
	}
	return "", invalidInput("unknown doctor status %q", raw)
}
