package queue

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusBooked         Status = "BOOKED"
	StatusCheckedIn      Status = "CHECKED_IN"
	StatusInConsultation Status = "IN_CONSULTATION"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
	StatusSkipped        Status = "SKIPPED"
)

type AppointmentType string

const (
	TypeBooked    AppointmentType = "BOOKED"
	TypeWalkIn    AppointmentType = "WALKIN"
	TypeEmergency AppointmentType = "EMERGENCY"
)

type DoctorStatus string

const (
	DoctorOPD       DoctorStatus = "OPD"
	DoctorRest      DoctorStatus = "REST"
	DoctorMeeting   DoctorStatus = "MEETING"
	DoctorEmergency DoctorStatus = "EMERGENCY"
	DoctorOffline   DoctorStatus = "OFFLINE"
)

type Role string

const (
	RoleReception Role = "reception"
	RoleDoctor    Role = "doctor"
	RolePatient   Role = "patient"
	RoleSystem    Role = "system"
)

// Actor is who asked for a change, as reported by the identity layer.
type Actor struct {
	Role Role
	ID   string
}

// QueueKey scopes tokens and queue state to one doctor at one hospital on
// one calendar day (YYYY-MM-DD in the clinic time zone).
type QueueKey struct {
	HospitalRef string `json:"hospital_ref"`
	DoctorRef   string `json:"doctor_ref"`
	Day         string `json:"day"`
}

func (k QueueKey) String() string {
	return k.HospitalRef + ":" + k.DoctorRef + ":" + k.Day
}

// Validate rejects keys whose String form would be ambiguous. Counter, lock
// and channel names are all built from it.
func (k QueueKey) Validate() error {
	if err := validateRef("hospital_ref", k.HospitalRef); err != nil {
		return err
	}
	if err := validateRef("doctor_ref", k.DoctorRef); err != nil {
		return err
	}
	if _, err := time.Parse(time.DateOnly, k.Day); err != nil {
		return invalidInput("day must be YYYY-MM-DD, got %q", k.Day)
	}
	return nil
}

func validateRef(field, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return invalidInput("%s is required", field)
	}
	if strings.Contains(ref, ":") {
		return invalidInput("%s must not contain ':'", field)
	}
	return nil
}

type Appointment struct {
	ID                    uuid.UUID
	PatientRef            string
	DoctorRef             string
	HospitalRef           string
	Day                   string
	ScheduledTime         time.Time
	TokenNumber           int
	Type                  AppointmentType
	Status                Status
	CheckInTime           *time.Time
	ConsultationStartTime *time.Time
	CompletionTime        *time.Time
	CancelReason          *string
	Vitals                json.RawMessage
	PaymentStatus         *string
	Consultation          json.RawMessage
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (a *Appointment) Key() QueueKey {
	return QueueKey{HospitalRef: a.HospitalRef, DoctorRef: a.DoctorRef, Day: a.Day}
}

// WaitingEntry is one checked-in token waiting to be called.
type WaitingEntry struct {
	Token         int       `json:"token"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Emergency     bool      `json:"emergency,omitempty"`
	Requeued      bool      `json:"requeued,omitempty"`
}

// DoctorQueueState is the per doctor-day aggregate. Waiting is kept in
// serving order.
type DoctorQueueState struct {
	Key QueueKey

	// CurrentToken is the highest token called so far today and never
	// decreases. ServingToken is the token actually in consultation.
	CurrentToken        int
	ServingToken        int
	DoctorStatus        DoctorStatus
	ActiveAppointmentID *uuid.UUID
	Waiting             []WaitingEntry
	Version             int64
	UpdatedAt           time.Time
}

// NewDoctorQueueState returns the empty state a doctor-day starts with.
func NewDoctorQueueState(key QueueKey) DoctorQueueState {
	return DoctorQueueState{
		Key:          key,
		DoctorStatus: DoctorOPD,
		Waiting:      []WaitingEntry{},
	}
}

// WaitingTokens lists waiting token numbers in serving order.
func (s *DoctorQueueState) WaitingTokens() []int {
	tokens := make([]int, len(s.Waiting))
	for i, e := range s.Waiting {
		tokens[i] = e.Token
	}
	return tokens
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	HospitalRef   string
	DoctorRef     string
	Day           string
	Payload       []byte
	CreatedAt     time.Time
}
