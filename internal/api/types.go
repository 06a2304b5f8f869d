package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-token-queue/internal/queue"
)

type CreateAppointmentRequest struct {
	HospitalRef   string     `json:"hospital_ref"`
	DoctorRef     string     `json:"doctor_ref"`
	PatientRef    string     `json:"patient_ref"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	Type          string     `json:"type,omitempty"`
}

type TransitionRequest struct {
	To            string          `json:"to"`
	Vitals        json.RawMessage `json:"vitals,omitempty"`
	PaymentStatus *string         `json:"payment_status,omitempty"`
	Consultation  json.RawMessage `json:"consultation,omitempty"`
	CancelReason  string          `json:"cancel_reason,omitempty"`
}

type DoctorStatusRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID       `json:"id"`
	HospitalRef           string          `json:"hospital_ref"`
	DoctorRef             string          `json:"doctor_ref"`
	PatientRef            string          `json:"patient_ref"`
	Day                   string          `json:"day"`
	ScheduledTime         time.Time       `json:"scheduled_time"`
	TokenNumber           int             `json:"token_number"`
	Type                  string          `json:"type"`
	Status                string          `json:"status"`
	CheckInTime           *time.Time      `json:"check_in_time,omitempty"`
	ConsultationStartTime *time.Time      `json:"consultation_start_time,omitempty"`
	CompletionTime        *time.Time      `json:"completion_time,omitempty"`
	CancelReason          *string         `json:"cancel_reason,omitempty"`
	Vitals                json.RawMessage `json:"vitals,omitempty"`
	PaymentStatus         *string         `json:"payment_status,omitempty"`
	Consultation          json.RawMessage `json:"consultation,omitempty"`
}

func newAppointmentResponse(a *queue.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                    a.ID,
		HospitalRef:           a.HospitalRef,
		DoctorRef:             a.DoctorRef,
		PatientRef:            a.PatientRef,
		Day:                   a.Day,
		ScheduledTime:         a.ScheduledTime,
		TokenNumber:           a.TokenNumber,
		Type:                  string(a.Type),
		Status:                string(a.Status),
		CheckInTime:           a.CheckInTime,
		ConsultationStartTime: a.ConsultationStartTime,
		CompletionTime:        a.CompletionTime,
		CancelReason:          a.CancelReason,
		Vitals:                a.Vitals,
		PaymentStatus:         a.PaymentStatus,
		Consultation:          a.Consultation,
	}
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
