package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/queue"
	"github.com/hackgods/clinic-token-queue/internal/realtime"
)

// Callers identify themselves through these headers; authentication
// happens in front of this service.
const (
	headerActorRole = "X-Actor-Role"
	headerActorID   = "X-Actor-ID"
)

func createAppointmentHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		typ, err := queue.ParseAppointmentType(req.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_type", err.Error())
			return
		}

		in := queue.CreateAppointmentInput{
			HospitalRef: req.HospitalRef,
			DoctorRef:   req.DoctorRef,
			PatientRef:  req.PatientRef,
			Type:        typ,
		}
		if req.ScheduledTime != nil {
			in.ScheduledTime = *req.ScheduledTime
		}

		appt, err := svc.CreateAppointment(r.Context(), in)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, newAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func transitionHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var req TransitionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		to, err := queue.ParseStatus(req.To)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
			return
		}

		appt, err := svc.Transition(r.Context(), id, to, queue.Payload{
			Actor:         actor,
			Vitals:        req.Vitals,
			PaymentStatus: req.PaymentStatus,
			Consultation:  req.Consultation,
			CancelReason:  req.CancelReason,
		})
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func requeueHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		appt, err := svc.ReQueue(r.Context(), id, actor)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func positionHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var opts queue.EstimateOptions
		if raw := r.URL.Query().Get("avg"); raw != "" {
			avg, err := strconv.Atoi(raw)
			if err != nil || avg <= 0 {
				writeError(w, http.StatusBadRequest, "invalid_avg", "avg must be a positive number of minutes")
				return
			}
			opts.AverageConsultationMinutes = avg
		}
		switch rule := queue.InclusionRule(r.URL.Query().Get("inclusion")); rule {
		case "", queue.InclusionNumeric, queue.InclusionWaiting:
			opts.Inclusion = rule
		default:
			writeError(w, http.StatusBadRequest, "invalid_inclusion", "inclusion must be numeric or waiting")
			return
		}

		est, err := svc.EstimatePosition(r.Context(), id, opts)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, est)
	}
}

// queueSnapshotHandler returns an empty OPD queue for a doctor-day that has
// no activity yet.
func queueSnapshotHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := queueKey(w, r, svc)
		if !ok {
			return
		}

		state, err := svc.GetQueueSnapshot(r.Context(), key)
		if errors.Is(err, queue.ErrQueueNotFound) {
			fresh := queue.NewDoctorQueueState(key)
			state, err = &fresh, nil
		}
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, realtime.NewQueueView(*state))
	}
}

func listAppointmentsHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := queueKey(w, r, svc)
		if !ok {
			return
		}

		appts, err := svc.ListAppointments(r.Context(), key)
		if err != nil {
			handleError(w, r, err)
			return
		}

		resp := ListAppointmentsResponse{Appointments: make([]AppointmentResponse, 0, len(appts))}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, newAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func callNextHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := queueKey(w, r, svc)
		if !ok {
			return
		}
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		appt, err := svc.CallNext(r.Context(), key, actor)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, newAppointmentResponse(appt))
	}
}

func doctorStatusHandler(svc QueueService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := queueKey(w, r, svc)
		if !ok {
			return
		}
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}

		var req DoctorStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		status, err := queue.ParseDoctorStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_status", err.Error())
			return
		}

		state, err := svc.SetDoctorStatus(r.Context(), key, status, actor)
		if err != nil {
			handleError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, realtime.NewQueueView(*state))
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queueKey reads the doctor-day from the path and the optional ?day=
// parameter, which defaults to today in the clinic time zone.
func queueKey(w http.ResponseWriter, r *http.Request, svc QueueService) (queue.QueueKey, bool) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = svc.Today()
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD")
		return queue.QueueKey{}, false
	}
	key := queue.QueueKey{
		HospitalRef: chi.URLParam(r, "hospital"),
		DoctorRef:   chi.URLParam(r, "doctor"),
		Day:         day,
	}
	if err := key.Validate(); err != nil {
		handleError(w, r, err)
		return queue.QueueKey{}, false
	}
	return key, true
}

func actorFrom(w http.ResponseWriter, r *http.Request) (queue.Actor, bool) {
	actor := queue.Actor{
		Role: queue.Role(r.Header.Get(headerActorRole)),
		ID:   r.Header.Get(headerActorID),
	}
	switch actor.Role {
	case "", queue.RoleReception, queue.RoleDoctor, queue.RolePatient, queue.RoleSystem:
		return actor, true
	}
	writeError(w, http.StatusBadRequest, "invalid_actor_role", "unknown "+headerActorRole)
	return queue.Actor{}, false
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var ite *queue.InvalidTransitionError
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, queue.ErrQueueEmpty):
		writeError(w, http.StatusNotFound, "queue_empty", err.Error())
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &ite):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrDoctorBusy):
		writeError(w, http.StatusConflict, "doctor_busy", err.Error())
	case errors.Is(err, queue.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version_conflict", "queue is busy, please retry shortly")
	case errors.Is(err, queue.ErrNotActiveDoctor):
		writeError(w, http.StatusForbidden, "not_active_doctor", err.Error())
	case errors.Is(err, queue.ErrAllocationUnavailable):
		writeError(w, http.StatusServiceUnavailable, "allocation_unavailable", "token allocation is temporarily unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
