package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `
	id, patient_ref, doctor_ref, hospital_ref, day, scheduled_time, token_number,
	type, status, check_in_time, consultation_start_time, completion_time,
	cancel_reason, vitals, payment_status, consultation, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientRef,
		&a.DoctorRef,
		&a.HospitalRef,
		&a.Day,
		&a.ScheduledTime,
		&a.TokenNumber,
		&a.Type,
		&a.Status,
		&a.CheckInTime,
		&a.ConsultationStartTime,
		&a.CompletionTime,
		&a.CancelReason,
		&a.Vitals,
		&a.PaymentStatus,
		&a.Consultation,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanQueueState(row pgx.Row) (*DoctorQueueState, error) {
	var s DoctorQueueState
	var waiting []byte

	err := row.Scan(
		&s.Key.HospitalRef,
		&s.Key.DoctorRef,
		&s.Key.Day,
		&s.CurrentToken,
		&s.ServingToken,
		&s.DoctorStatus,
		&s.ActiveAppointmentID,
		&waiting,
		&s.Version,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQueueNotFound
		}
		return nil, err
	}

	s.Waiting = []WaitingEntry{}
	if len(waiting) > 0 {
		if err := json.Unmarshal(waiting, &s.Waiting); err != nil {
			return nil, fmt.Errorf("decode waiting list: %w", err)
		}
	}
	return &s, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, key QueueKey) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE hospital_ref = $1 AND doctor_ref = $2 AND day = $3
		ORDER BY token_number
	`, key.HospitalRef, key.DoctorRef, key.Day)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) MaxToken(ctx context.Context, key QueueKey) (int, error) {
	var highest int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(token_number), 0)
		FROM appointments
		WHERE hospital_ref = $1 AND doctor_ref = $2 AND day = $3
	`, key.HospitalRef, key.DoctorRef, key.Day).Scan(&highest)
	return highest, err
}

func (r *PgRepository) ListOpenBefore(ctx context.Context, day string, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('BOOKED', 'CHECKED_IN')
		  AND day < $1
		ORDER BY day, token_number
		LIMIT $2
	`, day, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) GetQueueState(ctx context.Context, key QueueKey) (*DoctorQueueState, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT hospital_ref, doctor_ref, day, current_token, serving_token, doctor_status,
		       active_appointment_id, waiting, version, updated_at
		FROM doctor_queue_states
		WHERE hospital_ref = $1 AND doctor_ref = $2 AND day = $3
	`, key.HospitalRef, key.DoctorRef, key.Day)
	return scanQueueState(row)
}

func (r *PgRepository) Apply(ctx context.Context, c Commit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The appointment goes first: the state row may point at it.
	if c.Created != nil {
		if err := insertAppointment(ctx, tx, c.Created); err != nil {
			return err
		}
	}

	for _, u := range c.Updated {
		if err := updateAppointment(ctx, tx, u); err != nil {
			return err
		}
	}

	if c.EnsureState {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctor_queue_states (hospital_ref, doctor_ref, day)
			VALUES ($1, $2, $3)
			ON CONFLICT (hospital_ref, doctor_ref, day) DO NOTHING
		`, c.Key.HospitalRef, c.Key.DoctorRef, c.Key.Day)
		if err != nil {
			return fmt.Errorf("ensure queue state: %w", err)
		}
	}

	if c.State != nil {
		if err := upsertQueueState(ctx, tx, c.State, c.ExpectedVersion); err != nil {
			return err
		}
	}

	for _, ev := range c.Events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertAppointment(ctx context.Context, tx pgx.Tx, a *Appointment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		a.ID, a.PatientRef, a.DoctorRef, a.HospitalRef, a.Day, a.ScheduledTime, a.TokenNumber,
		a.Type, a.Status, a.CheckInTime, a.ConsultationStartTime, a.CompletionTime,
		a.CancelReason, nullableJSON(a.Vitals), a.PaymentStatus, nullableJSON(a.Consultation),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateToken, pgErr.ConstraintName)
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func updateAppointment(ctx context.Context, tx pgx.Tx, u AppointmentUpdate) error {
	a := u.Appointment
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    check_in_time = $3,
		    consultation_start_time = $4,
		    completion_time = $5,
		    cancel_reason = $6,
		    vitals = $7,
		    payment_status = $8,
		    consultation = $9,
		    updated_at = $10
		WHERE id = $1
		  AND status = $11
	`,
		a.ID, a.Status, a.CheckInTime, a.ConsultationStartTime, a.CompletionTime,
		a.CancelReason, nullableJSON(a.Vitals), a.PaymentStatus, nullableJSON(a.Consultation),
		a.UpdatedAt, u.From,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: appointment %s is no longer %s", ErrVersionConflict, a.ID, u.From)
	}
	return nil
}

func upsertQueueState(ctx context.Context, tx pgx.Tx, s *DoctorQueueState, expected int64) error {
	waiting, err := json.Marshal(s.Waiting)
	if err != nil {
		return fmt.Errorf("encode waiting list: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO doctor_queue_states (
			hospital_ref, doctor_ref, day, current_token, serving_token, doctor_status,
			active_appointment_id, waiting, version, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hospital_ref, doctor_ref, day) DO UPDATE
		SET current_token = EXCLUDED.current_token,
		    serving_token = EXCLUDED.serving_token,
		    doctor_status = EXCLUDED.doctor_status,
		    active_appointment_id = EXCLUDED.active_appointment_id,
		    waiting = EXCLUDED.waiting,
		    version = EXCLUDED.version,
		    updated_at = EXCLUDED.updated_at
		WHERE doctor_queue_states.version = $11
	`,
		s.Key.HospitalRef, s.Key.DoctorRef, s.Key.Day, s.CurrentToken, s.ServingToken,
		s.DoctorStatus, s.ActiveAppointmentID, waiting, s.Version, s.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is past version %d", ErrVersionConflict, s.Key, expected)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev EventLog) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, hospital_ref, doctor_ref, day, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, ev.EventType, ev.AppointmentID, ev.HospitalRef, ev.DoctorRef, ev.Day, nullableJSON(ev.Payload), nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
