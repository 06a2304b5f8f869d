package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/metrics"
	"github.com/hackgods/clinic-token-queue/internal/queue"
)

// QueueService is the queue engine as the HTTP layer sees it.
type QueueService interface {
	CreateAppointment(ctx context.Context, in queue.CreateAppointmentInput) (*queue.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*queue.Appointment, error)
	ListAppointments(ctx context.Context, key queue.QueueKey) ([]queue.Appointment, error)
	GetQueueSnapshot(ctx context.Context, key queue.QueueKey) (*queue.DoctorQueueState, error)
	Transition(ctx context.Context, id uuid.UUID, to queue.Status, p queue.Payload) (*queue.Appointment, error)
	ReQueue(ctx context.Context, id uuid.UUID, actor queue.Actor) (*queue.Appointment, error)
	CallNext(ctx context.Context, key queue.QueueKey, actor queue.Actor) (*queue.Appointment, error)
	SetDoctorStatus(ctx context.Context, key queue.QueueKey, status queue.DoctorStatus, actor queue.Actor) (*queue.DoctorQueueState, error)
	EstimatePosition(ctx context.Context, id uuid.UUID, opts queue.EstimateOptions) (queue.PositionEstimate, error)
	Today() string
}

type RouterConfig struct {
	Service   QueueService
	Health    *HealthHandler
	WebSocket http.Handler
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger, cfg.Metrics))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	if cfg.WebSocket != nil {
		r.Method(http.MethodGet, "/ws", cfg.WebSocket)
	}

	svc := cfg.Service

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(svc))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", getAppointmentHandler(svc))
			r.Post("/transition", transitionHandler(svc))
			r.Post("/requeue", requeueHandler(svc))
			r.Get("/position", positionHandler(svc))
		})
	})

	r.Route("/queues/{hospital}/{doctor}", func(r chi.Router) {
		r.Get("/", queueSnapshotHandler(svc))
		r.Get("/appointments", listAppointmentsHandler(svc))
		r.Post("/call-next", callNextHandler(svc))
		r.Put("/status", doctorStatusHandler(svc))
	})

	return r
}
