package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/config"
	"github.com/hackgods/clinic-token-queue/internal/db"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-token-queue/internal/redis"
)

const (
	hospitals          = 3
	doctorsPerHospital = 4
	bookingsPerDoctor  = 25
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel, cfg.LogFormat).With().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("schema migration")
	}

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	// Seeding runs without displays attached, so nothing is published.
	svc, err := queue.NewService(
		queue.NewPgRepository(pool),
		queue.NewTokenAllocator(redisclient.NewTokenCounter(rdb), nil, logger),
		redisclient.NewRedisKeyLocker(rdb, cfg.LockTTL),
		nil,
		cfg,
		queue.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue service setup")
	}

	gofakeit.Seed(time.Now().UnixNano())

	day := svc.Today()
	for h := 0; h < hospitals; h++ {
		hospital := fmt.Sprintf("hosp-%s", gofakeit.LetterN(6))
		for d := 0; d < doctorsPerHospital; d++ {
			doctor := fmt.Sprintf("dr-%s", gofakeit.LastName())
			if err := seedDoctorDay(ctx, svc, hospital, doctor, bookingsPerDoctor); err != nil {
				logger.Fatal().Err(err).Str("hospital", hospital).Str("doctor", doctor).Msg("seed doctor day")
			}
			logger.Info().Str("hospital", hospital).Str("doctor", doctor).Str("day", day).Int("appointments", bookingsPerDoctor).Msg("doctor day seeded")
		}
	}

	logger.Info().Msg("seed complete")
}

// seedDoctorDay books a mix of appointments and checks in roughly half of
// the pre-booked ones, leaving a realistic waiting list.
func seedDoctorDay(ctx context.Context, svc *queue.Service, hospital, doctor string, count int) error {
	reception := queue.Actor{Role: queue.RoleReception, ID: "seed"}
	opening := time.Now().Truncate(time.Hour)

	for i := 0; i < count; i++ {
		typ := queue.TypeBooked
		switch n := gofakeit.Number(1, 100); {
		case n <= 5:
			typ = queue.TypeEmergency
		case n <= 30:
			typ = queue.TypeWalkIn
		}

		appt, err := svc.CreateAppointment(ctx, queue.CreateAppointmentInput{
			HospitalRef:   hospital,
			DoctorRef:     doctor,
			PatientRef:    "pat-" + gofakeit.UUID(),
			ScheduledTime: opening.Add(time.Duration(i*10) * time.Minute),
			Type:          typ,
		})
		if err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		if appt.Status == queue.StatusBooked && gofakeit.Bool() {
			paid := gofakeit.RandomString([]string{"PAID", "PENDING", "INSURANCE"})
			_, err := svc.Transition(ctx, appt.ID, queue.StatusCheckedIn, queue.Payload{
				Actor:         reception,
				Vitals:        []byte(fmt.Sprintf(`{"bp":"%d/%d","pulse":%d}`, gofakeit.Number(100, 140), gofakeit.Number(60, 90), gofakeit.Number(55, 110))),
				PaymentStatus: &paid,
			})
			if err != nil {
				return fmt.Errorf("check in token %d: %w", appt.TokenNumber, err)
			}
		}
	}
	return nil
}
