package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-token-queue/internal/logging"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Hospitals   int
	Doctors     int
	BookRatio   float64
	CheckRatio  float64
	CallRatio   float64
	ReadRatio   float64
	WalkInShare float64
}

type doctorQueue struct {
	Hospital string
	Doctor   string
}

// DataPool tracks what the simulation has created so later operations
// have something to act on.
type DataPool struct {
	Doctors []doctorQueue

	mu     sync.Mutex
	booked []uuid.UUID
	all    []uuid.UUID
	active map[int]uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID, booked bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.all = append(dp.all, id)
	if booked {
		dp.booked = append(dp.booked, id)
	}
}

// TakeBooked removes and returns a random appointment still waiting for
// check-in.
func (dp *DataPool) TakeBooked(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.booked) == 0 {
		return uuid.Nil, false
	}
	idx := rng.Intn(len(dp.booked))
	id := dp.booked[idx]
	dp.booked[idx] = dp.booked[len(dp.booked)-1]
	dp.booked = dp.booked[:len(dp.booked)-1]
	return id, true
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.all) == 0 {
		return uuid.Nil, false
	}
	return dp.all[rng.Intn(len(dp.all))], true
}

// SetActive records the appointment a doctor is consulting; uuid.Nil clears it.
func (dp *DataPool) SetActive(doctor int, id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if id == uuid.Nil {
		delete(dp.active, doctor)
		return
	}
	dp.active[doctor] = id
}

func (dp *DataPool) Active(doctor int) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	id, ok := dp.active[doctor]
	return id, ok
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Book     OperationMetrics
	CheckIn  OperationMetrics
	CallNext OperationMetrics
	Finish   OperationMetrics
	ReQueue  OperationMetrics
	Position OperationMetrics
	Snapshot OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

type result struct {
	status int
	body   []byte
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(getEnv("ENV", "dev"), getEnv("LOG_LEVEL", "info"), getEnv("LOG_FORMAT", "")).With().Str("service", "simulate").Logger()

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Str("base_url", cfg.APIBaseURL).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Int("hospitals", cfg.Hospitals).
		Int("doctors", cfg.Doctors).
		Float64("book", cfg.BookRatio).
		Float64("check_in", cfg.CheckRatio).
		Float64("call", cfg.CallRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   newDataPool(cfg),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
	}

	if err := sim.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		Hospitals:   getInt("SIM_HOSPITALS", 2),
		Doctors:     getInt("SIM_DOCTORS", 3),
		BookRatio:   getFloat("SIM_BOOK_RATIO", 0.35),
		CheckRatio:  getFloat("SIM_CHECKIN_RATIO", 0.25),
		CallRatio:   getFloat("SIM_CALL_RATIO", 0.2),
		ReadRatio:   getFloat("SIM_READ_RATIO", 0.2),
		WalkInShare: getFloat("SIM_WALKIN_SHARE", 0.3),
	}

	total := cfg.BookRatio + cfg.CheckRatio + cfg.CallRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookRatio /= total
		cfg.CheckRatio /= total
		cfg.CallRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Hospitals <= 0 || cfg.Doctors <= 0 {
		return fmt.Errorf("SIM_HOSPITALS and SIM_DOCTORS must be > 0")
	}
	return nil
}

func newDataPool(cfg SimConfig) *DataPool {
	dp := &DataPool{active: make(map[int]uuid.UUID)}
	for h := 0; h < cfg.Hospitals; h++ {
		hospital := "sim-hosp-" + gofakeit.LetterN(5)
		for d := 0; d < cfg.Doctors; d++ {
			dp.Doctors = append(dp.Doctors, doctorQueue{
				Hospital: hospital,
				Doctor:   "sim-dr-" + strings.ToLower(gofakeit.LastName()) + "-" + strconv.Itoa(d),
			})
		}
	}
	return dp
}

func (s *Simulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(gctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	s.log.Info().Msg("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookRatio:
			s.doBook(ctx, rng)
		case r < c.BookRatio+c.CheckRatio:
			s.doCheckIn(ctx, rng)
		case r < c.BookRatio+c.CheckRatio+c.CallRatio:
			s.doDoctorTurn(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doPosition(ctx, rng)
			} else {
				s.doSnapshot(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBook(ctx context.Context, rng *rand.Rand) {
	q := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	typ := "BOOKED"
	switch r := rng.Float64(); {
	case r < 0.02:
		typ = "EMERGENCY"
	case r < s.config.WalkInShare:
		typ = "WALKIN"
	}

	body := map[string]any{
		"hospital_ref": q.Hospital,
		"doctor_ref":   q.Doctor,
		"patient_ref":  "pat-" + gofakeit.UUID(),
		"type":         typ,
	}

	res, latency, err := s.call(ctx, http.MethodPost, "/appointments", "", body)
	success := err == nil && res.status == http.StatusCreated
	if success {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(res.body, &appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(appt.ID, typ == "BOOKED")
		}
	}
	s.metrics.Book.Record(latency, success, isConflict(res, err))
}

func (s *Simulator) doCheckIn(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.TakeBooked(rng)
	if !ok {
		return
	}
	body := map[string]any{
		"to":             "CHECKED_IN",
		"payment_status": "PAID",
		"vitals":         map[string]any{"pulse": gofakeit.Number(55, 110)},
	}
	res, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/transition", "reception", body)
	s.metrics.CheckIn.Record(latency, err == nil && res.status == http.StatusOK, isConflict(res, err))
}

// doDoctorTurn either finishes the current consultation or calls the next
// token, the way a doctor alternates through the day.
func (s *Simulator) doDoctorTurn(ctx context.Context, rng *rand.Rand) {
	idx := rng.Intn(len(s.pool.Doctors))
	q := s.pool.Doctors[idx]

	if active, ok := s.pool.Active(idx); ok {
		s.finish(ctx, rng, idx, q, active)
		return
	}

	path := fmt.Sprintf("/queues/%s/%s/call-next", q.Hospital, q.Doctor)
	res, latency, err := s.call(ctx, http.MethodPost, path, "doctor:"+q.Doctor, nil)
	success := err == nil && (res.status == http.StatusOK || res.status == http.StatusNotFound)
	if err == nil && res.status == http.StatusOK {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(res.body, &appt) == nil {
			s.pool.SetActive(idx, appt.ID)
		}
	}
	s.metrics.CallNext.Record(latency, success, isConflict(res, err))
}

func (s *Simulator) finish(ctx context.Context, rng *rand.Rand, idx int, q doctorQueue, id uuid.UUID) {
	to := "COMPLETED"
	if rng.Float64() < 0.1 {
		to = "SKIPPED"
	}
	body := map[string]any{"to": to}
	if to == "COMPLETED" {
		body["consultation"] = map[string]any{"notes": gofakeit.Sentence(8)}
	}

	res, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/transition", "doctor:"+q.Doctor, body)
	success := err == nil && res.status == http.StatusOK
	if success || (err == nil && res.status == http.StatusConflict) {
		s.pool.SetActive(idx, uuid.Nil)
	}
	s.metrics.Finish.Record(latency, success, isConflict(res, err))

	if success && to == "SKIPPED" {
		res, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/requeue", "reception", nil)
		s.metrics.ReQueue.Record(latency, err == nil && res.status == http.StatusOK, isConflict(res, err))
	}
}

func (s *Simulator) doPosition(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}
	res, latency, err := s.call(ctx, http.MethodGet, "/appointments/"+id.String()+"/position", "", nil)
	s.metrics.Position.Record(latency, err == nil && res.status == http.StatusOK, false)
}

func (s *Simulator) doSnapshot(ctx context.Context, rng *rand.Rand) {
	q := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	res, latency, err := s.call(ctx, http.MethodGet, fmt.Sprintf("/queues/%s/%s", q.Hospital, q.Doctor), "", nil)
	s.metrics.Snapshot.Record(latency, err == nil && res.status == http.StatusOK, false)
}

// call sends one request. actor is "role" or "role:id".
func (s *Simulator) call(ctx context.Context, method, path, actor string, body any) (result, time.Duration, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return result{}, 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return result{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		role, id, _ := strings.Cut(actor, ":")
		req.Header.Set("X-Actor-Role", role)
		if id != "" {
			req.Header.Set("X-Actor-ID", id)
		}
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		}
		return result{}, latency, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return result{status: resp.StatusCode, body: buf.Bytes()}, latency, nil
}

// isConflict treats contention on the doctor-day and allocator outages as
// expected back-pressure rather than errors.
func isConflict(res result, err error) bool {
	if err != nil {
		return false
	}
	return res.status == http.StatusConflict || res.status == http.StatusServiceUnavailable
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Doctor queues: %d\n", len(s.pool.Doctors))
	fmt.Println()

	printOperationReport("Book", &s.metrics.Book)
	printOperationReport("Check-in", &s.metrics.CheckIn)
	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Complete / skip", &s.metrics.Finish)
	printOperationReport("Re-queue", &s.metrics.ReQueue)
	printOperationReport("Position", &s.metrics.Position)
	printOperationReport("Snapshot", &s.metrics.Snapshot)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
