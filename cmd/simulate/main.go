package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medgrid/slotbooker/internal/config"
	"github.com/medgrid/slotbooker/internal/db"
)

// simulate drives concurrent reserve/cancel/availability traffic against a
// running api-server and then audits the store: after any amount of
// contention, no slot may belong to more than one active appointment.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReserveRatio float64
	CancelRatio  float64
	ReadRatio    float64
	PostgresDSN  string
}

type DataPool struct {
	Patients []uuid.UUID
	Starts   []time.Time // free slot start times, deliberately narrow to force contention

	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment() (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rand.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total    int64
	Success  int64
	Conflict int64
	Error    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *OperationMetrics) Record(latency time.Duration, success, conflict bool) {
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
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.latencies))
	copy(latencies, om.latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))

	idx := func(pct int) int {
		i := len(latencies) * pct / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return i
	}
	return avg, latencies[idx(50)], latencies[idx(95)]
}

type Metrics struct {
	Reserve      OperationMetrics
	Cancel       OperationMetrics
	Availability OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadSimConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}
	log.Printf("loaded: %d patients, %d contended start times", len(dataPool.Patients), len(dataPool.Starts))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()

	if err := auditNoDoubleBooking(context.Background(), pgPool); err != nil {
		log.Fatalf("AUDIT FAILED: %v", err)
	}
	log.Println("audit passed: no slot is held by more than one active appointment")
}

func loadSimConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		ReserveRatio: getFloat("SIM_RESERVE_RATIO", 0.6),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.2),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	total := cfg.ReserveRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.ReserveRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT 4000`)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}

	// A small window of distinct starts makes workers collide on the same
	// slot runs, which is the point of the exercise.
	rows, err = pool.Query(ctx, `
		SELECT DISTINCT start_time
		FROM availability_slots
		WHERE status = 'free' AND start_time > now()
		ORDER BY start_time
		LIMIT 64
	`)
	if err != nil {
		return nil, fmt.Errorf("load starts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		dp.Starts = append(dp.Starts, t)
	}

	if len(dp.Patients) == 0 || len(dp.Starts) == 0 {
		return nil, fmt.Errorf("empty data pool, run cmd/seed first")
	}

	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				roll := rand.Float64()
				switch {
				case roll < s.config.ReserveRatio:
					s.doReserve(ctx)
				case roll < s.config.ReserveRatio+s.config.CancelRatio:
					s.doCancel(ctx)
				default:
					s.doAvailability(ctx)
				}
			}
		}()
	}
	wg.Wait()
}

func (s *Simulator) doReserve(ctx context.Context) {
	patient := s.pool.Patients[rand.Intn(len(s.pool.Patients))]
	start := s.pool.Starts[rand.Intn(len(s.pool.Starts))]
	durations := []int{30, 45, 60}

	body, _ := json.Marshal(map[string]any{
		"patient_id":       patient.String(),
		"start_time":       start.Format(time.RFC3339),
		"duration_minutes": durations[rand.Intn(len(durations))],
	})

	began := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Reserve.Record(time.Since(began), false, false)
		}
		return
	}
	defer resp.Body.Close()

	success := resp.StatusCode == http.StatusCreated
	conflict := resp.StatusCode == http.StatusConflict
	s.metrics.Reserve.Record(time.Since(began), success, conflict)

	if success {
		var created struct {
			ID uuid.UUID `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err == nil {
			s.pool.AddAppointment(created.ID)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
}

func (s *Simulator) doCancel(ctx context.Context) {
	id, ok := s.pool.RandomAppointment()
	if !ok {
		return
	}

	began := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/appointments/%s/cancel", s.config.APIBaseURL, id), nil)
	if err != nil {
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Cancel.Record(time.Since(began), false, false)
		}
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	success := resp.StatusCode == http.StatusOK
	// Double cancels of an already-picked appointment are expected churn.
	conflict := resp.StatusCode == http.StatusUnprocessableEntity
	s.metrics.Cancel.Record(time.Since(began), success, conflict)
}

func (s *Simulator) doAvailability(ctx context.Context) {
	from := time.Now().UTC()
	to := from.Add(48 * time.Hour)

	began := time.Now()
	url := fmt.Sprintf("%s/availability?from=%s&to=%s",
		s.config.APIBaseURL, from.Format(time.RFC3339), to.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.Availability.Record(time.Since(began), false, false)
		}
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	s.metrics.Availability.Record(time.Since(began), resp.StatusCode == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	report := func(name string, om *OperationMetrics) {
		avg, p50, p95 := om.Stats()
		log.Printf("%-12s total=%d success=%d conflict=%d error=%d avg=%s p50=%s p95=%s",
			name, om.Total, om.Success, om.Conflict, om.Error, avg, p50, p95)
	}
	report("reserve", &s.metrics.Reserve)
	report("cancel", &s.metrics.Cancel)
	report("availability", &s.metrics.Availability)
}

// auditNoDoubleBooking is the post-run invariant check: every booked slot
// points at exactly one booked appointment, and no two appointments share
// a slot.
func auditNoDoubleBooking(ctx context.Context, pool *pgxpool.Pool) error {
	var orphaned int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM availability_slots s
		LEFT JOIN appointments a ON a.id = s.appointment_id
		WHERE s.status = 'booked'
		  AND (a.id IS NULL OR a.status <> 'booked')
	`).Scan(&orphaned)
	if err != nil {
		return fmt.Errorf("orphan check: %w", err)
	}
	if orphaned > 0 {
		return fmt.Errorf("%d booked slots without an active appointment", orphaned)
	}

	var overlapping int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM (
			SELECT doctor_id, start_time
			FROM availability_slots
			WHERE status = 'booked'
			GROUP BY doctor_id, start_time
			HAVING COUNT(DISTINCT appointment_id) > 1
		) doubled
	`).Scan(&overlapping)
	if err != nil {
		return fmt.Errorf("overlap check: %w", err)
	}
	if overlapping > 0 {
		return fmt.Errorf("%d doctor start times booked by multiple appointments", overlapping)
	}

	return nil
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
