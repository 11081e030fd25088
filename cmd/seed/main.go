package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medgrid/slotbooker/internal/db"
)

// seed applies the schema and populates doctors, patients, and each
// doctor's slot grid. The grid generator here stands in for the upstream
// schedule-generation collaborator.
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "seed").Logger()

	doctorCount := flag.Int("doctors", 50, "number of doctors to seed")
	patientCount := flag.Int("patients", 2000, "number of patients to seed")
	gridDays := flag.Int("grid-days", 14, "days of slot grid per doctor")
	slotWidth := flag.Duration("slot-width", 30*time.Minute, "grid slot width")
	flag.Parse()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}
	log.Info().Msg("schema applied")

	gofakeit.Seed(time.Now().UnixNano())

	doctorIDs, err := seedDoctors(context.Background(), pool, log, *doctorCount)
	if err != nil {
		log.Fatal().Err(err).Msg("seed doctors")
	}
	if err := seedPatients(context.Background(), pool, log, *patientCount); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedSlotGrids(context.Background(), pool, log, doctorIDs, *gridDays, *slotWidth); err != nil {
		log.Fatal().Err(err).Msg("seed slot grids")
	}

	log.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, count int) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding doctors")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	visitLengths := []int{15, 30, 45, 60}

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := "Dr. " + gofakeit.Name()
		visit := visitLengths[gofakeit.Number(0, len(visitLengths)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, default_visit_minutes, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, visit)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info().Msg("doctors seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, count int) error {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), gofakeit.Name(), gofakeit.Email(), gofakeit.Phone())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}

	return nil
}

// seedSlotGrids fills each doctor's working days (09:00-17:00 UTC) with
// free fixed-width slots. The unique (doctor_id, start_time) constraint
// makes reruns fail instead of doubling a grid; ON CONFLICT skips those.
func seedSlotGrids(ctx context.Context, pool *pgxpool.Pool, log zerolog.Logger, doctorIDs []uuid.UUID, days int, slotWidth time.Duration) error {
	log.Info().Int("doctors", len(doctorIDs)).Int("days", days).Dur("slot_width", slotWidth).Msg("seeding slot grids")

	today := time.Now().UTC().Truncate(24 * time.Hour)

	for _, doctorID := range doctorIDs {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for d := 0; d < days; d++ {
			day := today.AddDate(0, 0, d)
			dayStart := day.Add(9 * time.Hour)
			dayEnd := day.Add(17 * time.Hour)

			for start := dayStart; start.Before(dayEnd); start = start.Add(slotWidth) {
				_, err := tx.Exec(ctx, `
					INSERT INTO availability_slots (id, doctor_id, start_time, end_time, status, created_at, updated_at)
					VALUES ($1, $2, $3, $4, 'free', now(), now())
					ON CONFLICT (doctor_id, start_time) DO NOTHING
				`, uuid.New(), doctorID, start, start.Add(slotWidth))
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	log.Info().Msg("slot grids seeded")
	return nil
}
