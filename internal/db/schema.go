package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements define the durable schedule store. The UNIQUE
// (doctor_id, start_time) constraint makes each doctor's grid a partition:
// two slots can never share a start. The partial unique index on
// idempotency_key is the backstop against duplicate reservation submits.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS doctors (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		default_visit_minutes int NOT NULL DEFAULT 30,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		email text,
		phone text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id uuid PRIMARY KEY,
		patient_id uuid NOT NULL REFERENCES patients(id),
		doctor_id uuid NOT NULL REFERENCES doctors(id),
		status text NOT NULL CHECK (status IN ('booked', 'cancelled', 'completed', 'no_show')),
		start_time timestamptz NOT NULL,
		end_time timestamptz NOT NULL,
		idempotency_key text,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS appointments_idempotency_key_idx
		ON appointments (idempotency_key)
		WHERE idempotency_key IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS availability_slots (
		id uuid PRIMARY KEY,
		doctor_id uuid NOT NULL REFERENCES doctors(id),
		start_time timestamptz NOT NULL,
		end_time timestamptz NOT NULL,
		status text NOT NULL DEFAULT 'free' CHECK (status IN ('free', 'booked', 'blocked', 'holiday')),
		appointment_id uuid REFERENCES appointments(id),
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		UNIQUE (doctor_id, start_time)
	)`,
	`CREATE INDEX IF NOT EXISTS availability_slots_free_idx
		ON availability_slots (doctor_id, start_time)
		WHERE status = 'free'`,
	`CREATE INDEX IF NOT EXISTS availability_slots_appointment_idx
		ON availability_slots (appointment_id)
		WHERE appointment_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS appointment_events (
		id bigserial PRIMARY KEY,
		event_type text NOT NULL,
		appointment_id uuid,
		payload jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS appointments_reminder_idx
		ON appointments (start_time)
		WHERE status = 'booked'`,
}

// Migrate applies the schema. Statements are idempotent so repeated runs
// are safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
