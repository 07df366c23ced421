package repository

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL CHECK (role IN ('doctor', 'patient', 'admin')),
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS doctors (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
		name TEXT NOT NULL,
		specialization TEXT NOT NULL DEFAULT '',
		is_approved BOOLEAN NOT NULL DEFAULT FALSE,
		instant_available BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL UNIQUE REFERENCES users(id),
		name TEXT NOT NULL,
		age INT NOT NULL DEFAULT 0,
		gender TEXT,
		medical_history TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id BIGSERIAL PRIMARY KEY,
		patient_id BIGINT NOT NULL REFERENCES patients(id),
		doctor_id BIGINT NOT NULL REFERENCES doctors(id),
		appointment_type TEXT NOT NULL CHECK (appointment_type IN ('instant', 'scheduled', 'emergency')),
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'rejected')),
		symptoms TEXT,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		chat_active BOOLEAN NOT NULL DEFAULT FALSE,
		chat_ended_at TIMESTAMPTZ,
		CONSTRAINT chat_requires_accepted CHECK (NOT chat_active OR status = 'accepted')
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id BIGSERIAL PRIMARY KEY,
		appointment_id BIGINT NOT NULL REFERENCES appointments(id),
		sender_type TEXT NOT NULL CHECK (sender_type IN ('doctor', 'patient')),
		sender_id BIGINT NOT NULL,
		message TEXT NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_appointment ON chat_messages (appointment_id, sent_at, id)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS active_sessions (
		user_id BIGINT NOT NULL,
		connection_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, connection_id)
	)`,
}

// EnsureSchema creates the tables used by the Postgres store, outbox and presence index.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
