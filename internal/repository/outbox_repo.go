package repository

import (
	"context"
	"database/sql"
	"fmt"

	"telehealth_core/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type OutboxRepository interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error
	FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error
}

type PostgresOutboxRepository struct {
	db *sql.DB
}

func NewPostgresOutboxRepository(db *sql.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (r *PostgresOutboxRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

func (r *PostgresOutboxRepository) Save(ctx context.Context, tx *sql.Tx, event *domain.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, payload, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)
	`, event.ID, event.EventType, []byte(event.Payload), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

// FetchPending locks up to limit pending rows for the lifetime of tx.
func (r *PostgresOutboxRepository) FetchPending(ctx context.Context, tx *sql.Tx, limit int) ([]*domain.OutboxEvent, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, payload, status, created_at
		FROM outbox_events
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventType, &payload, &e.Status, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *PostgresOutboxRepository) MarkProcessed(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'processed', processed_at = NOW()
		WHERE id = ANY($1::uuid[])
	`, pq.Array(strs))
	if err != nil {
		return fmt.Errorf("failed to mark events processed: %w", err)
	}
	return nil
}
