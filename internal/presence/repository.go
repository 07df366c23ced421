// Package presence keeps a durable record of live sessions so that other
// processes can tell whether a user is reachable.
package presence

import (
	"context"
	"database/sql"
	"fmt"
)

type Repository interface {
	AddSession(ctx context.Context, userID int64, connID, nodeID string) error
	RemoveSession(ctx context.Context, userID int64, connID string) error
	IsUserOnline(ctx context.Context, userID int64) (bool, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID int64, connID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (user_id, connection_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, connection_id) DO UPDATE
		SET node_id = $3, connected_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, userID, connID, nodeID); err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, userID int64, connID string) error {
	query := `DELETE FROM active_sessions WHERE user_id = $1 AND connection_id = $2`
	if _, err := r.db.ExecContext(ctx, query, userID, connID); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, userID int64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}

// ClearNode deletes the sessions a previous run of nodeID left behind.
func (r *PostgresRepository) ClearNode(ctx context.Context, nodeID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear node sessions: %w", err)
	}
	return res.RowsAffected()
}
