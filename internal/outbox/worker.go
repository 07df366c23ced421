// Package outbox relays committed integration events to the message broker.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/repository"
)

type Publisher interface {
	PublishEvent(ctx context.Context, event *domain.OutboxEvent) error
}

type Worker struct {
	repo      repository.OutboxRepository
	publisher Publisher
	batchSize int
	logger    zerolog.Logger
}

func NewWorker(repo repository.OutboxRepository, publisher Publisher, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Worker{
		repo:      repo,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logging.L().With().Str(logging.FieldComponent, "outbox").Logger(),
	}
}

// Start polls for pending events every interval until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", interval).Int("batch_size", w.batchSize).Msg("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.RelayBatch(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("outbox relay failed")
			}
		}
	}
}

// RelayBatch publishes one batch in creation order. Publishing stops at the
// first failure; events published before it are marked processed and the rest
// stay pending for the next round.
func (w *Worker) RelayBatch(ctx context.Context) (int, error) {
	tx, err := w.repo.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := w.repo.FetchPending(ctx, tx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := make([]uuid.UUID, 0, len(events))
	var publishErr error
	for _, event := range events {
		if err := w.publisher.PublishEvent(ctx, event); err != nil {
			publishErr = fmt.Errorf("failed to publish event %s: %w", event.ID, err)
			break
		}
		published = append(published, event.ID)
	}

	if err := w.repo.MarkProcessed(ctx, tx, published); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	if len(published) > 0 {
		w.logger.Debug().Int("events", len(published)).Msg("outbox batch relayed")
	}
	return len(published), publishErr
}
