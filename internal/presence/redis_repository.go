package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"telehealth_core/internal/logging"
)

// RedisRepository stores one key per live connection with a TTL. A heartbeat
// refreshes the keys this process owns so that a crashed node's sessions expire.
type RedisRepository struct {
	client            *redis.Client
	prefix            string
	keyTTL            time.Duration
	heartbeatInterval time.Duration

	mu          sync.RWMutex
	managedKeys map[string]string
	cancel      context.CancelFunc
}

type RedisOptions struct {
	Address           string
	Password          string
	DB                int
	Prefix            string
	KeyTTL            time.Duration
	HeartbeatInterval time.Duration
}

func NewRedisRepository(ctx context.Context, opts RedisOptions) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRepository{
		client:            client,
		prefix:            opts.Prefix,
		keyTTL:            opts.KeyTTL,
		heartbeatInterval: opts.HeartbeatInterval,
		managedKeys:       make(map[string]string),
	}, nil
}

func (r *RedisRepository) userPattern(userID int64) string {
	return fmt.Sprintf("%s:user:%d:conn:*", r.prefix, userID)
}

func (r *RedisRepository) keyFor(userID int64, connID string) string {
	return fmt.Sprintf("%s:user:%d:conn:%s", r.prefix, userID, connID)
}

func (r *RedisRepository) AddSession(ctx context.Context, userID int64, connID, nodeID string) error {
	key := r.keyFor(userID, connID)
	if err := r.client.Set(ctx, key, nodeID, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}

	r.mu.Lock()
	r.managedKeys[key] = nodeID
	r.mu.Unlock()
	return nil
}

func (r *RedisRepository) RemoveSession(ctx context.Context, userID int64, connID string) error {
	key := r.keyFor(userID, connID)
	r.mu.Lock()
	delete(r.managedKeys, key)
	r.mu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *RedisRepository) IsUserOnline(ctx context.Context, userID int64) (bool, error) {
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, r.userPattern(userID), 100).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check if user is online: %w", err)
		}
		if len(batch) > 0 {
			return true, nil
		}
		cursor = next
		if cursor == 0 {
			return false, nil
		}
	}
}

// StartHeartbeat refreshes managed keys every heartbeat interval until ctx ends.
func (r *RedisRepository) StartHeartbeat(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.heartbeatLoop(ctx)

	l := logging.L()
	l.Info().Dur("interval", r.heartbeatInterval).Dur("ttl", r.keyTTL).Msg("presence heartbeat started")
}

func (r *RedisRepository) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshKeys(ctx)
		}
	}
}

func (r *RedisRepository) refreshKeys(ctx context.Context) {
	r.mu.RLock()
	keys := make(map[string]string, len(r.managedKeys))
	for k, v := range r.managedKeys {
		keys[k] = v
	}
	r.mu.RUnlock()
	if len(keys) == 0 {
		return
	}

	pipe := r.client.Pipeline()
	for key, nodeID := range keys {
		pipe.Set(ctx, key, nodeID, r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l := logging.L()
		l.Error().Err(err).Int("keys", len(keys)).Msg("failed to refresh presence keys")
	}
}

func (r *RedisRepository) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.client.Close()
}
