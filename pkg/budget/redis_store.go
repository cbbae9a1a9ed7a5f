package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisRetries = 8

// RedisStore implements Store on Redis using optimistic transactions: the tracker key
// is WATCHed, mutated client-side, and written in MULTI/EXEC. A concurrent writer
// aborts the EXEC and the update is retried against the fresh value.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "aesp:budget:", maxRetries: defaultRedisRetries}
}

// NewRedisStoreFromAddr dials a new client.
func NewRedisStoreFromAddr(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Key returns the Redis key holding agentID's tracker.
func (s *RedisStore) Key(agentID string) string {
	return s.prefix + agentID
}

func (s *RedisStore) Get(ctx context.Context, agentID string) (*Tracker, error) {
	raw, err := s.client.Get(ctx, s.Key(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis tracker get failed: %w", err)
	}
	return decodeTracker(agentID, raw)
}

func (s *RedisStore) Update(ctx context.Context, agentID string, fn UpdateFunc) (*Tracker, error) {
	key := s.Key(agentID)
	var result *Tracker

	txf := func(tx *redis.Tx) error {
		t := &Tracker{AgentID: agentID}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis tracker get failed: %w", err)
		default:
			if t, err = decodeTracker(agentID, raw); err != nil {
				return err
			}
		}

		if err := fn(t); err != nil {
			return err
		}
		next, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode tracker: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			result = t
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("redis tracker update for %s: too much contention", agentID)
}
