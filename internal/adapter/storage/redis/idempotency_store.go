package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qpesapay/internal/core/domain"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const reserveAttempts = 3

// IdempotencyStore implements ports.IdempotencyStore with SET NX. Expiry is
// delegated to the key TTL.
type IdempotencyStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewIdempotencyStore creates a new Redis-backed idempotency store.
func NewIdempotencyStore(client goredis.UniversalClient) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		prefix: "idempotency:",
	}
}

// Reserve writes rec only if the key is free.
func (s *IdempotencyStore) Reserve(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("encode idempotency record: %w", err)
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("idempotency record %q already expired", rec.Key)
	}

	for range reserveAttempts {
		result, err := s.client.SetArgs(ctx, s.prefix+rec.Key, payload, goredis.SetArgs{
			Mode: "NX",
			TTL:  ttl,
		}).Result()
		if err == nil && result == "OK" {
			return nil, true, nil
		}
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, false, fmt.Errorf("redis idempotency reserve: %w", err)
		}

		// Key is held; read the holder. It may expire between the two calls.
		existing, err := s.Get(ctx, rec.Key)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("redis idempotency reserve %q: key changed concurrently", rec.Key)
}

// Get returns nil, nil if the key does not exist or has expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis idempotency get: %w", err)
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, nil
}

// Release deletes the key under WATCH so a newer reservation is never removed.
func (s *IdempotencyStore) Release(ctx context.Context, key string, transactionID uuid.UUID) error {
	k := s.prefix + key
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode idempotency record: %w", err)
		}
		if rec.ResultTransactionID != transactionID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Del(ctx, k)
			return nil
		})
		return err
	}, k)
	if err != nil {
		return fmt.Errorf("redis idempotency release: %w", err)
	}
	return nil
}

// TTL reports the remaining lifetime of key, mostly for diagnostics.
func (s *IdempotencyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, s.prefix+key).Result()
}
