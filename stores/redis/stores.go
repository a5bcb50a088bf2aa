// Package redis provides shared SecretStore and FlowStateStore backends for
// multi-instance deployments, where the in-process stores would strand flows
// on the instance that started them.
package redis

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	authkit "github.com/warpy-ai/auth-sdk-sub001"
)

const defaultPrefix = "authkit"

// consumeRetries bounds optimistic-transaction retries when two instances
// race on the same secret.
const consumeRetries = 3

// SecretStore implements authkit.SecretStore on Redis. Expiry is delegated
// to Redis TTLs; at-most-once consumption uses WATCH/MULTI so concurrent
// verifies against the same secret cannot both succeed.
type SecretStore struct {
	client redis.UniversalClient
	prefix string
}

func NewSecretStore(client redis.UniversalClient, prefix string) *SecretStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &SecretStore{client: client, prefix: prefix}
}

func (s *SecretStore) secretKey(kind authkit.SecretKind, identifier string) string {
	return fmt.Sprintf("%s:secret:%s:%s", s.prefix, kind, identifier)
}

func (s *SecretStore) rateKey(kind authkit.SecretKind, identifier string) string {
	return fmt.Sprintf("%s:rate:%s:%s", s.prefix, kind, identifier)
}

func (s *SecretStore) Put(ctx context.Context, rec authkit.SecretRecord, window time.Duration, cap int) error {
	rateKey := s.rateKey(rec.Kind, rec.Identifier)
	count, err := s.client.Incr(ctx, rateKey).Result()
	if err != nil {
		return fmt.Errorf("failed to bump issue counter: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, rateKey, window)
	}
	if cap > 0 && count > int64(cap) {
		return authkit.ErrRateLimited
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode secret record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.secretKey(rec.Kind, rec.Identifier), data, ttl).Err()
}

func (s *SecretStore) Consume(ctx context.Context, kind authkit.SecretKind, identifier, candidateHash string, maxAttempts int, singleUse bool) error {
	key := s.secretKey(kind, identifier)

	var outcome error
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			outcome = authkit.ErrSecretInvalid
			return nil
		}
		if err != nil {
			return err
		}
		var rec authkit.SecretRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			outcome = authkit.ErrSecretInvalid
			return nil
		}
		if rec.Consumed {
			outcome = authkit.ErrSecretAlreadyUsed
			return nil
		}
		if time.Now().After(rec.ExpiresAt) {
			outcome = authkit.ErrSecretExpired
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}

		if subtle.ConstantTimeCompare([]byte(rec.SecretHash), []byte(candidateHash)) != 1 {
			rec.Attempts++
			if maxAttempts > 0 && rec.Attempts >= maxAttempts {
				rec.Consumed = true
				outcome = authkit.ErrRateLimited
			} else {
				outcome = authkit.ErrSecretInvalid
			}
		} else if singleUse {
			// Keep the consumed record around until expiry so a replayed
			// verify reports already-used rather than invalid.
			rec.Consumed = true
		}

		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < consumeRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("secret consume failed: %w", err)
		}
		return outcome
	}
	return authkit.ErrSecretInvalid
}

// Sweep is a no-op: Redis TTLs already expire secrets and rate buckets.
func (s *SecretStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

// FlowStateStore implements authkit.FlowStateStore on Redis. Consume uses
// GETDEL so a state value can only be redeemed once across instances.
type FlowStateStore struct {
	client redis.UniversalClient
	prefix string
}

func NewFlowStateStore(client redis.UniversalClient, prefix string) *FlowStateStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &FlowStateStore{client: client, prefix: prefix}
}

func (s *FlowStateStore) stateKey(state string) string {
	return fmt.Sprintf("%s:flow:%s", s.prefix, state)
}

func (s *FlowStateStore) Put(ctx context.Context, fs *authkit.FlowState) error {
	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to encode flow state: %w", err)
	}
	ttl := time.Until(fs.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.client.Set(ctx, s.stateKey(fs.State), data, ttl).Err()
}

func (s *FlowStateStore) Consume(ctx context.Context, state string) (*authkit.FlowState, error) {
	data, err := s.client.GetDel(ctx, s.stateKey(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, authkit.ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("flow state consume failed: %w", err)
	}
	var fs authkit.FlowState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, authkit.ErrInvalidState
	}
	if time.Now().After(fs.ExpiresAt) {
		return nil, authkit.ErrInvalidState
	}
	return &fs, nil
}

func (s *FlowStateStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}
