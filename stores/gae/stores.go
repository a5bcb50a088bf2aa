//go:build !wasm
// +build !wasm

// Package gae provides Google Cloud Datastore backends for the ephemeral
// secret and flow state stores, for App Engine deployments where neither
// Redis nor a SQL database is in the picture.
package gae

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"

	authkit "github.com/warpy-ai/auth-sdk-sub001"
)

// Kind constants for Datastore entities
const (
	KindSecret      = "AuthkitSecret"
	KindSecretIssue = "AuthkitSecretIssue"
	KindFlowState   = "AuthkitFlowState"
)

// ============================================================================
// SecretStore
// ============================================================================

// SecretStore implements authkit.SecretStore using Google Cloud Datastore.
// Consumption runs in a Datastore transaction, which gives at-most-once
// semantics across App Engine instances.
type SecretStore struct {
	client    *datastore.Client
	namespace string
}

// NewSecretStore creates a new Datastore-backed SecretStore
func NewSecretStore(client *datastore.Client, namespace string) *SecretStore {
	return &SecretStore{client: client, namespace: namespace}
}

func (s *SecretStore) namespacedKey(kind, name string) *datastore.Key {
	key := datastore.NameKey(kind, name, nil)
	key.Namespace = s.namespace
	return key
}

func (s *SecretStore) secretKeyName(kind authkit.SecretKind, identifier string) string {
	return string(kind) + ":" + identifier
}

func (s *SecretStore) Put(ctx context.Context, rec authkit.SecretRecord, window time.Duration, cap int) error {
	bucket := s.secretKeyName(rec.Kind, rec.Identifier)

	if cap > 0 {
		query := datastore.NewQuery(KindSecretIssue).
			FilterField("bucket", "=", bucket).
			FilterField("issued_at", ">", time.Now().Add(-window)).
			KeysOnly()
		if s.namespace != "" {
			query = query.Namespace(s.namespace)
		}
		issueKeys, err := s.client.GetAll(ctx, query, nil)
		if err != nil {
			return fmt.Errorf("failed to count issues: %w", err)
		}
		if len(issueKeys) >= cap {
			return authkit.ErrRateLimited
		}
	}

	issueKey := datastore.IncompleteKey(KindSecretIssue, nil)
	issueKey.Namespace = s.namespace
	if _, err := s.client.Put(ctx, issueKey, &SecretIssueEntity{
		Bucket:   bucket,
		IssuedAt: rec.IssuedAt,
	}); err != nil {
		return fmt.Errorf("failed to record issue: %w", err)
	}

	key := s.namespacedKey(KindSecret, bucket)
	entity := &SecretEntity{
		Key:        key,
		Kind:       string(rec.Kind),
		Identifier: rec.Identifier,
		SecretHash: rec.SecretHash,
		IssuedAt:   rec.IssuedAt,
		ExpiresAt:  rec.ExpiresAt,
		Consumed:   rec.Consumed,
		Attempts:   rec.Attempts,
	}
	_, err := s.client.Put(ctx, key, entity)
	return err
}

func (s *SecretStore) Consume(ctx context.Context, kind authkit.SecretKind, identifier, candidateHash string, maxAttempts int, singleUse bool) error {
	key := s.namespacedKey(KindSecret, s.secretKeyName(kind, identifier))

	var outcome error
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		var entity SecretEntity
		err := tx.Get(key, &entity)
		if errors.Is(err, datastore.ErrNoSuchEntity) {
			outcome = authkit.ErrSecretInvalid
			return nil
		}
		if err != nil {
			return err
		}
		if entity.Consumed {
			outcome = authkit.ErrSecretAlreadyUsed
			return nil
		}
		if time.Now().After(entity.ExpiresAt) {
			outcome = authkit.ErrSecretExpired
			return tx.Delete(key)
		}

		if subtle.ConstantTimeCompare([]byte(entity.SecretHash), []byte(candidateHash)) != 1 {
			entity.Attempts++
			if maxAttempts > 0 && entity.Attempts >= maxAttempts {
				entity.Consumed = true
				outcome = authkit.ErrRateLimited
			} else {
				outcome = authkit.ErrSecretInvalid
			}
		} else if singleUse {
			entity.Consumed = true
		}
		_, err = tx.Put(key, &entity)
		return err
	})
	if err != nil {
		return fmt.Errorf("secret consume failed: %w", err)
	}
	return outcome
}

func (s *SecretStore) Sweep(ctx context.Context) (int, error) {
	query := datastore.NewQuery(KindSecret).
		FilterField("expires_at", "<", time.Now()).
		KeysOnly()
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	keys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		if err := s.client.DeleteMulti(ctx, keys); err != nil {
			return 0, err
		}
	}

	// Issue entities older than any plausible rate window are dead weight.
	query = datastore.NewQuery(KindSecretIssue).
		FilterField("issued_at", "<", time.Now().Add(-24*time.Hour)).
		KeysOnly()
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}
	issueKeys, err := s.client.GetAll(ctx, query, nil)
	if err != nil {
		return len(keys), err
	}
	if len(issueKeys) > 0 {
		if err := s.client.DeleteMulti(ctx, issueKeys); err != nil {
			return len(keys), err
		}
	}
	return len(keys), nil
}

// ============================================================================
// FlowStateStore
// ============================================================================

// FlowStateStore implements authkit.FlowStateStore using Google Cloud
// Datastore. Redemption deletes the entity inside a transaction so a state
// nonce can only be consumed once.
type FlowStateStore struct {
	client    *datastore.Client
	namespace string
}

// NewFlowStateStore creates a new Datastore-backed FlowStateStore
func NewFlowStateStore(client *datastore.Client, namespace string) *FlowStateStore {
	return &FlowStateStore{client: client, namespace: namespace}
}

func (s *FlowStateStore) namespacedKey(state string) *datastore.Key {
	key := datastore.NameKey(KindFlowState, state, nil)
	key.Namespace = s.namespace
	return key
}

func (s *FlowStateStore) Put(ctx context.Context, fs *authkit.FlowState) error {
	key := s.namespacedKey(fs.State)
	entity := &FlowStateEntity{
		Key:        key,
		ID:         fs.ID,
		Verifier:   fs.Verifier,
		Provider:   fs.Provider,
		RedirectTo: fs.RedirectTo,
		CreatedAt:  fs.CreatedAt,
		ExpiresAt:  fs.ExpiresAt,
	}
	_, err := s.client.Put(ctx, key, entity)
	return err
}

func (s *FlowStateStore) Consume(ctx context.Context, state string) (*authkit.FlowState, error) {
	key := s.namespacedKey(state)

	var entity FlowStateEntity
	_, err := s.client.RunInTransaction(ctx, func(tx *datastore.Transaction) error {
		if err := tx.Get(key, &entity); err != nil {
			if errors.Is(err, datastore.ErrNoSuchEntity) {
				return authkit.ErrInvalidState
			}
			return err
		}
		return tx.Delete(key)
	})
	if err != nil {
		if errors.Is(err, authkit.ErrInvalidState) {
			return nil, authkit.ErrInvalidState
		}
		return nil, fmt.Errorf("flow state consume failed: %w", err)
	}
	if time.Now().After(entity.ExpiresAt) {
		return nil, authkit.ErrInvalidState
	}

	return &authkit.FlowState{
		ID:         entity.ID,
		State:      state,
		Verifier:   entity.Verifier,
		Provider:   entity.Provider,
		RedirectTo: entity.RedirectTo,
		CreatedAt:  entity.CreatedAt,
		ExpiresAt:  entity.ExpiresAt,
	}, nil
}

func (s *FlowStateStore) Sweep(ctx context.Context) (int, error) {
	query := datastore.NewQuery(KindFlowState).
		FilterField("expires_at", "<", time.Now()).
		KeysOnly()
	if s.namespace != "" {
		query = query.Namespace(s.namespace)
	}

	var keys []*datastore.Key
	it := s.client.Run(ctx, query)
	for {
		key, err := it.Next(nil)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.client.DeleteMulti(ctx, keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}
