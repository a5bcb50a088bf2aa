// Package gorm provides SQL-backed SecretStore and FlowStateStore backends
// plus an Adapter implementation, for deployments that already carry a
// relational database.
package gorm

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	authkit "github.com/warpy-ai/auth-sdk-sub001"
)

// =============================================================================
// SecretStore
// =============================================================================

// SecretStore implements authkit.SecretStore on a relational database.
// Consumption runs in a transaction with a row lock, so at-most-once
// semantics hold across instances sharing the database.
type SecretStore struct {
	db *gorm.DB
}

func NewSecretStore(db *gorm.DB) *SecretStore {
	return &SecretStore{db: db}
}

func secretKey(kind authkit.SecretKind, identifier string) string {
	return string(kind) + ":" + identifier
}

func (s *SecretStore) Put(ctx context.Context, rec authkit.SecretRecord, window time.Duration, cap int) error {
	key := secretKey(rec.Kind, rec.Identifier)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cap > 0 {
			var issued int64
			if err := tx.Model(&SecretIssueModel{}).
				Where("key = ? AND issued_at > ?", key, time.Now().Add(-window)).
				Count(&issued).Error; err != nil {
				return fmt.Errorf("failed to count issues: %w", err)
			}
			if issued >= int64(cap) {
				return authkit.ErrRateLimited
			}
		}
		if err := tx.Create(&SecretIssueModel{Key: key, IssuedAt: rec.IssuedAt}).Error; err != nil {
			return fmt.Errorf("failed to record issue: %w", err)
		}
		model := &SecretModel{
			Key:        key,
			Kind:       string(rec.Kind),
			Identifier: rec.Identifier,
			SecretHash: rec.SecretHash,
			IssuedAt:   rec.IssuedAt,
			ExpiresAt:  rec.ExpiresAt,
			Consumed:   rec.Consumed,
			Attempts:   rec.Attempts,
		}
		return tx.Save(model).Error
	})
}

func (s *SecretStore) Consume(ctx context.Context, kind authkit.SecretKind, identifier, candidateHash string, maxAttempts int, singleUse bool) error {
	key := secretKey(kind, identifier)
	var outcome error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SecretModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = authkit.ErrSecretInvalid
			return nil
		}
		if err != nil {
			return err
		}
		if model.Consumed {
			outcome = authkit.ErrSecretAlreadyUsed
			return nil
		}
		if time.Now().After(model.ExpiresAt) {
			outcome = authkit.ErrSecretExpired
			return tx.Delete(&model).Error
		}

		if subtle.ConstantTimeCompare([]byte(model.SecretHash), []byte(candidateHash)) != 1 {
			model.Attempts++
			if maxAttempts > 0 && model.Attempts >= maxAttempts {
				model.Consumed = true
				outcome = authkit.ErrRateLimited
			} else {
				outcome = authkit.ErrSecretInvalid
			}
		} else if singleUse {
			model.Consumed = true
		}
		return tx.Save(&model).Error
	})
	if err != nil {
		return fmt.Errorf("secret consume failed: %w", err)
	}
	return outcome
}

func (s *SecretStore) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&SecretModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	// Issue rows older than any plausible rate window are dead weight.
	s.db.WithContext(ctx).
		Where("issued_at < ?", now.Add(-24*time.Hour)).
		Delete(&SecretIssueModel{})
	return int(res.RowsAffected), nil
}

// =============================================================================
// FlowStateStore
// =============================================================================

// FlowStateStore implements authkit.FlowStateStore on a relational database.
type FlowStateStore struct {
	db *gorm.DB
}

func NewFlowStateStore(db *gorm.DB) *FlowStateStore {
	return &FlowStateStore{db: db}
}

func (s *FlowStateStore) Put(ctx context.Context, fs *authkit.FlowState) error {
	model := &FlowStateModel{
		State:      fs.State,
		ID:         fs.ID,
		Verifier:   fs.Verifier,
		Provider:   fs.Provider,
		RedirectTo: fs.RedirectTo,
		CreatedAt:  fs.CreatedAt,
		ExpiresAt:  fs.ExpiresAt,
	}
	return s.db.WithContext(ctx).Save(model).Error
}

func (s *FlowStateStore) Consume(ctx context.Context, state string) (*authkit.FlowState, error) {
	var out *authkit.FlowState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model FlowStateModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "state = ?", state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authkit.ErrInvalidState
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&model).Error; err != nil {
			return err
		}
		if time.Now().After(model.ExpiresAt) {
			return authkit.ErrInvalidState
		}
		out = &authkit.FlowState{
			ID:         model.ID,
			State:      model.State,
			Verifier:   model.Verifier,
			Provider:   model.Provider,
			RedirectTo: model.RedirectTo,
			CreatedAt:  model.CreatedAt,
			ExpiresAt:  model.ExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FlowStateStore) Sweep(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&FlowStateModel{})
	return int(res.RowsAffected), res.Error
}

// =============================================================================
// Adapter
// =============================================================================

// Adapter implements the authkit.Adapter persistence contract over the
// models in this package.
type Adapter struct {
	db *gorm.DB
}

func NewAdapter(db *gorm.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) Sessions() authkit.CRUDOps {
	return &modelOps{db: a.db, op: "session", model: func() any { return &SessionModel{} }}
}

func (a *Adapter) Users() authkit.CRUDOps {
	return &modelOps{db: a.db, op: "user", model: func() any { return &UserModel{} }}
}

func (a *Adapter) Accounts() authkit.AccountOps {
	return &modelOps{db: a.db, op: "account", model: func() any { return &AccountModel{} }}
}

type modelOps struct {
	db    *gorm.DB
	op    string
	model func() any
}

func (t *modelOps) wrap(action string, err error) error {
	return &authkit.PersistenceError{Op: t.op + "." + action, Err: err}
}

func (t *modelOps) Create(ctx context.Context, data authkit.Record) (authkit.Record, error) {
	if err := t.db.WithContext(ctx).Model(t.model()).Create(map[string]any(data)).Error; err != nil {
		return nil, t.wrap("create", err)
	}
	return data, nil
}

func (t *modelOps) FindUnique(ctx context.Context, where authkit.Record) (authkit.Record, error) {
	var out map[string]any
	err := t.db.WithContext(ctx).Model(t.model()).Where(map[string]any(where)).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, t.wrap("findUnique", err)
	}
	return Record(out), nil
}

func (t *modelOps) Update(ctx context.Context, where authkit.Record, data authkit.Record) (authkit.Record, error) {
	err := t.db.WithContext(ctx).Model(t.model()).Where(map[string]any(where)).Updates(map[string]any(data)).Error
	if err != nil {
		return nil, t.wrap("update", err)
	}
	return t.FindUnique(ctx, where)
}

func (t *modelOps) Delete(ctx context.Context, where authkit.Record) error {
	if err := t.db.WithContext(ctx).Where(map[string]any(where)).Delete(t.model()).Error; err != nil {
		return t.wrap("delete", err)
	}
	return nil
}

// Record converts a raw row map into the adapter's record shape.
func Record(m map[string]any) authkit.Record {
	return authkit.Record(m)
}
