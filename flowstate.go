package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFlowStateTTL bounds how long a sign-in attempt can sit between the
// authorize redirect and the provider callback.
const DefaultFlowStateTTL = 10 * time.Minute

// FlowState correlates an in-progress sign-in with its anti-forgery state
// value and PKCE verifier. Created when a sign-in is initiated, consumed
// exactly once when the matching callback arrives.
type FlowState struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	Verifier   string    `json:"verifier"`
	Provider   string    `json:"provider"`
	RedirectTo string    `json:"redirect_to"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewFlowState creates a record with a fresh random state nonce.
func NewFlowState(provider, verifier, redirectTo string, ttl time.Duration) (*FlowState, error) {
	if ttl <= 0 {
		ttl = DefaultFlowStateTTL
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	now := time.Now()
	return &FlowState{
		ID:         uuid.NewString(),
		State:      base64.RawURLEncoding.EncodeToString(b),
		Verifier:   verifier,
		Provider:   provider,
		RedirectTo: redirectTo,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// FlowStateStore holds live sign-in attempts keyed by state value. Like
// SecretStore, the in-memory implementation is single-instance only.
type FlowStateStore interface {
	Put(ctx context.Context, fs *FlowState) error

	// Consume returns the record for state and removes it atomically, so the
	// same state cannot be redeemed twice. Unknown, expired or already
	// consumed states return ErrInvalidState.
	Consume(ctx context.Context, state string) (*FlowState, error)

	// Sweep removes expired records.
	Sweep(ctx context.Context) (int, error)
}

// MemoryFlowStateStore is the default single-instance FlowStateStore.
type MemoryFlowStateStore struct {
	mu     sync.Mutex
	states map[string]*FlowState
}

func NewMemoryFlowStateStore() *MemoryFlowStateStore {
	return &MemoryFlowStateStore{states: make(map[string]*FlowState)}
}

func (s *MemoryFlowStateStore) Put(ctx context.Context, fs *FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fs
	s.states[fs.State] = &cp
	return nil
}

func (s *MemoryFlowStateStore) Consume(ctx context.Context, state string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.states[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(s.states, state)
	if time.Now().After(fs.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return fs, nil
}

func (s *MemoryFlowStateStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for state, fs := range s.states {
		if now.After(fs.ExpiresAt) {
			delete(s.states, state)
			removed++
		}
	}
	return removed, nil
}
