package authkit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"
)

// SecretKind identifies what an ephemeral secret is for. CSRF tokens are a
// degenerate case: they are keyed by session id and may be verified
// repeatedly within their TTL (double-submit-cookie design).
type SecretKind string

const (
	SecretMagicLink SecretKind = "magic_link"
	SecretTwoFactor SecretKind = "twofa"
	SecretCSRF      SecretKind = "csrf"
)

// Default lifetimes and issuance policy. All caller-configurable on the vault.
const (
	DefaultMagicLinkTTL = 15 * time.Minute
	DefaultTwoFactorTTL = 5 * time.Minute
	DefaultCSRFTTL      = 1 * time.Hour

	DefaultIssueCap    = 5
	DefaultIssueWindow = 10 * time.Minute
	DefaultMaxAttempts = 5

	DefaultMagicLinkBytes = 32
	DefaultCodeDigits     = 6
)

// SecretRecord is the stored form of an ephemeral secret. Only the hash of
// the secret is persisted.
type SecretRecord struct {
	Kind       SecretKind `json:"kind"`
	Identifier string     `json:"identifier"`
	SecretHash string     `json:"secret_hash"`
	IssuedAt   time.Time  `json:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"consumed"`
	Attempts   int        `json:"attempts"`
}

// HashSecret returns the hex-encoded SHA-256 digest stored in place of the
// raw secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// SecretStore persists ephemeral secrets. The in-memory implementation below
// is correct for a single instance; multi-instance deployments MUST inject a
// shared backend (see stores/redis, stores/gorm, stores/gae) or concurrent
// instances will not see each other's secrets.
type SecretStore interface {
	// Put stores rec, replacing any live secret for the same kind and
	// identifier. It returns ErrRateLimited when more than cap issues have
	// been recorded for that key within window.
	Put(ctx context.Context, rec SecretRecord, window time.Duration, cap int) error

	// Consume verifies candidateHash against the live record for kind and
	// identifier. At most one Consume with singleUse=true can succeed per
	// issued secret, even under concurrent calls. Failures return
	// ErrSecretExpired, ErrSecretAlreadyUsed, ErrSecretInvalid or
	// ErrRateLimited (attempt cap exhausted, secret burned).
	Consume(ctx context.Context, kind SecretKind, identifier, candidateHash string, maxAttempts int, singleUse bool) error

	// Sweep removes expired records and stale rate buckets. Idempotent and
	// safe to run concurrently with Put/Consume.
	Sweep(ctx context.Context) (int, error)
}

// TokenVault generates, verifies and expires short-lived single-use secrets:
// magic-link tokens, 2FA codes and CSRF tokens.
type TokenVault struct {
	// Store defaults to an in-memory store.
	Store SecretStore

	// MagicLinkBytes is the entropy of opaque tokens. Defaults to 32.
	MagicLinkBytes int

	// CodeDigits is the length of numeric 2FA codes. Defaults to 6, which
	// combined with the attempt cap and TTL bounds brute-force odds.
	CodeDigits int

	// Issuance cap per identifier within IssueWindow.
	IssueCap    int
	IssueWindow time.Duration

	// MaxAttempts is the number of failed verifies before a secret is burned.
	MaxAttempts int

	Logger *slog.Logger
}

// EnsureDefaults fills zero fields with the defaults above.
func (v *TokenVault) EnsureDefaults() *TokenVault {
	if v.Store == nil {
		v.Store = NewMemorySecretStore()
	}
	if v.MagicLinkBytes <= 0 {
		v.MagicLinkBytes = DefaultMagicLinkBytes
	}
	if v.CodeDigits <= 0 {
		v.CodeDigits = DefaultCodeDigits
	}
	if v.IssueCap <= 0 {
		v.IssueCap = DefaultIssueCap
	}
	if v.IssueWindow <= 0 {
		v.IssueWindow = DefaultIssueWindow
	}
	if v.MaxAttempts <= 0 {
		v.MaxAttempts = DefaultMaxAttempts
	}
	if v.Logger == nil {
		v.Logger = slog.Default()
	}
	return v
}

// Issue generates a fresh secret of the given kind for identifier, stores
// its hash with the TTL, and returns the raw secret. Re-issuing replaces any
// live secret for the same identifier.
func (v *TokenVault) Issue(ctx context.Context, kind SecretKind, identifier string, ttl time.Duration) (string, error) {
	v.EnsureDefaults()
	if identifier == "" {
		return "", fmt.Errorf("identifier required")
	}

	var secret string
	var err error
	if kind == SecretTwoFactor {
		secret, err = generateNumericCode(v.CodeDigits)
	} else {
		secret, err = GenerateOpaqueToken(v.MagicLinkBytes)
	}
	if err != nil {
		return "", err
	}

	now := time.Now()
	rec := SecretRecord{
		Kind:       kind,
		Identifier: identifier,
		SecretHash: HashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := v.Store.Put(ctx, rec, v.IssueWindow, v.IssueCap); err != nil {
		return "", err
	}
	return secret, nil
}

// Verify consumes the secret for kind+identifier if candidate matches.
// CSRF secrets are verified without consumption and stay valid until expiry.
// The returned error distinguishes expired/already-used/invalid; callers
// should surface a generic message to users.
func (v *TokenVault) Verify(ctx context.Context, kind SecretKind, identifier, candidate string) error {
	v.EnsureDefaults()
	singleUse := kind != SecretCSRF
	err := v.Store.Consume(ctx, kind, identifier, HashSecret(candidate), v.MaxAttempts, singleUse)
	if err != nil {
		v.Logger.Info("secret verification failed", "kind", string(kind), "err", err)
	}
	return err
}

// Sweep removes expired entries from the store.
func (v *TokenVault) Sweep(ctx context.Context) (int, error) {
	v.EnsureDefaults()
	return v.Store.Sweep(ctx)
}

// StartSweeper runs Sweep on a timer until ctx is cancelled. It runs
// independently of request handling.
func (v *TokenVault) StartSweeper(ctx context.Context, interval time.Duration) {
	v.EnsureDefaults()
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := v.Sweep(ctx); err != nil {
					v.Logger.Warn("vault sweep failed", "err", err)
				} else if n > 0 {
					v.Logger.Debug("vault sweep removed entries", "count", n)
				}
			}
		}
	}()
}

// GenerateOpaqueToken returns a URL-safe token with n bytes of entropy.
func GenerateOpaqueToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func generateNumericCode(digits int) (string, error) {
	const charset = "0123456789"
	max := big.NewInt(int64(len(charset)))
	out := make([]byte, digits)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}

// =============================================================================
// In-memory SecretStore
// =============================================================================

// MemorySecretStore is the default single-instance SecretStore. All mutation
// happens under one mutex; no external call is ever made while holding it.
type MemorySecretStore struct {
	mu      sync.Mutex
	records map[string]*SecretRecord
	issues  map[string][]time.Time
	// window is the widest issue window seen on Put. Sweep prunes issue
	// history against it so a vault configured with a longer window keeps
	// its rate-cap history across sweeps.
	window time.Duration
}

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{
		records: make(map[string]*SecretRecord),
		issues:  make(map[string][]time.Time),
	}
}

func secretKey(kind SecretKind, identifier string) string {
	return string(kind) + ":" + identifier
}

func (s *MemorySecretStore) Put(ctx context.Context, rec SecretRecord, window time.Duration, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := secretKey(rec.Kind, rec.Identifier)
	now := time.Now()
	if window > s.window {
		s.window = window
	}

	// Drop issue timestamps outside the window, then check the cap.
	recent := s.issues[key][:0]
	for _, t := range s.issues[key] {
		if now.Sub(t) < window {
			recent = append(recent, t)
		}
	}
	if cap > 0 && len(recent) >= cap {
		s.issues[key] = recent
		return ErrRateLimited
	}
	s.issues[key] = append(recent, now)

	r := rec
	s.records[key] = &r
	return nil
}

func (s *MemorySecretStore) Consume(ctx context.Context, kind SecretKind, identifier, candidateHash string, maxAttempts int, singleUse bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := secretKey(kind, identifier)
	rec, ok := s.records[key]
	if !ok {
		return ErrSecretInvalid
	}
	if rec.Consumed {
		return ErrSecretAlreadyUsed
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.records, key)
		return ErrSecretExpired
	}
	if subtle.ConstantTimeCompare([]byte(rec.SecretHash), []byte(candidateHash)) != 1 {
		rec.Attempts++
		if maxAttempts > 0 && rec.Attempts >= maxAttempts {
			// Burn the secret so it cannot be brute-forced within its TTL.
			rec.Consumed = true
			return ErrRateLimited
		}
		return ErrSecretInvalid
	}
	if singleUse {
		rec.Consumed = true
	}
	return nil
}

func (s *MemorySecretStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	window := s.window
	if window <= 0 {
		window = DefaultIssueWindow
	}
	for key, times := range s.issues {
		live := times[:0]
		for _, t := range times {
			if now.Sub(t) < window {
				live = append(live, t)
			}
		}
		if len(live) == 0 {
			delete(s.issues, key)
		} else {
			s.issues[key] = live
		}
	}
	return removed, nil
}
