package authkit

import (
	"errors"
	"fmt"
)

// Error codes returned in JSON error bodies. The messages sent alongside them
// stay generic so callers cannot enumerate which secret-verification reason
// applied.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeInvalidToken  = "invalid_token"
	ErrCodeCaptchaFailed = "captcha_failed"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeUnknownRoute  = "unknown_route"
	ErrCodeServerError   = "server_error"
)

// ConfigError reports a fatal configuration problem. It is returned at
// startup (from Config.Validate or NewRouter), never per request.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failure from the caller-supplied Adapter. The core
// never retries these.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

var (
	// ErrInvalidState is returned when an OAuth callback carries a state
	// value that does not match a live flow-state record, or a record that
	// was already consumed.
	ErrInvalidState = errors.New("invalid or expired flow state")

	// Vault verification failures. These are distinguishable internally and
	// in logs; routes collapse them into a generic message.
	ErrSecretInvalid     = errors.New("secret does not match")
	ErrSecretExpired     = errors.New("secret expired")
	ErrSecretAlreadyUsed = errors.New("secret already used")

	// ErrRateLimited is returned when the per-identifier issuance cap or the
	// per-secret attempt cap is exceeded.
	ErrRateLimited = errors.New("rate limited")

	// ErrCaptchaFailed is returned when a flow requires human verification
	// and the supplied token did not verify.
	ErrCaptchaFailed = errors.New("captcha verification failed")
)
