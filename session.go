package authkit

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/warpy-ai/auth-sdk-sub001/oauth2"
)

// Default session cookie settings.
const (
	DefaultCookieName = "authkit_session"
	DefaultSessionTTL = 24 * time.Hour
	DefaultIssuer     = "authkit"
)

// Session is the decoded content of the session cookie. The cookie is the
// sole source of truth for is-logged-in state; any server-side persistence
// is delegated to the Adapter by the caller's callbacks.
type Session struct {
	UserID    string         `json:"user_id"`
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	Picture   string         `json:"picture,omitempty"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// UserResolverFunc resolves or upserts identity against the caller's own
// store. It is the authority for the persisted user id; the core never keeps
// a cross-request identity store of its own.
type UserResolverFunc func(ctx context.Context, profile oauth2.UserProfile) (oauth2.UserProfile, error)

// ClaimsTransformFunc lets callers enrich or filter the signed claims before
// encoding. It receives and returns the same shape.
type ClaimsTransformFunc func(ctx context.Context, claims jwt.MapClaims) (jwt.MapClaims, error)

// SessionTransformFunc lets callers enrich or filter the session before it
// is returned, without forking the core.
type SessionTransformFunc func(ctx context.Context, session *Session) (*Session, error)

// SessionManager turns a resolved user into a signed cookie and back. The
// encoding is tamper-evident (HS256 with a key derived from Secret) and
// carries its own expiry.
type SessionManager struct {
	// Secret is required. The signing key is derived from it with HKDF so
	// the raw secret is never used directly as key material.
	Secret string

	CookieName   string
	CookiePath   string
	CookieDomain string
	CookieSecure bool
	SameSite     http.SameSite

	TTL    time.Duration
	Issuer string

	ResolveUser      UserResolverFunc
	TransformClaims  ClaimsTransformFunc
	TransformSession SessionTransformFunc

	keyOnce sync.Once
	key     []byte
	keyErr  error
}

// EnsureDefaults fills zero fields.
func (m *SessionManager) EnsureDefaults() *SessionManager {
	if m.CookieName == "" {
		m.CookieName = DefaultCookieName
	}
	if m.CookiePath == "" {
		m.CookiePath = "/"
	}
	if m.SameSite == 0 {
		m.SameSite = http.SameSiteLaxMode
	}
	if m.TTL <= 0 {
		m.TTL = DefaultSessionTTL
	}
	if m.Issuer == "" {
		m.Issuer = DefaultIssuer
	}
	return m
}

func (m *SessionManager) signingKey() ([]byte, error) {
	m.keyOnce.Do(func() {
		if m.Secret == "" {
			m.keyErr = &ConfigError{Field: "Secret", Reason: "session secret is required"}
			return
		}
		kdf := hkdf.New(sha256.New, []byte(m.Secret), nil, []byte("authkit session signing v1"))
		m.key = make([]byte, 32)
		if _, err := io.ReadFull(kdf, m.key); err != nil {
			m.keyErr = fmt.Errorf("failed to derive signing key: %w", err)
		}
	})
	return m.key, m.keyErr
}

// Create resolves the profile through the caller's user callback, runs the
// claims and session transforms, and returns the session plus the cookie
// directive encoding it. This must be the last step of any flow so that an
// aborted request never leaves a partially committed session.
func (m *SessionManager) Create(ctx context.Context, profile oauth2.UserProfile) (*Session, *CookieDirective, error) {
	m.EnsureDefaults()
	key, err := m.signingKey()
	if err != nil {
		return nil, nil, err
	}

	if m.ResolveUser != nil {
		profile, err = m.ResolveUser(ctx, profile)
		if err != nil {
			return nil, nil, fmt.Errorf("user resolution failed: %w", err)
		}
	}
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}

	now := time.Now()
	expires := now.Add(m.TTL)
	claims := jwt.MapClaims{
		"sub": profile.ID,
		"iss": m.Issuer,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}
	if profile.Email != "" {
		claims["email"] = profile.Email
	}
	if profile.Name != "" {
		claims["name"] = profile.Name
	}
	if profile.Picture != "" {
		claims["picture"] = profile.Picture
	}
	if m.TransformClaims != nil {
		claims, err = m.TransformClaims(ctx, claims)
		if err != nil {
			return nil, nil, fmt.Errorf("claims transform failed: %w", err)
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, nil, fmt.Errorf("error signing session token: %w", err)
	}

	session := m.sessionFromClaims(claims)
	if m.TransformSession != nil {
		session, err = m.TransformSession(ctx, session)
		if err != nil {
			return nil, nil, fmt.Errorf("session transform failed: %w", err)
		}
	}

	cookie := &CookieDirective{
		Name:     m.CookieName,
		Value:    signed,
		Path:     m.CookiePath,
		Domain:   m.CookieDomain,
		MaxAge:   int(m.TTL.Seconds()),
		Expires:  expires,
		HTTPOnly: true,
		Secure:   m.CookieSecure,
		SameSite: m.SameSite,
	}
	return session, cookie, nil
}

// Read decodes an inbound cookie value back into a session. It fails closed:
// signature mismatch, malformed payload and expiry all return (nil, nil).
// Only configuration problems (missing secret) return an error.
func (m *SessionManager) Read(cookieValue string) (*Session, error) {
	m.EnsureDefaults()
	key, err := m.signingKey()
	if err != nil {
		return nil, err
	}
	if cookieValue == "" {
		return nil, nil
	}

	token, err := jwt.Parse(cookieValue, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || claims == nil {
		return nil, nil
	}
	if sub, _ := claims.GetSubject(); sub == "" {
		return nil, nil
	}
	return m.sessionFromClaims(claims), nil
}

// Clear returns a cookie directive with an immediately-past expiry and an
// empty value. It does not require the previous session to be valid.
func (m *SessionManager) Clear() *CookieDirective {
	m.EnsureDefaults()
	return &CookieDirective{
		Name:     m.CookieName,
		Value:    "",
		Path:     m.CookiePath,
		Domain:   m.CookieDomain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   m.CookieSecure,
		SameSite: m.SameSite,
	}
}

var wellKnownClaims = map[string]bool{
	"sub": true, "iss": true, "iat": true, "exp": true,
	"email": true, "name": true, "picture": true,
}

func (m *SessionManager) sessionFromClaims(claims jwt.MapClaims) *Session {
	s := &Session{}
	s.UserID, _ = claims["sub"].(string)
	s.Email, _ = claims["email"].(string)
	s.Name, _ = claims["name"].(string)
	s.Picture, _ = claims["picture"].(string)
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		s.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	for k, v := range claims {
		if !wellKnownClaims[k] {
			if s.Extra == nil {
				s.Extra = make(map[string]any)
			}
			s.Extra[k] = v
		}
	}
	return s
}
