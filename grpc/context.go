// Package grpc lets gRPC services accept the same signed session tokens the
// HTTP router issues: interceptors validate a bearer token from metadata and
// stash the resolved session in the request context.
package grpc

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	authkit "github.com/warpy-ai/auth-sdk-sub001"
)

// DefaultMetadataKeyToken is the default gRPC metadata key carrying the
// session token. The value may optionally use the "Bearer <token>" form.
const DefaultMetadataKeyToken = "authorization"

type sessionContextKey struct{}

// Config holds the metadata key configuration for the auth interceptors.
type Config struct {
	// MetadataKeyToken is the gRPC metadata key for the session token.
	// Defaults to "authorization".
	MetadataKeyToken string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{MetadataKeyToken: DefaultMetadataKeyToken}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyToken == "" {
		c.MetadataKeyToken = DefaultMetadataKeyToken
	}
}

// SessionFromContext returns the session the interceptor attached, or nil
// when the request was unauthenticated.
func SessionFromContext(ctx context.Context) *authkit.Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*authkit.Session)
	return sess
}

// UserIDFromContext extracts the authenticated user ID from the context.
// Returns empty string if no user is authenticated.
func UserIDFromContext(ctx context.Context) string {
	if sess := SessionFromContext(ctx); sess != nil {
		return sess.UserID
	}
	return ""
}

// IsAuthenticated returns true if there is an authenticated user in the context.
func IsAuthenticated(ctx context.Context) bool {
	return SessionFromContext(ctx) != nil
}

// TokenToOutgoingContext adds a session token to outgoing gRPC metadata so a
// client can call an interceptor-protected service.
func TokenToOutgoingContext(ctx context.Context, token string) context.Context {
	return TokenToOutgoingContextWithKey(ctx, token, DefaultMetadataKeyToken)
}

// TokenToOutgoingContextWithKey adds a session token with a custom metadata key.
func TokenToOutgoingContextWithKey(ctx context.Context, token, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, "Bearer "+token)
}

func withSession(ctx context.Context, sess *authkit.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// tokenFromMetadata pulls the raw session token out of incoming metadata,
// stripping an optional Bearer prefix.
func tokenFromMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	token := values[0]
	if rest, found := strings.CutPrefix(token, "Bearer "); found {
		return rest
	}
	return token
}
