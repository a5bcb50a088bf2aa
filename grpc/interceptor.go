package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	authkit "github.com/warpy-ai/auth-sdk-sub001"
)

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// Sessions validates tokens. Required.
	Sessions *authkit.SessionManager

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests proceed but SessionFromContext returns nil.
	RequireAuth bool

	// PublicMethods is a set of method names that don't require auth.
	// Only used when RequireAuth is true.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig(sessions *authkit.SessionManager) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Sessions:      sessions,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(sessions *authkit.SessionManager, publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(sessions)
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig(sessions *authkit.SessionManager) *InterceptorConfig {
	config := DefaultInterceptorConfig(sessions)
	config.RequireAuth = false
	return config
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that validates the
// session token from metadata and attaches the session to the context.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.EnsureDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		sess := resolveSession(ctx, config)
		if sess == nil {
			if config.RequireAuth && !config.PublicMethods[info.FullMethod] {
				return nil, status.Error(codes.Unauthenticated, "authentication required")
			}
			return handler(ctx, req)
		}
		return handler(withSession(ctx, sess), req)
	}
}

// StreamAuthInterceptor returns the stream counterpart of UnaryAuthInterceptor.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	if config.Config == nil {
		config.Config = DefaultConfig()
	}
	config.Config.EnsureDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		sess := resolveSession(ctx, config)
		if sess == nil {
			if config.RequireAuth && !config.PublicMethods[info.FullMethod] {
				return status.Error(codes.Unauthenticated, "authentication required")
			}
			return handler(srv, ss)
		}
		return handler(srv, &sessionStream{ServerStream: ss, ctx: withSession(ctx, sess)})
	}
}

// resolveSession validates the metadata token. Invalid or expired tokens are
// treated the same as absent ones; the token is never trusted unverified.
func resolveSession(ctx context.Context, config *InterceptorConfig) *authkit.Session {
	if config.Sessions == nil {
		return nil
	}
	token := tokenFromMetadata(ctx, config.Config.MetadataKeyToken)
	if token == "" {
		return nil
	}
	sess, err := config.Sessions.Read(token)
	if err != nil || sess == nil {
		return nil
	}
	return sess
}

// sessionStream overrides Context so handlers see the attached session.
type sessionStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *sessionStream) Context() context.Context { return s.ctx }
