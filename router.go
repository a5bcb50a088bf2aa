package authkit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/warpy-ai/auth-sdk-sub001/oauth2"
)

// Operation names, used as route names in the matcher.
const (
	opSignIn          = "signin"
	opCallback        = "callback"
	opEmailSignIn     = "email-signin"
	opEmailVerify     = "email-verify"
	opTwoFactorStart  = "twofa-start"
	opTwoFactorVerify = "twofa-verify"
	opSession         = "session"
	opSignOut         = "signout"
	opCSRF            = "csrf"
)

// Request is the framework-neutral view of an inbound request. Thin
// per-framework adapters build one of these and render the returned Action;
// no framework types cross this boundary.
type Request struct {
	Method   string
	Path     string
	Query    url.Values
	Form     url.Values
	Header   http.Header
	Cookies  map[string]string
	RemoteIP string
}

// value reads a parameter from the form body first, then the query string.
func (r *Request) value(key string) string {
	if r.Form != nil {
		if v := r.Form.Get(key); v != "" {
			return v
		}
	}
	if r.Query != nil {
		return r.Query.Get(key)
	}
	return ""
}

func (r *Request) cookie(name string) string {
	if r.Cookies == nil {
		return ""
	}
	return r.Cookies[name]
}

// Router is the framework-neutral state machine behind the single middleware
// entry point: it decides which operation an inbound method+path maps to,
// invokes the lower components, and returns an abstract action.
type Router struct {
	cfg      *Config
	engine   *oauth2.Engine
	vault    *TokenVault
	sessions *SessionManager
	matcher  *mux.Router
	basePath string
	logger   *slog.Logger
}

// NewRouter validates cfg and builds the route table. Configuration problems
// surface here as *ConfigError, not per request.
func NewRouter(cfg *Config) (*Router, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Router{
		cfg:      cfg,
		engine:   &oauth2.Engine{HTTPClient: cfg.HTTPClient},
		basePath: strings.TrimSuffix(cfg.BasePath, "/"),
		logger:   cfg.Logger,
	}
	r.vault = (&TokenVault{Store: cfg.Secrets, Logger: cfg.Logger}).EnsureDefaults()
	r.sessions = (&SessionManager{
		Secret:           cfg.Secret,
		CookieName:       cfg.CookieName,
		CookieDomain:     cfg.CookieDomain,
		CookieSecure:     cfg.CookieSecure,
		TTL:              cfg.SessionTTL,
		ResolveUser:      cfg.ResolveUser,
		TransformClaims:  cfg.TransformClaims,
		TransformSession: cfg.TransformSession,
	}).EnsureDefaults()

	// Fixed routes are registered before the {provider} templates so that
	// e.g. /signin/email is never captured as a provider name.
	m := mux.NewRouter()
	paths := cfg.Routes
	m.Path(r.basePath + paths.EmailSignIn).Methods(http.MethodPost).Name(opEmailSignIn)
	m.Path(r.basePath + paths.EmailVerify).Methods(http.MethodGet).Name(opEmailVerify)
	m.Path(r.basePath + paths.TwoFactorStart).Methods(http.MethodPost).Name(opTwoFactorStart)
	m.Path(r.basePath + paths.TwoFactorVerify).Methods(http.MethodGet).Name(opTwoFactorVerify)
	m.Path(r.basePath + paths.SignIn + "/{provider}").Methods(http.MethodGet).Name(opSignIn)
	m.Path(r.basePath + paths.Callback + "/{provider}").Methods(http.MethodGet).Name(opCallback)
	m.Path(r.basePath + paths.Session).Methods(http.MethodGet).Name(opSession)
	m.Path(r.basePath + paths.SignOut).Methods(http.MethodPost).Name(opSignOut)
	m.Path(r.basePath + paths.CSRF).Methods(http.MethodGet).Name(opCSRF)
	r.matcher = m

	return r, nil
}

// Sessions exposes the session manager, for adapters and interceptors that
// only need to validate cookies.
func (r *Router) Sessions() *SessionManager { return r.sessions }

// Vault exposes the token vault, for callers issuing CSRF tokens out of band.
func (r *Router) Vault() *TokenVault { return r.vault }

// StartSweepers launches the background expiry sweeps for the ephemeral
// secret and flow-state stores. They run until ctx is cancelled and never
// block request handling beyond store mutation.
func (r *Router) StartSweepers(ctx context.Context, interval time.Duration) {
	r.vault.StartSweeper(ctx, interval)
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
				if _, err := r.cfg.FlowStates.Sweep(ctx); err != nil {
					r.logger.Warn("flow state sweep failed", "err", err)
				}
			}
		}
	}()
}

// Handle dispatches one request. Requests outside BasePath pass through;
// unmatched paths inside BasePath get a structured 404 so typos don't fall
// through silently.
func (r *Router) Handle(ctx context.Context, req *Request) *Action {
	probe := &http.Request{Method: req.Method, URL: &url.URL{Path: req.Path}}
	var match mux.RouteMatch
	if r.matcher.Match(probe, &match) && match.MatchErr == nil {
		switch match.Route.GetName() {
		case opSignIn:
			return r.signIn(ctx, req, match.Vars["provider"])
		case opCallback:
			return r.callback(ctx, req, match.Vars["provider"])
		case opEmailSignIn:
			return r.emailSignIn(ctx, req)
		case opEmailVerify:
			return r.emailVerify(ctx, req)
		case opTwoFactorStart:
			return r.twoFactorStart(ctx, req)
		case opTwoFactorVerify:
			return r.twoFactorVerify(ctx, req)
		case opSession:
			return r.session(req)
		case opSignOut:
			return r.signOut(ctx, req)
		case opCSRF:
			return r.csrfToken(ctx, req)
		}
	}
	if r.underBasePath(req.Path) {
		return JSONError(http.StatusNotFound, ErrCodeUnknownRoute, "unknown auth route")
	}
	return PassThrough()
}

func (r *Router) underBasePath(path string) bool {
	return path == r.basePath || strings.HasPrefix(path, r.basePath+"/")
}

// =============================================================================
// OAuth flow
// =============================================================================

func (r *Router) signIn(ctx context.Context, req *Request, providerName string) *Action {
	provider, ok := r.cfg.Providers[providerName]
	if !ok {
		return JSONError(http.StatusNotFound, ErrCodeUnknownRoute, "unknown provider")
	}

	fs, err := NewFlowState(providerName, oauth2.GenerateVerifier(), req.value("redirect_to"), r.cfg.FlowStateTTL)
	if err != nil {
		r.logger.Error("failed to create flow state", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}
	if err := r.cfg.FlowStates.Put(ctx, fs); err != nil {
		r.logger.Error("failed to store flow state", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}

	authorizeURL, err := r.engine.AuthorizeURL(provider, oauth2.FlowInput{State: fs.State, Verifier: fs.Verifier})
	if err != nil {
		r.logger.Error("failed to build authorize url", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}
	return Redirect(authorizeURL)
}

func (r *Router) callback(ctx context.Context, req *Request, providerName string) *Action {
	provider, ok := r.cfg.Providers[providerName]
	if !ok {
		return JSONError(http.StatusNotFound, ErrCodeUnknownRoute, "unknown provider")
	}

	// The state must match a live flow-state record before anything else;
	// in particular, no token exchange happens for a forged callback.
	state := req.value("state")
	if state == "" {
		r.logger.Warn("oauth callback missing state", "provider", providerName)
		return Redirect(r.cfg.ErrorRedirect)
	}
	fs, err := r.cfg.FlowStates.Consume(ctx, state)
	if err != nil {
		r.logger.Warn("oauth callback state rejected", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}
	if fs.Provider != providerName {
		r.logger.Warn("oauth callback provider mismatch", "provider", providerName, "expected", fs.Provider)
		return Redirect(r.cfg.ErrorRedirect)
	}

	if errParam := req.value("error"); errParam != "" {
		r.logger.Warn("provider returned error", "provider", providerName, "error", errParam)
		return Redirect(r.cfg.ErrorRedirect)
	}

	if err := r.captchaOK(ctx, req, FlowOAuth); err != nil {
		r.logger.Warn("captcha rejected on oauth callback", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}

	code := req.value("code")
	if code == "" {
		r.logger.Warn("oauth callback missing code", "provider", providerName)
		return Redirect(r.cfg.ErrorRedirect)
	}

	token, err := r.engine.Exchange(ctx, provider, code, oauth2.FlowInput{State: fs.State, Verifier: fs.Verifier})
	if err != nil {
		r.logger.Error("code exchange failed", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}
	profile, err := r.engine.UserInfo(ctx, provider, token.AccessToken)
	if err != nil {
		r.logger.Error("userinfo fetch failed", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}

	// Session creation is the last step: an aborted request can't leave a
	// partially committed session behind.
	_, cookie, err := r.sessions.Create(ctx, profile)
	if err != nil {
		r.logger.Error("session creation failed", "provider", providerName, "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}

	target := fs.RedirectTo
	if target == "" {
		target = r.cfg.SuccessRedirect
	}
	return Redirect(target).WithCookie(cookie)
}

// =============================================================================
// Email (magic link) flow
// =============================================================================

// The token in the emailed link carries its identifier so the verify route
// needs nothing but the token: base64url(email) + "." + secret.
func encodeLinkToken(identifier, secret string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identifier)) + "." + secret
}

func decodeLinkToken(token string) (identifier, secret string, err error) {
	idx := strings.IndexByte(token, '.')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", ErrSecretInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(token[:idx])
	if err != nil {
		return "", "", ErrSecretInvalid
	}
	return string(raw), token[idx+1:], nil
}

func (r *Router) emailSignIn(ctx context.Context, req *Request) *Action {
	email := req.value("email")
	if email == "" || !strings.Contains(email, "@") {
		return JSONError(http.StatusBadRequest, ErrCodeBadRequest, "valid email required")
	}
	if err := r.captchaOK(ctx, req, FlowEmail); err != nil {
		return JSONError(http.StatusForbidden, ErrCodeCaptchaFailed, "captcha verification failed")
	}
	if err := r.csrfOK(ctx, req); err != nil {
		return JSONError(http.StatusForbidden, ErrCodeInvalidToken, "invalid request token")
	}

	secret, err := r.vault.Issue(ctx, SecretMagicLink, email, r.cfg.MagicLinkTTL)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return JSONError(http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
		}
		r.logger.Error("failed to issue magic link", "err", err)
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}

	link := fmt.Sprintf("%s%s%s?token=%s",
		r.cfg.AppBaseURL, r.basePath, r.cfg.Routes.EmailVerify,
		url.QueryEscape(encodeLinkToken(email, secret)))
	msg := EmailMessage{
		To:      email,
		From:    r.cfg.EmailFrom,
		Subject: "Your sign-in link",
		HTML:    fmt.Sprintf(`<p>Click <a href="%s">here</a> to sign in. This link expires in %s and can be used once.</p>`, link, r.cfg.MagicLinkTTL),
	}
	if err := r.cfg.Email.Send(ctx, msg); err != nil {
		r.logger.Error("magic link delivery failed", "err", err)
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}
	return JSON(http.StatusOK, map[string]any{
		"success": true,
		"message": "A sign-in link has been sent",
	})
}

func (r *Router) emailVerify(ctx context.Context, req *Request) *Action {
	email, secret, err := decodeLinkToken(req.value("token"))
	if err != nil {
		return Redirect(r.cfg.ErrorRedirect)
	}
	if err := r.vault.Verify(ctx, SecretMagicLink, email, secret); err != nil {
		// Detail stays in logs; the redirect gives nothing away.
		return Redirect(r.cfg.ErrorRedirect)
	}

	_, cookie, err := r.sessions.Create(ctx, oauth2.UserProfile{Email: email})
	if err != nil {
		r.logger.Error("session creation failed", "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}
	return Redirect(r.cfg.SuccessRedirect).WithCookie(cookie)
}

// =============================================================================
// Two-factor flow
// =============================================================================

func (r *Router) twoFactorStart(ctx context.Context, req *Request) *Action {
	email := req.value("email")
	if email == "" || !strings.Contains(email, "@") {
		return JSONError(http.StatusBadRequest, ErrCodeBadRequest, "valid email required")
	}
	if err := r.captchaOK(ctx, req, FlowTwoFactor); err != nil {
		return JSONError(http.StatusForbidden, ErrCodeCaptchaFailed, "captcha verification failed")
	}
	if err := r.csrfOK(ctx, req); err != nil {
		return JSONError(http.StatusForbidden, ErrCodeInvalidToken, "invalid request token")
	}

	code, err := r.vault.Issue(ctx, SecretTwoFactor, email, r.cfg.TwoFactorTTL)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return JSONError(http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
		}
		r.logger.Error("failed to issue 2fa code", "err", err)
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}

	msg := EmailMessage{
		To:      email,
		From:    r.cfg.EmailFrom,
		Subject: "Your verification code",
		HTML:    fmt.Sprintf("<p>Your verification code is <strong>%s</strong>. It expires in %s.</p>", code, r.cfg.TwoFactorTTL),
	}
	if err := r.cfg.Email.Send(ctx, msg); err != nil {
		r.logger.Error("2fa code delivery failed", "err", err)
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}
	return JSON(http.StatusOK, map[string]any{"success": true, "message": "A verification code has been sent"})
}

func (r *Router) twoFactorVerify(ctx context.Context, req *Request) *Action {
	email := req.value("email")
	code := req.value("code")
	if email == "" || code == "" {
		return Redirect(r.cfg.ErrorRedirect)
	}
	if err := r.vault.Verify(ctx, SecretTwoFactor, email, code); err != nil {
		return Redirect(r.cfg.ErrorRedirect)
	}

	_, cookie, err := r.sessions.Create(ctx, oauth2.UserProfile{Email: email})
	if err != nil {
		r.logger.Error("session creation failed", "err", err)
		return Redirect(r.cfg.ErrorRedirect)
	}
	return Redirect(r.cfg.SuccessRedirect).WithCookie(cookie)
}

// =============================================================================
// Session, sign-out, CSRF
// =============================================================================

func (r *Router) session(req *Request) *Action {
	sess, err := r.sessions.Read(req.cookie(r.cfg.CookieName))
	if err != nil {
		r.logger.Error("session read failed", "err", err)
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}
	return JSON(http.StatusOK, map[string]any{"session": sess})
}

func (r *Router) signOut(ctx context.Context, req *Request) *Action {
	if err := r.csrfOK(ctx, req); err != nil {
		return JSONError(http.StatusForbidden, ErrCodeInvalidToken, "invalid request token")
	}
	// Clearing does not require the previous session to be valid.
	return JSON(http.StatusOK, map[string]any{"success": true}).WithCookie(r.sessions.Clear())
}

func (r *Router) csrfToken(ctx context.Context, req *Request) *Action {
	sess, err := r.sessions.Read(req.cookie(r.cfg.CookieName))
	if err != nil {
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}
	if sess == nil {
		return JSONError(http.StatusUnauthorized, ErrCodeInvalidToken, "sign in required")
	}
	token, err := r.vault.Issue(ctx, SecretCSRF, sess.UserID, r.cfg.CSRFTTL)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return JSONError(http.StatusTooManyRequests, ErrCodeRateLimited, "too many requests")
		}
		return JSONError(http.StatusInternalServerError, ErrCodeServerError, "something went wrong")
	}
	return JSON(http.StatusOK, map[string]any{"csrfToken": token})
}

func (r *Router) captchaOK(ctx context.Context, req *Request, flow FlowKind) error {
	if !r.cfg.Captcha.RequiresVerification(flow) {
		return nil
	}
	token := req.value("captcha_token")
	if token == "" {
		return ErrCaptchaFailed
	}
	result, err := r.cfg.Captcha.Verify(ctx, token, req.RemoteIP)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptchaFailed, err)
	}
	if !result.Success {
		return ErrCaptchaFailed
	}
	return nil
}

// csrfOK enforces the double-submit token on signed-in POST requests when
// CSRFCheck is enabled. Anonymous requests are not challenged: they carry no
// ambient credential to forge.
func (r *Router) csrfOK(ctx context.Context, req *Request) error {
	if !r.cfg.CSRFCheck {
		return nil
	}
	sess, err := r.sessions.Read(req.cookie(r.cfg.CookieName))
	if err != nil || sess == nil {
		return nil
	}
	token := req.value("csrf_token")
	if token == "" && req.Header != nil {
		token = req.Header.Get("X-CSRF-Token")
	}
	if token == "" {
		return ErrSecretInvalid
	}
	return r.vault.Verify(ctx, SecretCSRF, sess.UserID, token)
}
