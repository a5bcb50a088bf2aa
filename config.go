package authkit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/warpy-ai/auth-sdk-sub001/oauth2"
)

const (
	DefaultBasePath        = "/api/auth"
	DefaultSuccessRedirect = "/"
	DefaultErrorRedirect   = "/auth/error"
)

// RoutePaths optionally overrides the path of each operation, relative to
// BasePath. The sign-in and callback routes get "/{provider}" appended.
type RoutePaths struct {
	SignIn          string
	Callback        string
	EmailSignIn     string
	EmailVerify     string
	TwoFactorStart  string
	TwoFactorVerify string
	Session         string
	SignOut         string
	CSRF            string
}

func (r *RoutePaths) ensureDefaults() {
	if r.SignIn == "" {
		r.SignIn = "/signin"
	}
	if r.Callback == "" {
		r.Callback = "/callback"
	}
	if r.EmailSignIn == "" {
		r.EmailSignIn = "/signin/email"
	}
	if r.EmailVerify == "" {
		r.EmailVerify = "/callback/email"
	}
	if r.TwoFactorStart == "" {
		r.TwoFactorStart = "/signin/twofactor"
	}
	if r.TwoFactorVerify == "" {
		r.TwoFactorVerify = "/callback/twofactor"
	}
	if r.Session == "" {
		r.Session = "/session"
	}
	if r.SignOut == "" {
		r.SignOut = "/signout"
	}
	if r.CSRF == "" {
		r.CSRF = "/csrf"
	}
}

// Config composes the whole toolkit. Built once at startup; Validate reports
// fatal problems then, never per request.
type Config struct {
	// Secret signs session cookies and derives all other key material.
	Secret string

	// BasePath is the prefix all auth routes live under.
	BasePath string

	// AppBaseURL is the externally visible origin used to build magic links.
	// Required: without it the emailed link would be relative and unclickable.
	AppBaseURL string

	SuccessRedirect string
	ErrorRedirect   string

	CookieName   string
	CookieDomain string
	CookieSecure bool

	SessionTTL   time.Duration
	MagicLinkTTL time.Duration
	TwoFactorTTL time.Duration
	CSRFTTL      time.Duration
	FlowStateTTL time.Duration

	// Providers maps provider name to its immutable config.
	Providers map[string]*oauth2.Provider

	// Captcha is optional; nil disables all challenges.
	Captcha *CaptchaConfig

	// Email delivers magic links and 2FA codes. Defaults to the console
	// sender.
	Email EmailService

	// EmailFrom is the sender address for outgoing mail.
	EmailFrom string

	// Adapter is the caller's persistence collaborator, consumed through
	// the resolution callbacks.
	Adapter Adapter

	// Secrets and FlowStates default to in-memory stores. Multi-instance
	// deployments must inject shared backends (stores/redis, stores/gorm,
	// stores/gae) or flows will only complete on the instance that started
	// them.
	Secrets    SecretStore
	FlowStates FlowStateStore

	ResolveUser      UserResolverFunc
	TransformClaims  ClaimsTransformFunc
	TransformSession SessionTransformFunc

	Routes RoutePaths

	// CSRFCheck requires a valid double-submit token on the POST routes for
	// signed-in callers.
	CSRFCheck bool

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// EnsureDefaults fills zero fields with their defaults.
func (c *Config) EnsureDefaults() *Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.SuccessRedirect == "" {
		c.SuccessRedirect = DefaultSuccessRedirect
	}
	if c.ErrorRedirect == "" {
		c.ErrorRedirect = DefaultErrorRedirect
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.MagicLinkTTL <= 0 {
		c.MagicLinkTTL = DefaultMagicLinkTTL
	}
	if c.TwoFactorTTL <= 0 {
		c.TwoFactorTTL = DefaultTwoFactorTTL
	}
	if c.CSRFTTL <= 0 {
		c.CSRFTTL = DefaultCSRFTTL
	}
	if c.FlowStateTTL <= 0 {
		c.FlowStateTTL = DefaultFlowStateTTL
	}
	if c.Email == nil {
		c.Email = &ConsoleEmailSender{}
	}
	if c.Secrets == nil {
		c.Secrets = NewMemorySecretStore()
	}
	if c.FlowStates == nil {
		c.FlowStates = NewMemoryFlowStateStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	for name, p := range c.Providers {
		if p != nil && p.Name == "" {
			p.Name = name
		}
	}
	c.Routes.ensureDefaults()
	return c
}

// Validate reports the first fatal configuration problem as a *ConfigError.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return &ConfigError{Field: "Secret", Reason: "required"}
	}
	if c.AppBaseURL == "" {
		return &ConfigError{Field: "AppBaseURL", Reason: "required to build absolute links in emails"}
	}
	for name, p := range c.Providers {
		if p == nil {
			return &ConfigError{Field: "Providers." + name, Reason: "nil provider"}
		}
		if err := p.Validate(); err != nil {
			return &ConfigError{Field: "Providers." + name, Reason: err.Error()}
		}
	}
	if c.Captcha != nil && c.Captcha.Secret == "" {
		enforced := c.Captcha.EnforceOnEmail || c.Captcha.EnforceOnTwoFactor || c.Captcha.EnforceOnOAuth
		if enforced {
			return &ConfigError{Field: "Captcha.Secret", Reason: "required when enforcement is enabled"}
		}
	}
	return nil
}

// envConfig is the flat env-var surface loaded by ConfigFromEnv. Vars are
// prefixed with AUTHKIT_, e.g. AUTHKIT_SECRET.
type envConfig struct {
	Secret          string        `env:"SECRET,required"`
	BasePath        string        `env:"BASE_PATH" envDefault:"/api/auth"`
	AppBaseURL      string        `env:"APP_BASE_URL"`
	SuccessRedirect string        `env:"SUCCESS_REDIRECT" envDefault:"/"`
	ErrorRedirect   string        `env:"ERROR_REDIRECT" envDefault:"/auth/error"`
	CookieName      string        `env:"COOKIE_NAME" envDefault:"authkit_session"`
	CookieDomain    string        `env:"COOKIE_DOMAIN"`
	CookieSecure    bool          `env:"COOKIE_SECURE"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	MagicLinkTTL    time.Duration `env:"MAGIC_LINK_TTL" envDefault:"15m"`
	TwoFactorTTL    time.Duration `env:"TWOFACTOR_TTL" envDefault:"5m"`
	CSRFTTL         time.Duration `env:"CSRF_TTL" envDefault:"1h"`
	EmailFrom       string        `env:"EMAIL_FROM"`

	CaptchaBackend     string  `env:"CAPTCHA_BACKEND"`
	CaptchaSecret      string  `env:"CAPTCHA_SECRET"`
	CaptchaThreshold   float64 `env:"CAPTCHA_SCORE_THRESHOLD" envDefault:"0.5"`
	CaptchaOnEmail     bool    `env:"CAPTCHA_ON_EMAIL"`
	CaptchaOnTwoFactor bool    `env:"CAPTCHA_ON_TWOFACTOR"`
	CaptchaOnOAuth     bool    `env:"CAPTCHA_ON_OAUTH"`
}

// ConfigFromEnv loads the scalar parts of the config from AUTHKIT_* env
// vars. Providers, callbacks, stores and senders are code, not env, and are
// set on the returned value before use.
func ConfigFromEnv() (*Config, error) {
	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Prefix: "AUTHKIT_"}); err != nil {
		return nil, &ConfigError{Field: "env", Reason: err.Error()}
	}
	cfg := &Config{
		Secret:          ec.Secret,
		BasePath:        ec.BasePath,
		AppBaseURL:      ec.AppBaseURL,
		SuccessRedirect: ec.SuccessRedirect,
		ErrorRedirect:   ec.ErrorRedirect,
		CookieName:      ec.CookieName,
		CookieDomain:    ec.CookieDomain,
		CookieSecure:    ec.CookieSecure,
		SessionTTL:      ec.SessionTTL,
		MagicLinkTTL:    ec.MagicLinkTTL,
		TwoFactorTTL:    ec.TwoFactorTTL,
		CSRFTTL:         ec.CSRFTTL,
		EmailFrom:       ec.EmailFrom,
	}
	if ec.CaptchaBackend != "" {
		cfg.Captcha = &CaptchaConfig{
			Backend:            CaptchaBackend(ec.CaptchaBackend),
			Secret:             ec.CaptchaSecret,
			ScoreThreshold:     ec.CaptchaThreshold,
			EnforceOnEmail:     ec.CaptchaOnEmail,
			EnforceOnTwoFactor: ec.CaptchaOnTwoFactor,
			EnforceOnOAuth:     ec.CaptchaOnOAuth,
		}
	}
	return cfg.EnsureDefaults(), nil
}
