package authkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FlowKind identifies which sign-in flow is in progress, for captcha
// enforcement scoping.
type FlowKind string

const (
	FlowEmail     FlowKind = "email"
	FlowTwoFactor FlowKind = "twofactor"
	FlowOAuth     FlowKind = "oauth"
)

// CaptchaBackend selects the verification service. All four share the same
// request shape: secret + response token + optional remote IP.
type CaptchaBackend string

const (
	CaptchaRecaptchaV2 CaptchaBackend = "recaptcha-v2"
	CaptchaRecaptchaV3 CaptchaBackend = "recaptcha-v3"
	CaptchaHCaptcha    CaptchaBackend = "hcaptcha"
	CaptchaTurnstile   CaptchaBackend = "turnstile"
)

const DefaultCaptchaScoreThreshold = 0.5

// CaptchaResult is the backend's verdict. Score is meaningful only for
// score-based (v3-style) backends.
type CaptchaResult struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score,omitempty"`
	ErrorCodes []string `json:"error-codes,omitempty"`
}

// CaptchaConfig holds the enforcement policy and backend credentials.
// Enforcement is flow-scoped: flows not covered by any flag are never
// challenged.
type CaptchaConfig struct {
	Backend CaptchaBackend
	Secret  string

	// ScoreThreshold applies to score-based backends only. Defaults to 0.5.
	ScoreThreshold float64

	EnforceOnEmail     bool
	EnforceOnTwoFactor bool
	EnforceOnOAuth     bool

	// VerifyURL overrides the backend's verification endpoint, for tests.
	VerifyURL string

	HTTPClient *http.Client
}

// RequiresVerification reports whether the given flow must present a valid
// captcha token. Pure function of the three enforcement flags.
func (c *CaptchaConfig) RequiresVerification(flow FlowKind) bool {
	if c == nil {
		return false
	}
	switch flow {
	case FlowEmail:
		return c.EnforceOnEmail
	case FlowTwoFactor:
		return c.EnforceOnTwoFactor
	case FlowOAuth:
		return c.EnforceOnOAuth
	}
	return false
}

func (c *CaptchaConfig) verifyURL() string {
	if c.VerifyURL != "" {
		return c.VerifyURL
	}
	switch c.Backend {
	case CaptchaHCaptcha:
		return "https://api.hcaptcha.com/siteverify"
	case CaptchaTurnstile:
		return "https://challenges.cloudflare.com/turnstile/v0/siteverify"
	default:
		return "https://www.google.com/recaptcha/api/siteverify"
	}
}

func (c *CaptchaConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Verify posts the token to the backend's verification endpoint. For
// score-based backends a missing or sub-threshold score is a failed
// verification, not an error; the error return is reserved for transport
// and decoding problems.
func (c *CaptchaConfig) Verify(ctx context.Context, token, remoteIP string) (*CaptchaResult, error) {
	form := url.Values{}
	form.Set("secret", c.Secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("captcha verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("captcha backend returned status %d", resp.StatusCode)
	}

	var result CaptchaResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed captcha response: %w", err)
	}

	if result.Success && c.Backend == CaptchaRecaptchaV3 {
		threshold := c.ScoreThreshold
		if threshold <= 0 {
			threshold = DefaultCaptchaScoreThreshold
		}
		if result.Score < threshold {
			result.Success = false
		}
	}
	return &result, nil
}
