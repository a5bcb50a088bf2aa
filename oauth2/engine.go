// Package oauth2 implements the provider-facing half of the authentication
// core: building authorize URLs with PKCE and anti-CSRF state, exchanging
// authorization codes for tokens, and normalizing provider userinfo
// responses into a uniform profile.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// ProviderError reports a non-2xx or malformed response from an identity
// provider. Exchanges are never retried internally: retrying an
// authorization-code exchange can double-spend a single-use code, so retries
// belong to the transport adapter if anywhere.
type ProviderError struct {
	Provider string
	Endpoint string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("provider %s: %s returned status %d", e.Provider, e.Endpoint, e.Status)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// FlowInput carries the per-attempt values from the flow-state record into
// the engine: the anti-forgery state nonce and the PKCE verifier.
type FlowInput struct {
	State    string
	Verifier string
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// Engine builds authorize URLs, exchanges codes and fetches user info for
// any configured Provider.
type Engine struct {
	// HTTPClient is used for the token exchange and the userinfo fetch.
	// Injectable for tests; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (e *Engine) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

func (e *Engine) config(p *Provider, endpoint oauth2.Endpoint) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
		Scopes:       p.effectiveScopes(),
		Endpoint:     endpoint,
	}
}

// AuthorizeURL builds the provider's authorization URL carrying client_id,
// redirect_uri, response_type=code, scope, state and, when PKCE is enabled,
// the code challenge. The verifier itself is never sent in this step.
func (e *Engine) AuthorizeURL(p *Provider, flow FlowInput) (string, error) {
	endpoint, _, _, pkce, err := p.resolve()
	if err != nil {
		return "", err
	}
	cfg := e.config(p, endpoint)

	var opts []oauth2.AuthCodeOption
	switch pkce {
	case PKCES256:
		opts = append(opts, oauth2.S256ChallengeOption(flow.Verifier))
	case PKCEPlain:
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", flow.Verifier),
			oauth2.SetAuthURLParam("code_challenge_method", "plain"))
	}
	return cfg.AuthCodeURL(flow.State, opts...), nil
}

// Exchange redeems an authorization code at the provider's token endpoint,
// sending the original code verifier when PKCE was used. Network failures
// and non-2xx responses surface as *ProviderError.
func (e *Engine) Exchange(ctx context.Context, p *Provider, code string, flow FlowInput) (*oauth2.Token, error) {
	endpoint, _, _, pkce, err := p.resolve()
	if err != nil {
		return nil, err
	}
	cfg := e.config(p, endpoint)

	var opts []oauth2.AuthCodeOption
	switch pkce {
	case PKCES256:
		opts = append(opts, oauth2.VerifierOption(flow.Verifier))
	case PKCEPlain:
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", flow.Verifier))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client())
	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		status := 0
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return nil, &ProviderError{Provider: p.Name, Endpoint: endpoint.TokenURL, Status: status, Err: err}
	}
	return token, nil
}

// UserInfo fetches the provider's userinfo endpoint with a bearer token and
// maps the response into a normalized profile.
func (e *Engine) UserInfo(ctx context.Context, p *Provider, accessToken string) (UserProfile, error) {
	_, userInfoURL, mapper, _, err := p.resolve()
	if err != nil {
		return UserProfile{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return UserProfile{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return UserProfile{}, &ProviderError{Provider: p.Name, Endpoint: userInfoURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return UserProfile{}, &ProviderError{Provider: p.Name, Endpoint: userInfoURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UserProfile{}, &ProviderError{Provider: p.Name, Endpoint: userInfoURL, Err: err}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return UserProfile{}, &ProviderError{Provider: p.Name, Endpoint: userInfoURL, Err: fmt.Errorf("malformed userinfo body: %w", err)}
	}
	return mapper(raw), nil
}
