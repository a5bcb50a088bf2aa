package authkit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/warpy-ai/auth-sdk-sub001/oauth2"
)

// emailRecorder captures outgoing mail instead of delivering it.
type emailRecorder struct {
	mu   sync.Mutex
	msgs []EmailMessage
}

func (r *emailRecorder) Send(ctx context.Context, msg EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *emailRecorder) last(t *testing.T) EmailMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		t.Fatal("no email was sent")
	}
	return r.msgs[len(r.msgs)-1]
}

// fakeProvider is an in-process OAuth2 provider. The test records the code
// challenge it saw in the authorize redirect; the token endpoint then insists
// on a matching verifier.
type fakeProvider struct {
	server *httptest.Server

	mu            sync.Mutex
	tokenCalls    int
	userinfoCalls int
	wantChallenge string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	fp := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.tokenCalls++
		challenge := fp.wantChallenge
		fp.mu.Unlock()

		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "valid-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "invalid_grant"}`)
			return
		}
		if challenge != "" {
			sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
			if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error": "invalid_grant", "error_description": "verifier mismatch"}`)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "at-granted", "token_type": "bearer"}`)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		fp.mu.Lock()
		fp.userinfoCalls++
		fp.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer at-granted" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "prov-1", "email": "oauth@example.com", "name": "OAuth User", "picture": "https://example.com/p.png"}`)
	})
	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakeProvider) provider() *oauth2.Provider {
	return &oauth2.Provider{
		Name:         oauth2.ProviderGoogle,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://app.test/api/auth/callback/google",
		AuthURL:      fp.server.URL + "/authorize",
		TokenURL:     fp.server.URL + "/token",
		UserInfoURL:  fp.server.URL + "/userinfo",
	}
}

func (fp *fakeProvider) calls() (token, userinfo int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.tokenCalls, fp.userinfoCalls
}

type routerFixture struct {
	router *Router
	server *httptest.Server
	emails *emailRecorder
}

func newRouterFixture(t *testing.T, mutate func(*Config)) *routerFixture {
	t.Helper()
	emails := &emailRecorder{}
	cfg := &Config{
		Secret:     "test-secret",
		AppBaseURL: "http://app.test",
		Email:      emails,
		EmailFrom:  "auth@app.test",
	}
	if mutate != nil {
		mutate(cfg)
	}
	router, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "host app")
	})
	server := httptest.NewServer(router.Handler(next))
	t.Cleanup(server.Close)
	return &routerFixture{router: router, server: server, emails: emails}
}

// noRedirect returns a client that reports redirects back to the test
// instead of following them.
func noRedirect() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postForm(t *testing.T, serverURL, path string, form url.Values, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, serverURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func get(t *testing.T, serverURL, path string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		t.Fatalf("request build failed: %v", err)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == DefaultCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("no session cookie on response")
	return nil
}

var linkTokenRe = regexp.MustCompile(`token=([^"&]+)`)

func emailLinkPath(t *testing.T, msg EmailMessage) string {
	t.Helper()
	match := linkTokenRe.FindStringSubmatch(msg.HTML)
	if match == nil {
		t.Fatalf("no token link in email body: %s", msg.HTML)
	}
	token, err := url.QueryUnescape(match[1])
	if err != nil {
		t.Fatalf("bad token encoding: %v", err)
	}
	return "/api/auth/callback/email?token=" + url.QueryEscape(token)
}

// =============================================================================
// Email flow
// =============================================================================

func TestEmailSignInFlow(t *testing.T) {
	fx := newRouterFixture(t, nil)

	resp := postForm(t, fx.server.URL, "/api/auth/signin/email", url.Values{"email": {"user@example.com"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signin status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["success"] != true {
		t.Fatalf("expected success ack, got %v", body)
	}

	verifyPath := emailLinkPath(t, fx.emails.last(t))
	resp = get(t, fx.server.URL, verifyPath)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != DefaultSuccessRedirect {
		t.Errorf("verify redirect = %s", loc)
	}
	cookie := sessionCookie(t, resp)

	resp = get(t, fx.server.URL, "/api/auth/session", cookie)
	body = decodeBody(t, resp)
	sess, ok := body["session"].(map[string]any)
	if !ok {
		t.Fatalf("expected session object, got %v", body)
	}
	if sess["email"] != "user@example.com" {
		t.Errorf("session email = %v", sess["email"])
	}

	// The link is single-use: the replay redirects to the error page and
	// sets no cookie.
	resp = get(t, fx.server.URL, verifyPath)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != DefaultErrorRedirect {
		t.Errorf("replay redirect = %s", loc)
	}
	if len(resp.Cookies()) != 0 {
		t.Error("replay must not set a cookie")
	}
}

func TestEmailSignInValidation(t *testing.T) {
	fx := newRouterFixture(t, nil)

	for _, email := range []string{"", "not-an-email"} {
		resp := postForm(t, fx.server.URL, "/api/auth/signin/email", url.Values{"email": {email}})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("email %q: status = %d", email, resp.StatusCode)
		}
		body := decodeBody(t, resp)
		if body["code"] != ErrCodeBadRequest {
			t.Errorf("email %q: code = %v", email, body["code"])
		}
	}
}

func TestEmailSignInRateLimited(t *testing.T) {
	fx := newRouterFixture(t, nil)

	form := url.Values{"email": {"user@example.com"}}
	for i := 0; i < DefaultIssueCap; i++ {
		resp := postForm(t, fx.server.URL, "/api/auth/signin/email", form)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp := postForm(t, fx.server.URL, "/api/auth/signin/email", form)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status past cap = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["code"] != ErrCodeRateLimited {
		t.Errorf("code = %v", body["code"])
	}
}

func TestEmailSignInAcceptsJSON(t *testing.T) {
	fx := newRouterFixture(t, nil)

	req, _ := http.NewRequest(http.MethodPost, fx.server.URL+"/api/auth/signin/email",
		strings.NewReader(`{"email": "json@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if got := fx.emails.last(t).To; got != "json@example.com" {
		t.Errorf("mail sent to %s", got)
	}
}

// =============================================================================
// Two-factor flow
// =============================================================================

var codeRe = regexp.MustCompile(`<strong>(\d+)</strong>`)

func TestTwoFactorFlow(t *testing.T) {
	fx := newRouterFixture(t, nil)

	resp := postForm(t, fx.server.URL, "/api/auth/signin/twofactor", url.Values{"email": {"user@example.com"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	match := codeRe.FindStringSubmatch(fx.emails.last(t).HTML)
	if match == nil {
		t.Fatalf("no code in email: %s", fx.emails.last(t).HTML)
	}
	code := match[1]
	if len(code) != DefaultCodeDigits {
		t.Fatalf("code %q has wrong length", code)
	}

	// A wrong code is rejected without consuming the right one.
	resp = get(t, fx.server.URL, "/api/auth/callback/twofactor?email=user@example.com&code=999999x")
	if loc := resp.Header.Get("Location"); loc != DefaultErrorRedirect {
		t.Errorf("wrong-code redirect = %s", loc)
	}

	resp = get(t, fx.server.URL, "/api/auth/callback/twofactor?email=user@example.com&code="+code)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != DefaultSuccessRedirect {
		t.Errorf("verify redirect = %s", loc)
	}
	cookie := sessionCookie(t, resp)

	resp = get(t, fx.server.URL, "/api/auth/session", cookie)
	body := decodeBody(t, resp)
	sess, ok := body["session"].(map[string]any)
	if !ok || sess["email"] != "user@example.com" {
		t.Errorf("unexpected session: %v", body)
	}
}

// =============================================================================
// OAuth flow
// =============================================================================

func TestOAuthFlow(t *testing.T) {
	fp := newFakeProvider(t)
	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.Providers = map[string]*oauth2.Provider{"google": fp.provider()}
	})

	resp := get(t, fx.server.URL, "/api/auth/signin/google?redirect_to=/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("signin status = %d", resp.StatusCode)
	}
	authorizeURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad authorize url: %v", err)
	}
	q := authorizeURL.Query()
	if q.Get("client_id") != "client-id" || q.Get("response_type") != "code" {
		t.Errorf("authorize params: %v", q)
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("authorize url missing state")
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge method = %s", q.Get("code_challenge_method"))
	}
	challenge := q.Get("code_challenge")
	if challenge == "" {
		t.Fatal("authorize url missing code challenge")
	}
	if q.Get("code_verifier") != "" {
		t.Error("verifier must never appear in the authorize url")
	}
	fp.mu.Lock()
	fp.wantChallenge = challenge
	fp.mu.Unlock()

	resp = get(t, fx.server.URL, "/api/auth/callback/google?state="+url.QueryEscape(state)+"&code=valid-code")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/dashboard" {
		t.Errorf("callback redirect = %s, want /dashboard", loc)
	}
	cookie := sessionCookie(t, resp)

	tokenCalls, userinfoCalls := fp.calls()
	if tokenCalls != 1 || userinfoCalls != 1 {
		t.Errorf("provider calls = %d token, %d userinfo", tokenCalls, userinfoCalls)
	}

	resp = get(t, fx.server.URL, "/api/auth/session", cookie)
	body := decodeBody(t, resp)
	sess, ok := body["session"].(map[string]any)
	if !ok {
		t.Fatalf("expected session, got %v", body)
	}
	if sess["email"] != "oauth@example.com" || sess["name"] != "OAuth User" {
		t.Errorf("session = %v", sess)
	}
}

func TestOAuthForgedStateRejectedBeforeExchange(t *testing.T) {
	fp := newFakeProvider(t)
	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.Providers = map[string]*oauth2.Provider{"google": fp.provider()}
	})

	resp := get(t, fx.server.URL, "/api/auth/callback/google?state=forged&code=valid-code")
	if loc := resp.Header.Get("Location"); loc != DefaultErrorRedirect {
		t.Errorf("redirect = %s", loc)
	}
	if len(resp.Cookies()) != 0 {
		t.Error("forged callback must not set a cookie")
	}
	if tokenCalls, _ := fp.calls(); tokenCalls != 0 {
		t.Errorf("forged state reached the token endpoint (%d calls)", tokenCalls)
	}
}

func TestOAuthStateReplayRejected(t *testing.T) {
	fp := newFakeProvider(t)
	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.Providers = map[string]*oauth2.Provider{"google": fp.provider()}
	})

	resp := get(t, fx.server.URL, "/api/auth/signin/google")
	authorizeURL, _ := url.Parse(resp.Header.Get("Location"))
	state := authorizeURL.Query().Get("state")
	fp.mu.Lock()
	fp.wantChallenge = authorizeURL.Query().Get("code_challenge")
	fp.mu.Unlock()

	callbackPath := "/api/auth/callback/google?state=" + url.QueryEscape(state) + "&code=valid-code"
	resp = get(t, fx.server.URL, callbackPath)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") == DefaultErrorRedirect {
		t.Fatalf("first callback failed: %d -> %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp = get(t, fx.server.URL, callbackPath)
	if loc := resp.Header.Get("Location"); loc != DefaultErrorRedirect {
		t.Errorf("replay redirect = %s", loc)
	}
	if tokenCalls, _ := fp.calls(); tokenCalls != 1 {
		t.Errorf("replayed state reached the token endpoint (%d calls)", tokenCalls)
	}
}

func TestOAuthProviderMismatchRejected(t *testing.T) {
	fp := newFakeProvider(t)
	other := newFakeProvider(t)
	otherProvider := other.provider()
	otherProvider.Name = oauth2.ProviderGithub
	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.Providers = map[string]*oauth2.Provider{
			"google": fp.provider(),
			"github": otherProvider,
		}
	})

	resp := get(t, fx.server.URL, "/api/auth/signin/google")
	authorizeURL, _ := url.Parse(resp.Header.Get("Location"))
	state := authorizeURL.Query().Get("state")

	// A state minted for google cannot complete the github callback.
	resp = get(t, fx.server.URL, "/api/auth/callback/github?state="+url.QueryEscape(state)+"&code=valid-code")
	if loc := resp.Header.Get("Location"); loc != DefaultErrorRedirect {
		t.Errorf("redirect = %s", loc)
	}
	if tokenCalls, _ := other.calls(); tokenCalls != 0 {
		t.Errorf("mismatched provider reached the token endpoint (%d calls)", tokenCalls)
	}
}

func TestOAuthProviderErrorParam(t *testing.T) {
	fp := newFakeProvider(t)
	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.Providers = map[string]*oauth2.Provider{"google": fp.provider()}
	})

	resp := get(t, fx.server.URL, "/api/auth/signin/google")
	authorizeURL, _ := url.Parse(resp.Header.Get("Location"))
	state := authorizeURL.Query().Get("state")

	resp = get(t, fx.server.URL, "/api/auth/callback/google?state="+url.QueryEscape(state)+"&error=access_denied")
	if loc := resp.Header.Get("Location"); loc != DefaultErrorRedirect {
		t.Errorf("redirect = %s", loc)
	}
	if tokenCalls, _ := fp.calls(); tokenCalls != 0 {
		t.Errorf("denied callback reached the token endpoint (%d calls)", tokenCalls)
	}
}

func TestSignInUnknownProvider(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := get(t, fx.server.URL, "/api/auth/signin/doesnotexist")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["code"] != ErrCodeUnknownRoute {
		t.Errorf("code = %v", body["code"])
	}
}

// =============================================================================
// Session, sign-out, CSRF, routing
// =============================================================================

func TestSessionEndpointAnonymous(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := get(t, fx.server.URL, "/api/auth/session")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["session"] != nil {
		t.Errorf("expected null session, got %v", body["session"])
	}
}

func TestSignOutClearsCookie(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := postForm(t, fx.server.URL, "/api/auth/signout", url.Values{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var clearing *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == DefaultCookieName {
			clearing = c
		}
	}
	if clearing == nil {
		t.Fatal("no clearing cookie on response")
	}
	if clearing.Value != "" || clearing.MaxAge >= 0 {
		t.Errorf("cookie not clearing: value=%q maxage=%d", clearing.Value, clearing.MaxAge)
	}
}

func TestCSRFTokenRequiresSession(t *testing.T) {
	fx := newRouterFixture(t, nil)
	resp := get(t, fx.server.URL, "/api/auth/csrf")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCSRFDoubleSubmit(t *testing.T) {
	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.CSRFCheck = true
	})

	// Establish a session first.
	_, directive, err := fx.router.Sessions().Create(context.Background(), oauth2.UserProfile{
		ID: "user-1", Email: "user@example.com",
	})
	if err != nil {
		t.Fatalf("session create failed: %v", err)
	}
	cookie := &http.Cookie{Name: directive.Name, Value: directive.Value}

	// Signed-in POST without a token is rejected.
	resp := postForm(t, fx.server.URL, "/api/auth/signin/email", url.Values{"email": {"user@example.com"}}, cookie)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = get(t, fx.server.URL, "/api/auth/csrf", cookie)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("csrf issue status = %d", resp.StatusCode)
	}
	token, _ := decodeBody(t, resp)["csrfToken"].(string)
	if token == "" {
		t.Fatal("no csrf token issued")
	}

	// With the token, both form field and header placement work.
	resp = postForm(t, fx.server.URL, "/api/auth/signin/email",
		url.Values{"email": {"user@example.com"}, "csrf_token": {token}}, cookie)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with form token = %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, fx.server.URL+"/api/auth/signin/email",
		strings.NewReader(url.Values{"email": {"user@example.com"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", token)
	req.AddCookie(cookie)
	headerResp, err := noRedirect().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if headerResp.StatusCode != http.StatusOK {
		t.Errorf("status with header token = %d", headerResp.StatusCode)
	}
	headerResp.Body.Close()

	// Anonymous POSTs are never challenged.
	resp = postForm(t, fx.server.URL, "/api/auth/signin/email", url.Values{"email": {"anon@example.com"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("anonymous status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownRouteUnderBasePath(t *testing.T) {
	fx := newRouterFixture(t, nil)

	resp := get(t, fx.server.URL, "/api/auth/bogus")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["code"] != ErrCodeUnknownRoute {
		t.Errorf("code = %v", body["code"])
	}

	// Wrong method on a known path is an unknown route too.
	resp = get(t, fx.server.URL, "/api/auth/signin/email")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("wrong-method status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPassThroughOutsideBasePath(t *testing.T) {
	fx := newRouterFixture(t, nil)

	resp := get(t, fx.server.URL, "/some/app/page")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "host app" {
		t.Errorf("body = %q, want host app", body)
	}
}

func TestPassThroughPreservesPostBody(t *testing.T) {
	router, err := NewRouter(&Config{
		Secret:     "test-secret",
		AppBaseURL: "http://app.test",
		Email:      &emailRecorder{},
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		w.Write(body)
	})
	server := httptest.NewServer(router.Handler(next))
	defer server.Close()

	const payload = `{"name":"widget"}`
	resp, err := http.Post(server.URL+"/app/items", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	echoed, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if string(echoed) != payload {
		t.Errorf("next handler saw body %q, want %q", echoed, payload)
	}
}

// =============================================================================
// Captcha enforcement
// =============================================================================

func TestCaptchaScopedToFlow(t *testing.T) {
	verdict := `{"success": true}`
	captchaSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, verdict)
	}))
	defer captchaSrv.Close()

	fx := newRouterFixture(t, func(cfg *Config) {
		cfg.Captcha = &CaptchaConfig{
			Backend:        CaptchaTurnstile,
			Secret:         "captcha-secret",
			EnforceOnEmail: true,
			VerifyURL:      captchaSrv.URL,
		}
	})

	// Missing token fails the enforced flow.
	resp := postForm(t, fx.server.URL, "/api/auth/signin/email", url.Values{"email": {"a@b.co"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status without captcha = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["code"] != ErrCodeCaptchaFailed {
		t.Errorf("code = %v", body["code"])
	}

	// Valid token passes.
	resp = postForm(t, fx.server.URL, "/api/auth/signin/email",
		url.Values{"email": {"a@b.co"}, "captcha_token": {"tok"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status with captcha = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Backend rejection fails the flow.
	verdict = `{"success": false}`
	resp = postForm(t, fx.server.URL, "/api/auth/signin/email",
		url.Values{"email": {"a@b.co"}, "captcha_token": {"tok"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status with rejected captcha = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The two-factor flow is not enforced and needs no token.
	resp = postForm(t, fx.server.URL, "/api/auth/signin/twofactor", url.Values{"email": {"a@b.co"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unenforced flow status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
