// Package authkit is a framework-neutral authentication core: an OAuth2 +
// PKCE flow engine, ephemeral-token lifecycle managers (magic links, 2FA
// codes, CSRF tokens), flow-scoped captcha enforcement, a signed-cookie
// session manager, and a router that dispatches all of the above behind a
// single middleware entry point.
//
// # Architecture
//
// TokenVault: generates, verifies and expires short-lived single-use
// secrets. Consumption is at-most-once per secret, even under concurrent
// verification attempts.
//
// OAuthEngine (the oauth2 subpackage): builds provider authorize URLs with
// PKCE and anti-CSRF state, exchanges authorization codes for tokens, and
// normalizes provider userinfo responses into a uniform profile.
//
// SessionManager: turns a resolved user into a tamper-evident cookie and
// back. The cookie is the sole source of truth for logged-in state; user
// identity persistence is always delegated to the caller's Adapter and
// callbacks, so the core holds no cross-request identity store.
//
// Router: maps method+path onto operations (sign-in start, OAuth callback,
// magic-link verify, 2FA verify, session read, sign-out) and returns one of
// three abstract actions — redirect, json, pass-through — plus at most one
// cookie directive. Framework adapters translate actions into native
// responses; Router.Handler is the built-in net/http shim.
//
// # Basic Usage
//
//	cfg := &authkit.Config{
//	    Secret:     os.Getenv("AUTHKIT_SECRET"),
//	    AppBaseURL: "https://yourapp.com",
//	    Providers: map[string]*oauth2.Provider{
//	        "google": {
//	            Name:         oauth2.ProviderGoogle,
//	            ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	            ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	            RedirectURL:  "https://yourapp.com/api/auth/callback/google",
//	        },
//	    },
//	    Email: &authkit.SMTPEmailSender{Host: "smtp.example.com", Port: 587},
//	}
//	router, err := authkit.NewRouter(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	router.StartSweepers(ctx, time.Minute)
//	http.ListenAndServe(":8080", router.Handler(appMux))
//
// # Deployment
//
// The ephemeral-secret and flow-state stores default to in-process maps,
// which are correct for exactly one instance. Multi-instance deployments
// must inject shared backends (see stores/redis, stores/gorm, stores/gae)
// through Config.Secrets and Config.FlowStates; otherwise a callback can
// land on an instance that never saw the sign-in start.
//
// # Security
//
// Magic-link tokens carry 32 bytes of entropy; 2FA codes are 6 digits with
// a 5-attempt cap and a 5-minute TTL; secrets are stored hashed. Session
// cookies are HS256-signed JWTs keyed by HKDF-derived material, read
// fail-closed. OAuth callbacks are rejected before any token exchange when
// the state does not match a live flow-state record.
package authkit
