package authkit

import (
	"net/http"
	"time"
)

// ActionKind enumerates the terminal outcomes a route can produce. Framework
// adapters translate these into their native response types; no other
// framework-specific code is permitted anywhere else.
type ActionKind string

const (
	ActionRedirect    ActionKind = "redirect"
	ActionJSON        ActionKind = "json"
	ActionPassThrough ActionKind = "pass-through"
)

// CookieDirective describes a cookie the adapter must set on the response.
// A clearing directive has an empty value and a past expiry.
type CookieDirective struct {
	Name     string
	Value    string
	Path     string
	Domain   string
	MaxAge   int
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// Action is the abstract result of dispatching one request. Exactly one
// terminal outcome, plus at most one cookie directive.
type Action struct {
	Kind ActionKind

	// Redirect target, for ActionRedirect.
	Location string

	// Status and Body, for ActionJSON.
	Status int
	Body   any

	Cookie *CookieDirective
}

// Redirect builds a redirect action.
func Redirect(location string) *Action {
	return &Action{Kind: ActionRedirect, Location: location, Status: http.StatusFound}
}

// JSON builds a JSON action with the given status and body.
func JSON(status int, body any) *Action {
	return &Action{Kind: ActionJSON, Status: status, Body: body}
}

// JSONError builds the structured JSON error body used for all user-visible
// failures that are not redirects.
func JSONError(status int, code, message string) *Action {
	return JSON(status, map[string]any{"error": message, "code": code})
}

// PassThrough tells the adapter to continue its own routing.
func PassThrough() *Action {
	return &Action{Kind: ActionPassThrough}
}

// WithCookie attaches a cookie directive to the action.
func (a *Action) WithCookie(c *CookieDirective) *Action {
	a.Cookie = c
	return a
}
