package authkit

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Handler adapts the router to net/http. This is the only framework-specific
// translation in the toolkit; other frameworks get their own equally thin
// shim that builds a Request and renders the Action.
//
// The next handler receives everything the router passes through. Pass nil
// to 404 instead.
func (r *Router) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, httpReq *http.Request) {
		action := r.Handle(httpReq.Context(), requestFromHTTP(httpReq, r.underBasePath(httpReq.URL.Path)))

		if action.Cookie != nil {
			http.SetCookie(w, cookieFromDirective(action.Cookie))
		}
		switch action.Kind {
		case ActionRedirect:
			status := action.Status
			if status == 0 {
				status = http.StatusFound
			}
			http.Redirect(w, httpReq, action.Location, status)
		case ActionJSON:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(action.Status)
			if action.Body != nil {
				json.NewEncoder(w).Encode(action.Body)
			}
		case ActionPassThrough:
			if next != nil {
				next.ServeHTTP(w, httpReq)
			} else {
				http.NotFound(w, httpReq)
			}
		}
	})
}

// requestFromHTTP flattens an *http.Request into the framework-neutral view.
// POST bodies may be either form-encoded or JSON, matching what the browser
// demo apps and API callers send. The body is consumed only when parseBody is
// set; requests destined for the next handler keep their body unread.
func requestFromHTTP(httpReq *http.Request, parseBody bool) *Request {
	req := &Request{
		Method:  httpReq.Method,
		Path:    httpReq.URL.Path,
		Query:   httpReq.URL.Query(),
		Header:  httpReq.Header,
		Cookies: make(map[string]string),
	}
	for _, c := range httpReq.Cookies() {
		req.Cookies[c.Name] = c.Value
	}
	if host, _, err := net.SplitHostPort(httpReq.RemoteAddr); err == nil {
		req.RemoteIP = host
	} else {
		req.RemoteIP = httpReq.RemoteAddr
	}

	if parseBody && httpReq.Method == http.MethodPost {
		contentType := httpReq.Header.Get("Content-Type")
		if strings.HasPrefix(contentType, "application/json") {
			var data map[string]any
			if err := json.NewDecoder(httpReq.Body).Decode(&data); err == nil {
				req.Form = url.Values{}
				for k, v := range data {
					if s, ok := v.(string); ok {
						req.Form.Set(k, s)
					}
				}
			}
		} else {
			if err := httpReq.ParseForm(); err == nil {
				req.Form = httpReq.PostForm
			}
		}
	}
	return req
}

func cookieFromDirective(d *CookieDirective) *http.Cookie {
	return &http.Cookie{
		Name:     d.Name,
		Value:    d.Value,
		Path:     d.Path,
		Domain:   d.Domain,
		MaxAge:   d.MaxAge,
		Expires:  d.Expires,
		HttpOnly: d.HTTPOnly,
		Secure:   d.Secure,
		SameSite: d.SameSite,
	}
}
