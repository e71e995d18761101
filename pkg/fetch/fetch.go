// Package fetch defines the shared types and error taxonomy for the
// browser-backed fetch pipeline. Content adapters consume the pipeline
// through the pagegate.Client facade and only ever see the types declared
// here; cookies, the request queue, and the rendering context itself stay
// internal.
package fetch

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes the two ways a request can be driven through the
// rendering context.
type Kind string

const (
	// KindNavigate loads the URL as a top-level navigation and extracts
	// the rendered markup.
	KindNavigate Kind = "navigate"

	// KindScriptedPost injects a script into an already-loaded page of the
	// target origin that performs the request with credentials included.
	KindScriptedPost Kind = "scripted-post"
)

// Page represents content obtained through the pipeline.
type Page struct {
	URL        string // URL as requested
	FinalURL   string // URL the rendering context ended up on
	HTML       string
	Title      string
	StatusCode int
	FetchedAt  time.Time
}

// Cookie is a single domain-keyed cookie record. Expires is the zero value
// for session cookies.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	Secure   bool
	HTTPOnly bool
}

// Expired reports whether the cookie has an expiry in the past.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// Error types for distinguishing failure reasons.
// Check with errors.Is(err, fetch.ErrChallengeUnresolved).
var (
	// ErrTimeout indicates the deadline passed before the rendering
	// context answered.
	ErrTimeout = errors.New("fetch timeout")

	// ErrChallengeUnresolved indicates automatic retries were exhausted
	// and manual escalation was declined or failed. This is the only
	// error kind callers should surface to users as actionable.
	ErrChallengeUnresolved = errors.New("challenge unresolved")

	// ErrScript indicates the extraction or post script threw inside the
	// rendering context.
	ErrScript = errors.New("script error")

	// ErrNetwork indicates a transport failure on the direct (non-bypass)
	// path.
	ErrNetwork = errors.New("network error")

	// ErrStaleResponse indicates the rendering context reported content
	// for a different URL than requested and re-extraction attempts were
	// exhausted.
	ErrStaleResponse = errors.New("stale response mismatch")

	// ErrSourceUnavailable indicates a bypass-required domain could not be
	// warmed up or escalated.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// Client is the capability content-extraction adapters depend on.
type Client interface {
	// FetchDocument retrieves the raw markup of a page.
	FetchDocument(ctx context.Context, url string) (string, error)

	// PostForm submits a form-encoded body and returns the raw response
	// text.
	PostForm(ctx context.Context, url, body string, headers map[string]string) (string, error)
}
