// Package browser abstracts the rendering context: an embeddable browser
// environment that can load URLs, execute scripts inside the loaded page, and
// hold cookies. The rest of the pipeline only depends on the Engine
// interface; the chromedp implementation lives in chrome.go.
package browser

import (
	"context"
	"time"

	"github.com/dk5761/pagegate/pkg/fetch"
)

// Snapshot is what the extraction script reports back from the loaded page.
type Snapshot struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// ScriptResult carries the outcome of a scripted in-page request.
type ScriptResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Engine is the platform-specific surface the pipeline depends on: navigate,
// run a script in the page, report completion, and read cookies for a URL
// including HTTP-only ones.
type Engine interface {
	// Navigate loads url as a top-level navigation and returns once the
	// document is ready.
	Navigate(ctx context.Context, url string) error

	// Snapshot extracts the rendered markup, document title, and final
	// resolved URL from the currently loaded page.
	Snapshot(ctx context.Context) (Snapshot, error)

	// Post performs a credentialed request from inside the currently
	// loaded page. The page must already belong to the target origin.
	Post(ctx context.Context, url, body string, headers map[string]string) (ScriptResult, error)

	// Cookies returns the context's cookies for url, including those
	// flagged HTTP-only.
	Cookies(ctx context.Context, url string) ([]fetch.Cookie, error)

	// SetCookies plants cookies into the context before navigation (e.g.
	// clearance obtained out of band).
	SetCookies(ctx context.Context, url string, cookies []fetch.Cookie) error

	// Close releases the underlying browser.
	Close() error
}

// Config holds engine configuration.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Stealth   bool // enable anti-bot detection evasion
	Headless  bool
	ExecPath  string // explicit Chrome binary; discovered when empty
}

// Chrome user agent for better compatibility with bot-protected sites.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent: defaultUserAgent,
		Timeout:   30 * time.Second,
		Stealth:   true,
		Headless:  true,
	}
}
