package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// extractScript reports the rendered page back to the controller. The final
// URL comes from the page itself so the dispatcher can detect captures of a
// previous navigation's content.
const extractScript = `({
	url: document.location.href,
	title: document.title,
	html: document.documentElement ? document.documentElement.outerHTML : "",
})`

// ChromeEngine drives a single headless Chrome tab via chromedp. It is a
// non-reentrant resource: callers must not issue overlapping operations. The
// Dispatcher is the only component that talks to it directly.
type ChromeEngine struct {
	config      Config
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	startOnce   sync.Once
	startErr    error
}

// NewChromeEngine creates the engine. The browser process itself is started
// lazily on the first operation.
func NewChromeEngine(cfg Config) *ChromeEngine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	var opts []chromedp.ExecAllocatorOption
	if cfg.Stealth {
		opts = append(chromedp.DefaultExecAllocatorOptions[:], StealthExecAllocatorOptions()...)
	} else {
		opts = append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.WindowSize(1920, 1080),
		)
	}
	if !cfg.Headless {
		// Manual escalation needs a visible window.
		opts = append(opts, chromedp.Flag("headless", false))
	}

	execPath := cfg.ExecPath
	if execPath == "" {
		execPath = FindChromePath()
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}

	opts = append(opts, chromedp.UserAgent(cfg.UserAgent))

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)

	logger.Debug("chrome engine created",
		"stealth", cfg.Stealth,
		"headless", cfg.Headless,
		"timeout", cfg.Timeout)

	return &ChromeEngine{
		config:      cfg,
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
	}
}

// start creates the single long-lived tab context. Unlike one-shot fetchers,
// the tab is kept across requests so cookies and the current origin persist.
func (e *ChromeEngine) start() error {
	e.startOnce.Do(func() {
		tabCtx, cancelTab := chromedp.NewContext(e.allocCtx,
			chromedp.WithLogf(func(format string, args ...interface{}) {
				logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
			}),
		)
		e.tabCtx = tabCtx
		e.cancelTab = cancelTab

		var actions []chromedp.Action
		if e.config.Stealth {
			actions = append(actions, InjectStealthScript())
		}
		// Navigating to about:blank forces the browser process to start
		// so the first real request doesn't pay the launch cost.
		actions = append(actions, chromedp.Navigate("about:blank"))

		startCtx, cancel := context.WithTimeout(tabCtx, e.config.Timeout)
		defer cancel()
		if err := chromedp.Run(startCtx, actions...); err != nil {
			e.startErr = fmt.Errorf("failed to start browser: %w", err)
		}
	})
	return e.startErr
}

// run executes actions against the tab, bounded by the caller's deadline.
// The timeout cancels only this operation; the tab survives.
func (e *ChromeEngine) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := e.start(); err != nil {
		return err
	}

	opCtx := e.tabCtx
	var cancel context.CancelFunc
	if deadline, ok := ctx.Deadline(); ok {
		opCtx, cancel = context.WithDeadline(e.tabCtx, deadline)
	} else {
		opCtx, cancel = context.WithTimeout(e.tabCtx, e.config.Timeout)
	}
	defer cancel()

	return chromedp.Run(opCtx, actions...)
}

// Navigate implements Engine.
func (e *ChromeEngine) Navigate(ctx context.Context, targetURL string) error {
	err := e.run(ctx,
		chromedp.Navigate(targetURL),
		// WaitVisible has a bug causing infinite polling; WaitReady is
		// reliable for "load complete enough to extract".
		chromedp.WaitReady("body"),
	)
	if err != nil {
		e.debugScreenshot("navigate")
		if strings.Contains(err.Error(), "deadline exceeded") || ctx.Err() != nil {
			return fmt.Errorf("%w: navigation to %s: %v", fetch.ErrTimeout, targetURL, err)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

// Snapshot implements Engine.
func (e *ChromeEngine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.run(ctx, chromedp.Evaluate(extractScript, &snap))
	if err != nil {
		if isScriptException(err) {
			return snap, fmt.Errorf("%w: extraction: %v", fetch.ErrScript, err)
		}
		if strings.Contains(err.Error(), "deadline exceeded") || ctx.Err() != nil {
			return snap, fmt.Errorf("%w: extraction: %v", fetch.ErrTimeout, err)
		}
		return snap, fmt.Errorf("extraction failed: %w", err)
	}
	return snap, nil
}

// Post implements Engine. It injects a fetch() call into the loaded page so
// the request carries the page's credentials and passes the same TLS and JS
// fingerprint checks the navigation did.
func (e *ChromeEngine) Post(ctx context.Context, targetURL, body string, headers map[string]string) (ScriptResult, error) {
	var result ScriptResult

	hdrs := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		hdrs[k] = v
	}
	if _, ok := hdrs["Content-Type"]; !ok {
		hdrs["Content-Type"] = "application/x-www-form-urlencoded"
	}
	hdrJSON, err := json.Marshal(hdrs)
	if err != nil {
		return result, fmt.Errorf("failed to encode headers: %w", err)
	}
	urlJSON, _ := json.Marshal(targetURL)
	bodyJSON, _ := json.Marshal(body)

	script := fmt.Sprintf(`fetch(%s, {
		method: "POST",
		credentials: "include",
		headers: %s,
		body: %s,
	}).then(r => r.text().then(t => ({status: r.status, body: t})))`,
		urlJSON, hdrJSON, bodyJSON)

	err = e.run(ctx, chromedp.Evaluate(script, &result,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		if isScriptException(err) {
			return result, fmt.Errorf("%w: post to %s: %v", fetch.ErrScript, targetURL, err)
		}
		if strings.Contains(err.Error(), "deadline exceeded") || ctx.Err() != nil {
			return result, fmt.Errorf("%w: post to %s: %v", fetch.ErrTimeout, targetURL, err)
		}
		return result, fmt.Errorf("scripted post failed: %w", err)
	}
	return result, nil
}

// Cookies implements Engine. storage.GetCookies sees HTTP-only cookies that
// header inspection would miss, which is exactly what clearance cookies are.
func (e *ChromeEngine) Cookies(ctx context.Context, targetURL string) ([]fetch.Cookie, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var out []fetch.Cookie
	err = e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		host := u.Hostname()
		for _, c := range cookies {
			if !domainMatches(host, c.Domain) {
				continue
			}
			var expires time.Time
			if c.Expires > 0 {
				expires = time.Unix(int64(c.Expires), 0)
			}
			out = append(out, fetch.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  expires,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	logger.Debug("cookies read from context", "url", targetURL, "count", len(out))
	return out, nil
}

// SetCookies implements Engine.
func (e *ChromeEngine) SetCookies(ctx context.Context, targetURL string, cookies []fetch.Cookie) error {
	u, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL for cookies: %w", err)
	}

	return e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var params []*network.CookieParam
		for _, c := range cookies {
			domain := c.Domain
			if domain == "" {
				domain = u.Host
			}
			path := c.Path
			if path == "" {
				path = "/"
			}
			params = append(params, &network.CookieParam{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   domain,
				Path:     path,
				Secure:   u.Scheme == "https",
				HTTPOnly: c.HTTPOnly,
			})
		}
		return network.SetCookies(params).Do(ctx)
	}))
}

// Close implements Engine.
func (e *ChromeEngine) Close() error {
	if e.cancelTab != nil {
		e.cancelTab()
	}
	if e.cancelAlloc != nil {
		e.cancelAlloc()
	}
	return nil
}

// debugScreenshot captures the tab for post-mortem debugging of failed
// operations. Best effort: failures are ignored.
func (e *ChromeEngine) debugScreenshot(op string) {
	if e.tabCtx == nil {
		return
	}
	captureCtx, cancel := context.WithTimeout(e.tabCtx, 5*time.Second)
	defer cancel()

	var screenshot []byte
	if err := chromedp.Run(captureCtx, chromedp.CaptureScreenshot(&screenshot)); err != nil {
		return
	}
	path := filepath.Join(os.TempDir(), fmt.Sprintf("pagegate-%s-%d.png", op, time.Now().UnixNano()))
	if err := os.WriteFile(path, screenshot, 0644); err == nil {
		logger.Debug("debug screenshot saved", "path", path)
	}
}

// isScriptException distinguishes in-page script throws from transport-level
// chromedp failures.
func isScriptException(err error) bool {
	var exc *runtime.ExceptionDetails
	if errors.As(err, &exc) {
		return true
	}
	return strings.Contains(err.Error(), "exception")
}

// domainMatches reports whether a cookie domain covers host, honoring the
// leading-dot convention for subdomain cookies.
func domainMatches(host, cookieDomain string) bool {
	d := strings.TrimPrefix(cookieDomain, ".")
	if host == d {
		return true
	}
	return strings.HasSuffix(host, "."+d)
}

// Common Chrome/Chromium binary names across different systems.
var chromeBinaryNames = []string{
	"google-chrome-stable",
	"google-chrome",
	"chromium",
	"chromium-browser",
	"chrome",
	// macOS paths
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
	// Common Linux paths
	"/usr/bin/google-chrome-stable",
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/snap/bin/chromium",
	// Windows paths
	`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
}

// FindChromePath searches for a Chrome/Chromium binary on the system.
// It first tries PATH lookup, then checks common installation locations.
// Returns empty string if no Chrome binary is found.
func FindChromePath() string {
	for _, name := range chromeBinaryNames {
		if path, err := exec.LookPath(name); err == nil {
			logger.Debug("found Chrome binary", "name", name, "path", path)
			return path
		}
	}
	logger.Warn("no Chrome binary found - bypass fetching may not work")
	return ""
}
