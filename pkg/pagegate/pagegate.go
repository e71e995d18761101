package pagegate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dk5761/pagegate/internal/browser"
	"github.com/dk5761/pagegate/internal/challenge"
	"github.com/dk5761/pagegate/internal/cookies"
	"github.com/dk5761/pagegate/internal/direct"
	"github.com/dk5761/pagegate/internal/dispatch"
	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/internal/session"
	"github.com/dk5761/pagegate/internal/storage"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// Client is the fetch facade. Content-extraction adapters call
// FetchDocument and PostForm and receive raw text or a typed error; they
// never see cookies, the queue, or the rendering context.
type Client struct {
	config     Config
	policies   *policySet
	engine     browser.Engine
	dispatcher *dispatch.Dispatcher
	store      *cookies.Store
	storage    *storage.CookieStorage
	solver     *challenge.Solver
	warmup     *session.Coordinator
	direct     *direct.Client
}

var _ fetch.Client = (*Client)(nil)

// New assembles the pipeline. The browser process starts lazily on the
// first bypass request.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig assembles the pipeline from an explicit configuration.
func NewWithConfig(cfg Config) (*Client, error) {
	c := &Client{
		config:   cfg,
		policies: newPolicySet(cfg.Policies),
	}

	if cfg.CookiePath != "" {
		st, err := storage.Open(cfg.CookiePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open cookie storage: %w", err)
		}
		c.storage = st
	}

	store, err := cookies.NewStore(context.Background(), storageOrNil(c.storage))
	if err != nil {
		return nil, err
	}
	c.store = store

	c.engine = browser.NewChromeEngine(browser.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		Stealth:   cfg.Stealth,
		Headless:  cfg.Headless,
		ExecPath:  cfg.ChromePath,
	})

	var escalators []challenge.Escalator
	if cfg.SolverURL != "" {
		c.solver = challenge.NewSolver(cfg.SolverURL, c.engine, c.store)
		escalators = append(escalators, c.solver)
	}
	if cfg.Prompter != nil {
		escalators = append(escalators, challenge.NewManual(cfg.Prompter, c.engine, c.store))
	}

	controller := challenge.NewController(escalators...)
	controller.MaxAttempts = cfg.MaxChallengeAttempts
	controller.RetryDelay = cfg.ChallengeRetryDelay
	controller.OnGenuine = func(ctx context.Context, requestURL string) error {
		return c.store.Sync(ctx, hostOf(requestURL), requestURL, c.engine)
	}

	c.dispatcher = dispatch.New(c.engine, controller, dispatch.Config{
		DefaultTimeout: cfg.Timeout,
	})

	c.warmup = session.NewCoordinator(warmupNavigator{c})
	c.warmup.Clearance = func(origin string) bool {
		return c.store.Header(hostOf(origin)) != ""
	}

	c.direct = direct.NewClient(direct.Config{
		UserAgent:         cfg.UserAgent,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.DirectRequestsPerSecond,
	})

	logger.Info("pipeline assembled",
		"policies", len(cfg.Policies),
		"solver", cfg.SolverURL != "",
		"manual_escalation", cfg.Prompter != nil,
		"cookie_db", cfg.CookiePath != "")
	return c, nil
}

// FetchDocument retrieves the raw markup of a page, routing through the
// rendering context for bypass-required domains and the direct HTTP path
// otherwise. The facade never retries; all remediation happens below it.
func (c *Client) FetchDocument(ctx context.Context, rawURL string) (string, error) {
	if c.policies.forURL(rawURL).NeedsBypass {
		page, err := c.enqueueAndWait(ctx, fetch.KindNavigate, rawURL, "", nil)
		if err != nil {
			return "", err
		}
		return page.HTML, nil
	}

	page, err := c.directRequest(ctx, rawURL, func(cookieHeader string) (fetch.Page, error) {
		return c.direct.Get(ctx, rawURL, nil, cookieHeader)
	})
	if err != nil {
		return "", err
	}
	return page.HTML, nil
}

// PostForm submits a form-encoded body and returns the raw response text.
func (c *Client) PostForm(ctx context.Context, rawURL, body string, headers map[string]string) (string, error) {
	if c.policies.forURL(rawURL).NeedsBypass {
		page, err := c.enqueueAndWait(ctx, fetch.KindScriptedPost, rawURL, body, headers)
		if err != nil {
			return "", err
		}
		return page.HTML, nil
	}

	page, err := c.directRequest(ctx, rawURL, func(cookieHeader string) (fetch.Page, error) {
		return c.direct.PostForm(ctx, rawURL, body, headers, cookieHeader)
	})
	if err != nil {
		return "", err
	}
	return page.HTML, nil
}

// Warmup proactively primes the origin's session. Fire-and-forget and
// idempotent; batch callers invoke it once before issuing many requests.
func (c *Client) Warmup(origin string) {
	policy := c.policies.forURL(origin)
	c.warmup.Warmup(origin, policy.RequireStrongClearance)
}

// IsReady reports whether the origin holds a working session.
func (c *Client) IsReady(origin string) bool {
	return c.warmup.IsReady(origin)
}

// WaitUntilReady blocks until the origin's warmup completes or timeout
// elapses, returning the readiness outcome.
func (c *Client) WaitUntilReady(origin string, timeout time.Duration) bool {
	return c.warmup.WaitUntilReady(origin, timeout)
}

// InvalidateSession clears the origin's stored cookies and readiness,
// forcing the next request or warmup to earn clearance again. Call it when
// a server starts rejecting previously working cookies.
func (c *Client) InvalidateSession(ctx context.Context, origin string) error {
	c.warmup.Invalidate(origin)
	return c.store.Invalidate(ctx, hostOf(origin))
}

// Close shuts the pipeline down: pending requests fail, the browser exits,
// solver sessions are destroyed, and the cookie database is closed.
func (c *Client) Close() error {
	var firstErr error
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.engine != nil {
		if err := c.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.solver != nil {
		c.solver.DestroySessions()
	}
	if c.storage != nil {
		if err := c.storage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// enqueueAndWait runs one request through the dispatcher and maps the
// terminal bypass failure onto the facade's error contract.
func (c *Client) enqueueAndWait(ctx context.Context, kind fetch.Kind, rawURL, body string, headers map[string]string) (fetch.Page, error) {
	req := dispatch.NewRequest(kind, rawURL)
	req.Body = body
	req.Headers = headers
	if deadline, ok := ctx.Deadline(); ok {
		req.Timeout = time.Until(deadline)
	} else {
		req.Timeout = c.config.Timeout
	}

	pending, err := c.dispatcher.Enqueue(req)
	if err != nil {
		return fetch.Page{}, err
	}

	page, err := pending.Wait(ctx)
	if err != nil {
		if errors.Is(err, fetch.ErrChallengeUnresolved) {
			// The only failure kind worth surfacing to users: this
			// source is currently blocking automated access.
			return page, fmt.Errorf("%w: %w", fetch.ErrSourceUnavailable, err)
		}
		return page, err
	}
	return page, nil
}

// directRequest runs one request over the native HTTP path with the
// domain's stored cookie header attached.
func (c *Client) directRequest(ctx context.Context, rawURL string, do func(cookieHeader string) (fetch.Page, error)) (fetch.Page, error) {
	domain := hostOf(rawURL)
	cookieHeader := c.store.Header(domain)

	page, err := do(cookieHeader)

	if page.StatusCode == 403 && cookieHeader != "" {
		// The server stopped honoring our clearance. Drop it so the next
		// call for this domain treats the session as unwarmed.
		logger.Warn("stored cookies rejected, invalidating", "domain", domain)
		if invErr := c.InvalidateSession(ctx, rawURL); invErr != nil {
			logger.Warn("failed to invalidate session", "domain", domain, "error", invErr)
		}
	}
	if err != nil {
		return page, err
	}
	if page.StatusCode >= 400 {
		return page, fmt.Errorf("%w: %s returned status %d", fetch.ErrNetwork, rawURL, page.StatusCode)
	}
	return page, nil
}

// warmupNavigator adapts the client for the session coordinator: a warmup
// is an ordinary navigate request for the origin's root, handed to the
// dispatcher like any other.
type warmupNavigator struct {
	c *Client
}

func (n warmupNavigator) NavigateOrigin(ctx context.Context, origin string) error {
	_, err := n.c.enqueueAndWait(ctx, fetch.KindNavigate, origin+"/", "", nil)
	return err
}

// storageOrNil keeps the typed-nil pointer out of the cookies.Storage
// interface value.
func storageOrNil(s *storage.CookieStorage) cookies.Storage {
	if s == nil {
		return nil
	}
	return s
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
