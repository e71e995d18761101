// Package dispatch owns the single rendering context and serializes all
// traffic against it. The Dispatcher is the only place a new browser
// operation may start, and it starts one only when none is active —
// the context behaves like a single, non-reentrant browser tab.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dk5761/pagegate/internal/browser"
	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// nonceParam is the correlation token appended to every navigation. It
// defeats caches and lets the Dispatcher prove the extracted content belongs
// to this request rather than a previous navigation.
const nonceParam = "pg_nonce"

// Finisher inspects a freshly extracted navigate result before the pending
// request resolves. The retry and escalation controller implements this:
// it classifies challenge pages, schedules re-extractions against the same
// loaded page, and escalates when retries exhaust. reextract runs the
// extraction script again without re-navigating.
type Finisher interface {
	Finish(ctx context.Context, requestURL string, snap browser.Snapshot,
		reextract func(context.Context) (browser.Snapshot, error)) (browser.Snapshot, error)
}

// passthroughFinisher accepts every snapshot as-is.
type passthroughFinisher struct{}

func (passthroughFinisher) Finish(_ context.Context, _ string, snap browser.Snapshot,
	_ func(context.Context) (browser.Snapshot, error)) (browser.Snapshot, error) {
	return snap, nil
}

// Config holds dispatcher tuning.
type Config struct {
	DefaultTimeout time.Duration
	// Bounded re-extraction attempts when the reported URL does not carry
	// this request's correlation token.
	StaleRetries    int
	StaleRetryDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  60 * time.Second,
		StaleRetries:    3,
		StaleRetryDelay: 500 * time.Millisecond,
	}
}

// Dispatcher serializes requests against the engine, strictly FIFO.
type Dispatcher struct {
	engine   browser.Engine
	finisher Finisher
	config   Config

	mu            sync.Mutex
	queue         []*Request
	currentOrigin string
	closed        bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a dispatcher and starts its serving goroutine. finisher may be
// nil, in which case results pass through unclassified.
func New(engine browser.Engine, finisher Finisher, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.StaleRetries == 0 {
		cfg.StaleRetries = DefaultConfig().StaleRetries
	}
	if cfg.StaleRetryDelay == 0 {
		cfg.StaleRetryDelay = DefaultConfig().StaleRetryDelay
	}
	if finisher == nil {
		finisher = passthroughFinisher{}
	}

	d := &Dispatcher{
		engine:   engine,
		finisher: finisher,
		config:   cfg,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// Enqueue appends the request to the FIFO queue and returns its pending
// result. Requests complete in enqueue order relative to context occupancy.
func (d *Dispatcher) Enqueue(req *Request) (*Pending, error) {
	if req.pending == nil {
		req.pending = newPending()
	}
	if req.Timeout == 0 {
		req.Timeout = d.config.DefaultTimeout
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("dispatcher closed")
	}
	d.queue = append(d.queue, req)
	depth := len(d.queue)
	d.mu.Unlock()

	logger.Debug("request enqueued", "id", req.ID, "kind", req.Kind, "url", req.URL, "depth", depth)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return req.pending, nil
}

// CurrentOrigin returns the origin the rendering context last completed a
// navigation to.
func (d *Dispatcher) CurrentOrigin() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentOrigin
}

// Close stops accepting requests, fails everything still queued, and waits
// for the serving goroutine to exit. The engine is not closed here; its
// owner does that.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, req := range pending {
		req.pending.resolve(fetch.Page{}, errors.New("dispatcher closed"))
	}

	close(d.quit)
	<-d.done
	return nil
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		req := d.next()
		if req == nil {
			return
		}
		d.serve(req)
	}
}

// next blocks until a request is available or the dispatcher closes.
func (d *Dispatcher) next() *Request {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			req := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return req
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-d.wake:
		case <-d.quit:
			return nil
		}
	}
}

// serve runs one request to completion or deadline. A deadline firing
// resolves the pending result and frees the queue immediately; the engine
// operation is not interrupted, its late answer is simply discarded.
func (d *Dispatcher) serve(req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()

	type outcome struct {
		page fetch.Page
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		page, err := d.execute(ctx, req)
		ch <- outcome{page, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			logger.Warn("request failed", "id", req.ID, "url", req.URL, "error", out.err)
		} else {
			logger.Debug("request complete", "id", req.ID, "url", req.URL, "title", out.page.Title)
		}
		req.pending.resolve(out.page, out.err)
	case <-ctx.Done():
		logger.Warn("request deadline exceeded", "id", req.ID, "url", req.URL, "timeout", req.Timeout)
		req.pending.resolve(fetch.Page{}, fmt.Errorf("%w: %s", fetch.ErrTimeout, req.URL))
	}
}

func (d *Dispatcher) execute(ctx context.Context, req *Request) (fetch.Page, error) {
	switch req.Kind {
	case fetch.KindScriptedPost:
		return d.executePost(ctx, req)
	default:
		return d.executeNavigate(ctx, req)
	}
}

// executeNavigate loads the URL with the correlation token appended,
// extracts the rendered page, verifies the extraction belongs to this
// request, and hands the snapshot to the finisher.
func (d *Dispatcher) executeNavigate(ctx context.Context, req *Request) (fetch.Page, error) {
	busted, err := appendNonce(req.URL, req.ID)
	if err != nil {
		return fetch.Page{}, fmt.Errorf("invalid URL %q: %w", req.URL, err)
	}

	if err := d.engine.Navigate(ctx, busted); err != nil {
		return fetch.Page{}, err
	}
	d.setOrigin(req.URL)

	snap, err := d.extractVerified(ctx, req)
	if err != nil {
		return fetch.Page{}, err
	}

	reextract := func(ctx context.Context) (browser.Snapshot, error) {
		return d.engine.Snapshot(ctx)
	}
	snap, err = d.finisher.Finish(ctx, req.URL, snap, reextract)
	if err != nil {
		return fetch.Page{}, err
	}

	return fetch.Page{
		URL:        req.URL,
		FinalURL:   stripNonce(snap.URL),
		HTML:       snap.HTML,
		Title:      snap.Title,
		StatusCode: 200, // the rendering context does not expose status codes
		FetchedAt:  time.Now(),
	}, nil
}

// extractVerified runs the extraction script and checks the reported URL
// carries this request's correlation token, guarding against capturing a
// previous navigation's content. Mismatches are re-attempted after a short
// delay up to the configured bound.
func (d *Dispatcher) extractVerified(ctx context.Context, req *Request) (browser.Snapshot, error) {
	var snap browser.Snapshot
	var err error
	attempts := d.config.StaleRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.Debug("stale extraction, retrying", "id", req.ID, "attempt", attempt, "got", snap.URL)
			select {
			case <-time.After(d.config.StaleRetryDelay):
			case <-ctx.Done():
				return snap, fmt.Errorf("%w: %s", fetch.ErrTimeout, req.URL)
			}
		}

		snap, err = d.engine.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		if hasNonce(snap.URL, req.ID) {
			return snap, nil
		}
	}

	return snap, fmt.Errorf("%w: requested %s, context reported %s", fetch.ErrStaleResponse, req.URL, snap.URL)
}

// executePost navigates to the target origin's root first when the context
// is parked somewhere else, then injects the credentialed request script.
func (d *Dispatcher) executePost(ctx context.Context, req *Request) (fetch.Page, error) {
	origin, err := originOf(req.URL)
	if err != nil {
		return fetch.Page{}, fmt.Errorf("invalid URL %q: %w", req.URL, err)
	}

	if !req.OriginReady && d.CurrentOrigin() != origin {
		logger.Debug("navigating to origin before scripted post", "id", req.ID, "origin", origin)
		if err := d.engine.Navigate(ctx, origin+"/"); err != nil {
			return fetch.Page{}, err
		}
		d.setOrigin(req.URL)
	}

	res, err := d.engine.Post(ctx, req.URL, req.Body, req.Headers)
	if err != nil {
		return fetch.Page{}, err
	}

	return fetch.Page{
		URL:        req.URL,
		FinalURL:   req.URL,
		HTML:       res.Body,
		StatusCode: res.Status,
		FetchedAt:  time.Now(),
	}, nil
}

func (d *Dispatcher) setOrigin(rawURL string) {
	origin, err := originOf(rawURL)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.currentOrigin = origin
	d.mu.Unlock()
}

// appendNonce adds the correlation token to the URL's query string.
func appendNonce(rawURL, nonce string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(nonceParam, nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// hasNonce reports whether the URL carries exactly this correlation token.
func hasNonce(rawURL, nonce string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Query().Get(nonceParam) == nonce
}

// stripNonce removes the correlation token so callers see the URL they asked
// for, not our cache-busted variant.
func stripNonce(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	if q.Get(nonceParam) == "" {
		return rawURL
	}
	q.Del(nonceParam)
	u.RawQuery = q.Encode()
	return u.String()
}

// originOf reduces a URL to its scheme://host origin.
func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL %q has no origin", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
