// Package session tracks per-origin readiness and primes cookies ahead of
// batch work. Callers about to issue many requests to a domain (a
// library-wide sync, say) warm it up once instead of letting the first
// request pay the full challenge-resolution cost while the rest queue
// behind it.
package session

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dk5761/pagegate/internal/logger"
)

// Navigator issues a warmup navigation for an origin's root through the
// dispatcher. A nil error means the fetch completed with a genuine
// classification; challenge handling and escalation happen behind it.
type Navigator interface {
	NavigateOrigin(ctx context.Context, origin string) error
}

// Coordinator tracks which origins hold a working session. At most one
// warmup is in flight per origin; an origin stays ready until explicitly
// invalidated.
type Coordinator struct {
	nav Navigator

	// Clearance reports whether stored cookies amount to strong clearance
	// for the origin. Used by Warmup's requireStrongClearance mode; nil
	// disables the check.
	Clearance func(origin string) bool

	// Timeout bounds each warmup navigation.
	Timeout time.Duration

	mu      sync.Mutex
	origins map[string]*originState
}

type originState struct {
	ready    bool
	inflight bool
	done     chan struct{} // closed when the in-flight warmup finishes
	ok       bool          // outcome of the last finished warmup
}

// NewCoordinator creates a coordinator issuing warmups through nav.
func NewCoordinator(nav Navigator) *Coordinator {
	return &Coordinator{
		nav:     nav,
		Timeout: 90 * time.Second,
		origins: make(map[string]*originState),
	}
}

// Warmup primes the origin's session. Fire-and-forget and idempotent: a
// second call for an origin already warming or ready is a no-op. With
// requireStrongClearance the origin only counts as ready if the fetch also
// left clearance cookies behind.
func (c *Coordinator) Warmup(origin string, requireStrongClearance bool) {
	origin = normalizeOrigin(origin)

	c.mu.Lock()
	st := c.origins[origin]
	if st != nil && (st.ready || st.inflight) {
		c.mu.Unlock()
		return
	}
	st = &originState{inflight: true, done: make(chan struct{})}
	c.origins[origin] = st
	c.mu.Unlock()

	logger.Info("session warmup started", "origin", origin, "strong", requireStrongClearance)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		defer cancel()

		err := c.nav.NavigateOrigin(ctx, origin)
		ok := err == nil
		if ok && requireStrongClearance && c.Clearance != nil && !c.Clearance(origin) {
			logger.Warn("warmup fetch succeeded but no clearance cookies were obtained", "origin", origin)
			ok = false
		}
		if err != nil {
			logger.Warn("session warmup failed", "origin", origin, "error", err)
		} else {
			logger.Info("session warmup finished", "origin", origin, "ready", ok)
		}

		c.mu.Lock()
		st.ready = ok
		st.ok = ok
		st.inflight = false
		c.mu.Unlock()
		close(st.done)
	}()
}

// IsReady reports whether the origin has a working session.
func (c *Coordinator) IsReady(origin string) bool {
	origin = normalizeOrigin(origin)
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.origins[origin]
	return st != nil && st.ready
}

// WaitUntilReady blocks until the origin's in-flight warmup finishes or
// timeout elapses. Returns true only if the origin ended up ready. An
// origin with no warmup in flight and no readiness resolves false
// immediately.
func (c *Coordinator) WaitUntilReady(origin string, timeout time.Duration) bool {
	origin = normalizeOrigin(origin)

	c.mu.Lock()
	st := c.origins[origin]
	if st == nil {
		c.mu.Unlock()
		return false
	}
	if st.ready {
		c.mu.Unlock()
		return true
	}
	if !st.inflight {
		c.mu.Unlock()
		return st.ok
	}
	done := st.done
	c.mu.Unlock()

	select {
	case <-done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return st.ready
	case <-time.After(timeout):
		return false
	}
}

// Invalidate forgets the origin's readiness, forcing the next Warmup to
// navigate again. Called when stored cookies stop working (repeated 403 or
// challenge responses despite clearance).
func (c *Coordinator) Invalidate(origin string) {
	origin = normalizeOrigin(origin)
	c.mu.Lock()
	st := c.origins[origin]
	if st != nil && !st.inflight {
		delete(c.origins, origin)
	}
	c.mu.Unlock()
	logger.Info("session readiness invalidated", "origin", origin)
}

// normalizeOrigin reduces a URL or origin string to scheme://host,
// lowercased.
func normalizeOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(origin, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
