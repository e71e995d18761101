package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dk5761/pagegate/internal/browser"
	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// Escalator resolves a challenge the automatic retries could not: a remote
// solver sidecar or the interactive manual flow. It returns the page as it
// stands after the escalation attempt.
type Escalator interface {
	Resolve(ctx context.Context, requestURL string) (browser.Snapshot, error)
}

// Controller wraps a single navigate-type fetch's lifecycle: classify the
// extracted page, re-extract while the challenge self-resolves, then
// escalate. It implements the dispatcher's Finisher contract.
type Controller struct {
	// MaxAttempts is the classification ceiling. On the MaxAttempts-th
	// consecutive challenge classification, control passes to the
	// escalators.
	MaxAttempts int

	// RetryDelay is how long to let the challenge page work on itself
	// before re-extracting. Challenge pages typically self-resolve
	// client-side within a few seconds.
	RetryDelay time.Duration

	// Escalators are tried in order once retries exhaust. Nil or empty
	// means challenges surface as unresolved immediately.
	Escalators []Escalator

	// OnGenuine runs after a genuine classification, before the result is
	// handed back. The facade wires cookie sync here.
	OnGenuine func(ctx context.Context, requestURL string) error
}

// DefaultMaxAttempts is a handful: enough for the usual self-resolving
// interstitial, few enough to escalate before the caller's deadline.
const DefaultMaxAttempts = 4

// DefaultRetryDelay between re-extractions.
const DefaultRetryDelay = 2 * time.Second

// NewController creates a controller with the given escalation chain.
func NewController(escalators ...Escalator) *Controller {
	return &Controller{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		Escalators:  escalators,
	}
}

// Finish classifies snap and drives retries and escalation until the page is
// genuine or remediation is exhausted.
func (c *Controller) Finish(ctx context.Context, requestURL string, snap browser.Snapshot,
	reextract func(context.Context) (browser.Snapshot, error)) (browser.Snapshot, error) {

	maxAttempts := c.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	for attempt := 1; ; attempt++ {
		cls, vendor := DetectVendor(snap.Title, snap.HTML)
		if cls == Genuine {
			return c.finishGenuine(ctx, requestURL, snap)
		}

		if attempt >= maxAttempts {
			logger.Warn("challenge persisted through retries, escalating",
				"url", requestURL, "vendor", vendor, "attempts", attempt)
			return c.escalate(ctx, requestURL, vendor)
		}

		logger.Debug("challenge page detected, waiting for it to self-resolve",
			"url", requestURL, "vendor", vendor, "attempt", attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return snap, fmt.Errorf("%w: waiting out challenge on %s", fetch.ErrTimeout, requestURL)
		}

		var err error
		snap, err = reextract(ctx)
		if err != nil {
			return snap, err
		}
	}
}

// escalate walks the escalation chain. Unresolved outcomes fall through to
// the next escalator; transport-level failures propagate immediately.
func (c *Controller) escalate(ctx context.Context, requestURL, vendor string) (browser.Snapshot, error) {
	if len(c.Escalators) == 0 {
		return browser.Snapshot{}, fmt.Errorf("%w: %s challenge on %s and no escalation configured",
			fetch.ErrChallengeUnresolved, vendor, requestURL)
	}

	var lastErr error
	for _, esc := range c.Escalators {
		snap, err := esc.Resolve(ctx, requestURL)
		if err != nil {
			if errors.Is(err, fetch.ErrChallengeUnresolved) {
				lastErr = err
				continue
			}
			return snap, err
		}

		// Trust but verify: the escalator claims the wall is down.
		if cls, v := DetectVendor(snap.Title, snap.HTML); cls == Challenge {
			lastErr = fmt.Errorf("%w: %s challenge still present after escalation", fetch.ErrChallengeUnresolved, v)
			continue
		}
		return c.finishGenuine(ctx, requestURL, snap)
	}
	return browser.Snapshot{}, lastErr
}

func (c *Controller) finishGenuine(ctx context.Context, requestURL string, snap browser.Snapshot) (browser.Snapshot, error) {
	if c.OnGenuine != nil {
		if err := c.OnGenuine(ctx, requestURL); err != nil {
			// Cookie sync failing does not invalidate the content we
			// already hold; the next direct request just won't have
			// fresh clearance.
			logger.Warn("post-fetch hook failed", "url", requestURL, "error", err)
		}
	}
	return snap, nil
}
