package challenge

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dk5761/pagegate/internal/browser"
	"github.com/dk5761/pagegate/internal/cookies"
	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// Prompter is the manual-escalation UI collaborator. Present shows the live
// rendering context for origin and blocks until the user chooses Done (true)
// or Cancel (false), or ctx is cancelled because the pipeline noticed the
// challenge cleared on its own.
type Prompter interface {
	Present(ctx context.Context, origin string) (bool, error)
}

// Manual surfaces an interactive fallback when automatic bypass is
// exhausted: a human completes the visible challenge widget in the live
// rendering context. It is a modal, attention-demanding state, so only one
// manual challenge may be active process-wide; concurrent escalations queue
// behind the mutex regardless of origin.
type Manual struct {
	mu       sync.Mutex
	prompter Prompter
	engine   browser.Engine
	store    *cookies.Store

	// CheckInterval is how often the live page is re-classified while the
	// prompt is up, so a challenge the user already passed resolves the
	// flow without waiting for the Done click.
	CheckInterval time.Duration
}

// NewManual creates the escalation flow. store may be nil when cookie
// persistence is handled elsewhere.
func NewManual(prompter Prompter, engine browser.Engine, store *cookies.Store) *Manual {
	return &Manual{
		prompter:      prompter,
		engine:        engine,
		store:         store,
		CheckInterval: 3 * time.Second,
	}
}

// Resolve implements Escalator. It blocks (logically; the caller's event
// loop stays free) until the user completes the challenge, cancels, or ctx
// expires.
func (m *Manual) Resolve(ctx context.Context, requestURL string) (browser.Snapshot, error) {
	origin := originLabel(requestURL)

	m.mu.Lock()
	defer m.mu.Unlock()

	logger.Info("manual challenge escalation started", "origin", origin)

	promptCtx, cancelPrompt := context.WithCancel(ctx)
	defer cancelPrompt()

	type promptResult struct {
		done bool
		err  error
	}
	promptCh := make(chan promptResult, 1)
	go func() {
		done, err := m.prompter.Present(promptCtx, origin)
		promptCh <- promptResult{done, err}
	}()

	interval := m.CheckInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case res := <-promptCh:
			if res.err != nil {
				return browser.Snapshot{}, fmt.Errorf("%w: escalation UI failed: %v", fetch.ErrChallengeUnresolved, res.err)
			}
			if !res.done {
				logger.Info("manual challenge cancelled by user", "origin", origin)
				return browser.Snapshot{}, fmt.Errorf("%w: cancelled for %s", fetch.ErrChallengeUnresolved, origin)
			}
			snap, cleared, err := m.check(ctx, requestURL)
			if err != nil {
				return snap, err
			}
			if cleared {
				return snap, nil
			}
			// The user clicked Done but the wall is still up. Treat as
			// unresolved rather than re-prompting in a loop.
			logger.Warn("manual challenge reported done but page still classified as challenge", "origin", origin)
			return snap, fmt.Errorf("%w: still challenged after manual completion for %s", fetch.ErrChallengeUnresolved, origin)

		case <-ticker.C:
			snap, cleared, err := m.check(ctx, requestURL)
			if err != nil {
				// The live context may be mid-reload while the user
				// interacts with the widget; keep waiting.
				continue
			}
			if cleared {
				logger.Info("challenge cleared during manual escalation", "origin", origin)
				cancelPrompt()
				<-promptCh // reap the prompt goroutine
				return snap, nil
			}

		case <-ctx.Done():
			cancelPrompt()
			<-promptCh
			return browser.Snapshot{}, fmt.Errorf("%w: manual escalation for %s", fetch.ErrTimeout, origin)
		}
	}
}

// check re-runs the detector against the interactive context. On transition
// to genuine it extracts and stores the clearance cookies.
func (m *Manual) check(ctx context.Context, requestURL string) (browser.Snapshot, bool, error) {
	snap, err := m.engine.Snapshot(ctx)
	if err != nil {
		return snap, false, err
	}
	if cls, _ := DetectVendor(snap.Title, snap.HTML); cls == Challenge {
		return snap, false, nil
	}

	if m.store != nil {
		domain := hostOf(requestURL)
		if err := m.store.Sync(ctx, domain, requestURL, m.engine); err != nil {
			logger.Warn("failed to store cookies after manual escalation", "domain", domain, "error", err)
		}
	}
	return snap, true, nil
}

// originLabel reduces a URL to scheme://host for user-facing messages.
func originLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
