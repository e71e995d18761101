package challenge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dk5761/pagegate/internal/browser"
	"github.com/dk5761/pagegate/pkg/fetch"
)

const genuineHTML = `<html><head><title>Chapter 12</title></head><body><div class="pages"></div></body></html>`
const challengeHTML = `<html><head><title>Just a moment...</title></head><body><form id="challenge-form"></form></body></html>`

func genuineSnap() browser.Snapshot {
	return browser.Snapshot{URL: "https://example.com/ch/12", Title: "Chapter 12", HTML: genuineHTML}
}

func challengeSnap() browser.Snapshot {
	return browser.Snapshot{URL: "https://example.com/ch/12", Title: "Just a moment...", HTML: challengeHTML}
}

// snapshotSequence replays a fixed series of snapshots, repeating the last
// one once exhausted.
type snapshotSequence struct {
	snaps []browser.Snapshot
	calls int
}

func (s *snapshotSequence) next(context.Context) (browser.Snapshot, error) {
	i := s.calls
	if i >= len(s.snaps) {
		i = len(s.snaps) - 1
	}
	s.calls++
	return s.snaps[i], nil
}

// stubEscalator records calls and returns a scripted outcome.
type stubEscalator struct {
	snap  browser.Snapshot
	err   error
	calls int
}

func (e *stubEscalator) Resolve(context.Context, string) (browser.Snapshot, error) {
	e.calls++
	return e.snap, e.err
}

func TestController_Finish_GenuineFirstPass(t *testing.T) {
	c := NewController()
	hookCalls := 0
	c.OnGenuine = func(context.Context, string) error {
		hookCalls++
		return nil
	}

	seq := &snapshotSequence{snaps: []browser.Snapshot{genuineSnap()}}
	snap, err := c.Finish(context.Background(), "https://example.com/ch/12", genuineSnap(), seq.next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Title != "Chapter 12" {
		t.Errorf("expected genuine snapshot, got title %q", snap.Title)
	}
	if seq.calls != 0 {
		t.Errorf("expected no re-extractions, got %d", seq.calls)
	}
	if hookCalls != 1 {
		t.Errorf("expected OnGenuine to run once, ran %d times", hookCalls)
	}
}

func TestController_Finish_ChallengeSelfResolves(t *testing.T) {
	c := NewController()
	c.MaxAttempts = 4
	c.RetryDelay = time.Millisecond

	// The second re-extraction finds the wall gone.
	seq := &snapshotSequence{snaps: []browser.Snapshot{challengeSnap(), genuineSnap()}}
	snap, err := c.Finish(context.Background(), "https://example.com/ch/12", challengeSnap(), seq.next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Title != "Chapter 12" {
		t.Errorf("expected genuine snapshot, got title %q", snap.Title)
	}
	if seq.calls != 2 {
		t.Errorf("expected 2 re-extractions, got %d", seq.calls)
	}
}

func TestController_Finish_EscalatesAtCeiling(t *testing.T) {
	esc := &stubEscalator{snap: genuineSnap()}
	c := NewController(esc)
	c.MaxAttempts = 3
	c.RetryDelay = time.Millisecond

	// Every extraction yields a challenge: the third classification is the
	// ceiling, after exactly two re-extraction attempts.
	seq := &snapshotSequence{snaps: []browser.Snapshot{challengeSnap()}}
	snap, err := c.Finish(context.Background(), "https://example.com/ch/12", challengeSnap(), seq.next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Title != "Chapter 12" {
		t.Errorf("expected escalator's snapshot, got title %q", snap.Title)
	}
	if seq.calls != 2 {
		t.Errorf("expected 2 re-extractions before escalation, got %d", seq.calls)
	}
	if esc.calls != 1 {
		t.Errorf("expected exactly one escalation, got %d", esc.calls)
	}
}

func TestController_Finish_NoEscalatorsConfigured(t *testing.T) {
	c := NewController()
	c.MaxAttempts = 2
	c.RetryDelay = time.Millisecond

	seq := &snapshotSequence{snaps: []browser.Snapshot{challengeSnap()}}
	_, err := c.Finish(context.Background(), "https://example.com/ch/12", challengeSnap(), seq.next)
	if !errors.Is(err, fetch.ErrChallengeUnresolved) {
		t.Errorf("expected ErrChallengeUnresolved, got %v", err)
	}
}

func TestController_Finish_EscalationChainFallsThrough(t *testing.T) {
	first := &stubEscalator{err: fmt.Errorf("%w: solver gave up", fetch.ErrChallengeUnresolved)}
	second := &stubEscalator{snap: genuineSnap()}
	c := NewController(first, second)
	c.MaxAttempts = 1
	c.RetryDelay = time.Millisecond

	snap, err := c.Finish(context.Background(), "https://example.com/ch/12", challengeSnap(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Title != "Chapter 12" {
		t.Errorf("expected second escalator's snapshot, got title %q", snap.Title)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Errorf("expected both escalators tried once, got %d and %d", first.calls, second.calls)
	}
}

func TestController_Finish_TransportErrorStopsChain(t *testing.T) {
	first := &stubEscalator{err: fmt.Errorf("%w: solver unreachable", fetch.ErrNetwork)}
	second := &stubEscalator{snap: genuineSnap()}
	c := NewController(first, second)
	c.MaxAttempts = 1

	_, err := c.Finish(context.Background(), "https://example.com/ch/12", challengeSnap(), nil)
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if second.calls != 0 {
		t.Errorf("expected chain to stop at transport failure, second escalator ran %d times", second.calls)
	}
}

func TestController_Finish_EscalatorResultReverified(t *testing.T) {
	// An escalator claiming success while the wall still stands does not
	// count as resolved.
	lying := &stubEscalator{snap: challengeSnap()}
	c := NewController(lying)
	c.MaxAttempts = 1

	_, err := c.Finish(context.Background(), "https://example.com/ch/12", challengeSnap(), nil)
	if !errors.Is(err, fetch.ErrChallengeUnresolved) {
		t.Errorf("expected ErrChallengeUnresolved, got %v", err)
	}
}

func TestController_Finish_ContextCancelledDuringRetryWait(t *testing.T) {
	c := NewController()
	c.MaxAttempts = 5
	c.RetryDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seq := &snapshotSequence{snaps: []browser.Snapshot{challengeSnap()}}
	_, err := c.Finish(ctx, "https://example.com/ch/12", challengeSnap(), seq.next)
	if !errors.Is(err, fetch.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestController_Finish_GenuineHookFailureIsNotFatal(t *testing.T) {
	c := NewController()
	c.OnGenuine = func(context.Context, string) error {
		return errors.New("cookie sync broke")
	}

	snap, err := c.Finish(context.Background(), "https://example.com/ch/12", genuineSnap(), nil)
	if err != nil {
		t.Fatalf("hook failure should not fail the fetch: %v", err)
	}
	if snap.HTML == "" {
		t.Error("expected content to survive hook failure")
	}
}
