package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dk5761/pagegate/internal/browser"
	"github.com/dk5761/pagegate/internal/cookies"
	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/fetch"
)

// ErrSolverUnavailable indicates the challenge-solver sidecar is not
// reachable. It wraps ErrChallengeUnresolved so the escalation chain falls
// through to the next escalator instead of aborting.
var ErrSolverUnavailable = fmt.Errorf("%w: challenge solver unavailable", fetch.ErrChallengeUnresolved)

// Solver is a client for a FlareSolverr-compatible sidecar: a proxy that
// solves challenges in its own browser and hands back the page plus
// clearance cookies. It sits between automatic retries and the interactive
// manual flow in the escalation chain.
type Solver struct {
	baseURL    string
	httpClient *http.Client
	maxTimeout int // milliseconds

	engine browser.Engine
	store  *cookies.Store

	// Per-domain solver sessions keep the same remote browser running,
	// avoiding repeated challenge solving.
	sessions   map[string]string
	sessionsMu sync.RWMutex
}

// NewSolver creates a solver client. engine and store may be nil; then the
// solver still returns content but clearance cookies are not propagated.
func NewSolver(baseURL string, engine browser.Engine, store *cookies.Store) *Solver {
	return &Solver{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // solving can take a while
		},
		maxTimeout: 60000,
		engine:     engine,
		store:      store,
		sessions:   make(map[string]string),
	}
}

type solverRequest struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url,omitempty"`
	Session    string `json:"session,omitempty"`
	MaxTimeout int    `json:"maxTimeout,omitempty"`
}

type solverResponse struct {
	Status   string          `json:"status"`
	Message  string          `json:"message"`
	Solution *solverSolution `json:"solution,omitempty"`
}

type solverSolution struct {
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Response  string            `json:"response"`
	Cookies   []solverCookie    `json:"cookies"`
	UserAgent string            `json:"userAgent"`
}

type solverCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// Resolve implements Escalator: solve the challenge remotely, propagate the
// clearance cookies into the rendering context and the cookie store, and
// return the solved page.
func (s *Solver) Resolve(ctx context.Context, requestURL string) (browser.Snapshot, error) {
	domain := hostOf(requestURL)
	sessionID := s.sessionFor(ctx, domain)

	solution, err := s.solve(ctx, requestURL, sessionID)
	if err != nil {
		return browser.Snapshot{}, err
	}

	records := solution.cookieRecords()
	if s.engine != nil && len(records) > 0 {
		if err := s.engine.SetCookies(ctx, requestURL, records); err != nil {
			logger.Warn("failed to plant solver cookies into rendering context", "domain", domain, "error", err)
		}
	}
	if s.store != nil && len(records) > 0 {
		if err := s.store.Merge(ctx, domain, records); err != nil {
			logger.Warn("failed to store solver cookies", "domain", domain, "error", err)
		}
	}

	snap := browser.Snapshot{
		URL:   solution.URL,
		Title: titleOf(solution.Response),
		HTML:  solution.Response,
	}
	logger.Info("challenge solved remotely",
		"url", requestURL,
		"session", sessionID,
		"status_code", solution.Status,
		"cookies", len(records))
	return snap, nil
}

// sessionFor returns the cached solver session for the domain, creating one
// on first use. Session creation failure is tolerated: the solve request is
// attempted anyway.
func (s *Solver) sessionFor(ctx context.Context, domain string) string {
	s.sessionsMu.RLock()
	sessionID := s.sessions[domain]
	s.sessionsMu.RUnlock()
	if sessionID != "" {
		return sessionID
	}

	sessionID = strings.ReplaceAll(domain, ".", "-")
	if err := s.command(ctx, solverRequest{Cmd: "sessions.create", Session: sessionID}); err != nil {
		logger.Debug("solver session creation returned error, will try anyway", "session", sessionID, "error", err)
	}

	s.sessionsMu.Lock()
	s.sessions[domain] = sessionID
	s.sessionsMu.Unlock()
	return sessionID
}

// solve sends a request.get command and returns the solution.
func (s *Solver) solve(ctx context.Context, targetURL, sessionID string) (*solverSolution, error) {
	body, err := json.Marshal(solverRequest{
		Cmd:        "request.get",
		URL:        targetURL,
		Session:    sessionID,
		MaxTimeout: s.maxTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal solver request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create solver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Warn("solver request failed", "url", targetURL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSolverUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read solver response: %w", err)
	}

	// The sidecar returns 500 with a JSON body on errors; parse regardless
	// of status code.
	var sr solverResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		logger.Warn("solver returned invalid response", "status_code", resp.StatusCode, "body", string(raw))
		return nil, fmt.Errorf("failed to parse solver response: %w", err)
	}

	if sr.Status != "ok" {
		return nil, s.classifyError(targetURL, sr.Message)
	}
	if sr.Solution == nil {
		return nil, fmt.Errorf("%w: solver returned no solution for %s", fetch.ErrChallengeUnresolved, targetURL)
	}
	return sr.Solution, nil
}

// DestroySessions tears down all cached solver sessions. Best effort.
func (s *Solver) DestroySessions() {
	s.sessionsMu.Lock()
	sessions := make([]string, 0, len(s.sessions))
	for _, id := range s.sessions {
		sessions = append(sessions, id)
	}
	s.sessions = make(map[string]string)
	s.sessionsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range sessions {
		if err := s.command(ctx, solverRequest{Cmd: "sessions.destroy", Session: id}); err != nil {
			logger.Debug("solver session destroy failed", "session", id, "error", err)
		}
	}
}

// command sends a session management command.
func (s *Solver) command(ctx context.Context, cmd solverRequest) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal solver command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create solver command: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSolverUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read solver command response: %w", err)
	}

	var sr solverResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return fmt.Errorf("failed to parse solver command response: %w", err)
	}
	if sr.Status != "ok" {
		return fmt.Errorf("solver command %s failed: %s", cmd.Cmd, sr.Message)
	}
	return nil
}

// classifyError maps solver error messages onto the pipeline's error
// taxonomy. Solver-side failures that mean "a human is needed" become
// unresolved so the manual flow gets its turn.
func (s *Solver) classifyError(url, message string) error {
	msgLower := strings.ToLower(message)

	if strings.Contains(msgLower, "timeout") || strings.Contains(msgLower, "timed out") {
		logger.Warn("solver timed out", "url", url, "message", message)
		return fmt.Errorf("%w: solver: %s", fetch.ErrTimeout, message)
	}

	if strings.Contains(msgLower, "could not be solved") ||
		strings.Contains(msgLower, "unable to solve") ||
		strings.Contains(msgLower, "failed to solve") ||
		strings.Contains(msgLower, "captcha") ||
		strings.Contains(msgLower, "turnstile") ||
		strings.Contains(msgLower, "challenge") {
		logger.Warn("solver could not solve challenge", "url", url, "message", message)
		return fmt.Errorf("%w: solver: %s", fetch.ErrChallengeUnresolved, message)
	}

	logger.Warn("solver failed", "url", url, "message", message)
	return fmt.Errorf("%w: solver: %s", fetch.ErrChallengeUnresolved, message)
}

// cookieRecords converts the solver's cookie encoding to store records.
func (sol *solverSolution) cookieRecords() []fetch.Cookie {
	out := make([]fetch.Cookie, 0, len(sol.Cookies))
	for _, c := range sol.Cookies {
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
	return out
}

// titleOf extracts the document title from raw markup.
func titleOf(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
