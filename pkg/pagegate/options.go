// Package pagegate provides the public API of the browser-backed fetch
// pipeline: a facade that retrieves documents from hostile, bot-walled sites
// through a single shared rendering context, keeps clearance cookies fresh,
// and falls back to a lightweight direct HTTP path for everything else.
package pagegate

import (
	"time"

	"github.com/dk5761/pagegate/internal/challenge"
)

// Prompter is the interactive escalation collaborator. Present shows the
// live rendering surface for the origin so a human can pass the check; it
// returns true when the user reports completion, false on dismissal.
type Prompter = challenge.Prompter

// Config holds all pipeline configuration.
type Config struct {
	// Browser settings
	UserAgent  string
	Stealth    bool
	Headless   bool
	ChromePath string

	// Request lifecycle
	Timeout              time.Duration
	MaxChallengeAttempts int
	ChallengeRetryDelay  time.Duration

	// Direct path
	DirectRequestsPerSecond float64

	// Escalation
	SolverURL string             // FlareSolverr-compatible sidecar; empty disables
	Prompter  Prompter // interactive escalation UI; nil disables

	// CookiePath is the directory for the persisted cookie database.
	// Empty keeps cookies in memory only.
	CookiePath string

	// Policies configures per-domain routing. Domains without a policy
	// take the direct path.
	Policies []SitePolicy
}

// Chrome user agent for better compatibility with bot-protected sites.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:               defaultUserAgent,
		Stealth:                 true,
		Headless:                true,
		Timeout:                 60 * time.Second,
		MaxChallengeAttempts:    challenge.DefaultMaxAttempts,
		ChallengeRetryDelay:     challenge.DefaultRetryDelay,
		DirectRequestsPerSecond: 2,
	}
}

// Option configures the pipeline.
type Option func(*Config)

// WithUserAgent sets the user agent for both paths.
func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

// WithTimeout sets the default per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithStealth toggles anti-bot evasion in the rendering context.
func WithStealth(enabled bool) Option {
	return func(c *Config) { c.Stealth = enabled }
}

// WithHeadless toggles headless mode. Manual escalation needs a visible
// window, so embedding applications that configure a Prompter usually also
// run headful.
func WithHeadless(enabled bool) Option {
	return func(c *Config) { c.Headless = enabled }
}

// WithChromePath pins the browser binary instead of discovering it.
func WithChromePath(path string) Option {
	return func(c *Config) { c.ChromePath = path }
}

// WithSolverURL enables the remote challenge-solver escalation stage.
func WithSolverURL(url string) Option {
	return func(c *Config) { c.SolverURL = url }
}

// WithPrompter enables interactive manual escalation.
func WithPrompter(p Prompter) Option {
	return func(c *Config) { c.Prompter = p }
}

// WithCookiePath enables the persisted cookie database at path.
func WithCookiePath(path string) Option {
	return func(c *Config) { c.CookiePath = path }
}

// WithChallengeRetries tunes the automatic retry ceiling and delay.
func WithChallengeRetries(maxAttempts int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxChallengeAttempts = maxAttempts
		c.ChallengeRetryDelay = delay
	}
}

// WithPolicies sets the per-domain routing policies.
func WithPolicies(policies ...SitePolicy) Option {
	return func(c *Config) { c.Policies = append(c.Policies, policies...) }
}
