package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/pagegate"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch a page and print the raw markup",
	Long: `Fetch a single page. By default the request goes over the direct
HTTP path; --bypass routes it through the browser rendering context with
challenge handling.

Examples:
  # Direct fetch
  pagegate fetch "https://example.com/title/123"

  # Browser-backed fetch with stealth
  pagegate fetch "https://example.com/title/123" --bypass --stealth

  # Scripted form POST from the site's own origin
  pagegate fetch "https://example.com/search" --bypass \
      --post "query=one+piece&page=1"`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	flags := fetchCmd.Flags()

	// Routing
	flags.Bool("bypass", false, "route through the browser rendering context")
	flags.String("policies", "", "path to site policies YAML (overrides --bypass)")

	// Request
	flags.String("post", "", "form-encoded body; switches the request to POST")
	flags.StringSliceP("header", "H", nil, "extra header as 'Name: value' (can be repeated)")
	flags.Duration("timeout", 60*time.Second, "request timeout")
	flags.StringP("output", "o", "", "output file (default: stdout)")

	// Browser settings
	flags.Bool("stealth", false, "enable anti-bot detection evasion")
	flags.Bool("headful", false, "run the browser with a visible window")
	flags.String("chrome-path", "", "path to the Chrome/Chromium binary")
	flags.String("user-agent", "", "override the User-Agent header")

	// Escalation
	flags.String("solver-url", "", "FlareSolverr-compatible API URL (e.g., http://localhost:8191/v1)")
	flags.Bool("manual", false, "prompt on this terminal when a challenge cannot be cleared")

	// Persistence
	flags.String("cookie-db", "", "directory for the persisted cookie database")
}

func runFetch(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	targetURL := args[0]

	client, err := buildClient(cmd, targetURL)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer func() { _ = client.Close() }()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
	defer reqCancel()

	body, _ := cmd.Flags().GetString("post")
	headers := parseHeaders(cmd)

	start := time.Now()
	var html string
	if body != "" {
		html, err = client.PostForm(reqCtx, targetURL, body, headers)
	} else {
		html, err = client.FetchDocument(reqCtx, targetURL)
	}
	if err != nil {
		logError("fetch failed: %v", err)
		return err
	}
	logInfo("fetched %s (%d bytes in %s)", targetURL, len(html), time.Since(start).Round(time.Millisecond))

	out := os.Stdout
	if outPath, _ := cmd.Flags().GetString("output"); outPath != "" {
		f, err := os.Create(outPath) //#nosec G304 -- CLI tool writes to user-specified output file
		if err != nil {
			logError("failed to create output file: %v", err)
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	if _, err := fmt.Fprintln(out, html); err != nil {
		return err
	}
	return nil
}

// buildClient assembles a pipeline from the command's flags. When no policy
// file is given, the --bypass flag becomes a single-domain policy for the
// target URL.
func buildClient(cmd *cobra.Command, targetURL string) (*pagegate.Client, error) {
	opts := []pagegate.Option{}

	if ua, _ := cmd.Flags().GetString("user-agent"); ua != "" {
		opts = append(opts, pagegate.WithUserAgent(ua))
	}
	if stealth, _ := cmd.Flags().GetBool("stealth"); stealth {
		opts = append(opts, pagegate.WithStealth(true))
	}
	if headful, _ := cmd.Flags().GetBool("headful"); headful {
		opts = append(opts, pagegate.WithHeadless(false))
	}
	if chromePath, _ := cmd.Flags().GetString("chrome-path"); chromePath != "" {
		opts = append(opts, pagegate.WithChromePath(chromePath))
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, pagegate.WithTimeout(timeout))
	}
	if solverURL := flagOrConfig(cmd, "solver-url", "solver_url"); solverURL != "" {
		opts = append(opts, pagegate.WithSolverURL(solverURL))
	}
	if cookieDB := flagOrConfig(cmd, "cookie-db", "cookie_db"); cookieDB != "" {
		opts = append(opts, pagegate.WithCookiePath(cookieDB))
	}
	if manual, _ := cmd.Flags().GetBool("manual"); manual {
		opts = append(opts, pagegate.WithPrompter(terminalPrompter{}))
	}

	policies, err := loadPolicies(cmd, targetURL)
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 {
		opts = append(opts, pagegate.WithPolicies(policies...))
	}

	return pagegate.New(opts...)
}

func loadPolicies(cmd *cobra.Command, targetURL string) ([]pagegate.SitePolicy, error) {
	if path, _ := cmd.Flags().GetString("policies"); path != "" {
		return pagegate.LoadPolicies(path)
	}
	if bypass, _ := cmd.Flags().GetBool("bypass"); bypass {
		return []pagegate.SitePolicy{{
			Domain:      hostOf(targetURL),
			NeedsBypass: true,
		}}, nil
	}
	return nil, nil
}

func parseHeaders(cmd *cobra.Command) map[string]string {
	raw, _ := cmd.Flags().GetStringSlice("header")
	if len(raw) == 0 {
		return nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers
}
