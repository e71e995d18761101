package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dk5761/pagegate/internal/logger"
	"github.com/dk5761/pagegate/pkg/pagegate"
)

var warmupCmd = &cobra.Command{
	Use:   "warmup ORIGIN",
	Short: "Prime a session for an origin",
	Long: `Navigate the browser to the origin's root so clearance cookies are
earned and persisted before a batch of requests.

Examples:
  # Warm up and wait for readiness
  pagegate warmup "https://example.com" --wait 60s --cookie-db ./cookies

  # Require clearance cookies, not just a loaded page
  pagegate warmup "https://example.com" --strong --wait 90s`,
	Args: cobra.ExactArgs(1),
	RunE: runWarmup,
}

func init() {
	rootCmd.AddCommand(warmupCmd)

	flags := warmupCmd.Flags()
	flags.Duration("wait", 60*time.Second, "how long to wait for readiness")
	flags.Bool("strong", false, "require clearance cookies before reporting ready")
	flags.Bool("stealth", false, "enable anti-bot detection evasion")
	flags.Bool("headful", false, "run the browser with a visible window")
	flags.String("chrome-path", "", "path to the Chrome/Chromium binary")
	flags.String("user-agent", "", "override the User-Agent header")
	flags.String("solver-url", "", "FlareSolverr-compatible API URL")
	flags.Bool("manual", false, "prompt on this terminal when a challenge cannot be cleared")
	flags.String("cookie-db", "", "directory for the persisted cookie database")
}

func runWarmup(cmd *cobra.Command, args []string) error {
	logger.Init(logger.Options{
		Debug: viper.GetBool("debug"),
		Quiet: viper.GetBool("quiet"),
	})

	origin := args[0]
	strong, _ := cmd.Flags().GetBool("strong")
	wait, _ := cmd.Flags().GetDuration("wait")

	client, err := buildWarmupClient(cmd, origin, strong)
	if err != nil {
		logError("%v", err)
		return err
	}
	defer func() { _ = client.Close() }()

	logInfo("warming up %s", origin)
	client.Warmup(origin)

	if !client.WaitUntilReady(origin, wait) {
		logError("warmup did not complete within %s", wait)
		return fmt.Errorf("origin %s not ready after %s", origin, wait)
	}
	logInfo("session ready for %s", origin)
	return nil
}

// buildWarmupClient assembles a pipeline whose only policy is the origin
// being warmed: warmups always route through the browser.
func buildWarmupClient(cmd *cobra.Command, origin string, strong bool) (*pagegate.Client, error) {
	opts := []pagegate.Option{
		pagegate.WithPolicies(pagegate.SitePolicy{
			Domain:                 hostOf(origin),
			NeedsBypass:            true,
			RequireStrongClearance: strong,
		}),
	}

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
	if solverURL := flagOrConfig(cmd, "solver-url", "solver_url"); solverURL != "" {
		opts = append(opts, pagegate.WithSolverURL(solverURL))
	}
	if cookieDB := flagOrConfig(cmd, "cookie-db", "cookie_db"); cookieDB != "" {
		opts = append(opts, pagegate.WithCookiePath(cookieDB))
	}
	if manual, _ := cmd.Flags().GetBool("manual"); manual {
		opts = append(opts, pagegate.WithPrompter(terminalPrompter{}))
	}

	return pagegate.New(opts...)
}
