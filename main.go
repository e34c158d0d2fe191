package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const (
	ExitCodeSuccess           = 0
	ExitCodeError             = 1
	ExitCodeThresholdsCrossed = 99
	defaultConfigPath         = "checkoutdrill.yaml"
)

type cliOptions struct {
	configPath string
	baseURL    string
	debug      bool

	vus                int
	duration           time.Duration
	iterations         int
	startAt            string
	noClockSync        bool
	abortOnStepFailure bool

	headed bool
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		return exitCode(err)
	}
	return ExitCodeSuccess
}

func exitCode(err error) int {
	if errors.Is(err, ErrThresholdsCrossed) {
		return ExitCodeThresholdsCrossed
	}
	return ExitCodeError
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:          "checkoutdrill",
		Short:        "Drive the demo web shop checkout over HTTP and in a browser",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "Shop base URL (overrides config)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable detailed debug logging")

	root.AddCommand(newLoadCmd(opts), newBrowserCmd(opts), newConfigCmd(opts))
	return root
}

func newLoadCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run the scripted HTTP checkout with concurrent virtual users",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runLoad(cmd.Context(), cmd, config)
		},
	}
	cmd.Flags().IntVar(&opts.vus, "vus", 0, "Number of virtual users (overrides config)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "Scenario duration, e.g. 45s (overrides config)")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 0, "Iterations per virtual user, 0 for unlimited (overrides config)")
	cmd.Flags().StringVar(&opts.startAt, "start-at", "", "Scheduled start, e.g. 2025-01-15 16:00 (UTC)")
	cmd.Flags().BoolVar(&opts.noClockSync, "no-clock-sync", false, "Wait for --start-at on the local clock instead of the shop's")
	cmd.Flags().BoolVar(&opts.abortOnStepFailure, "abort-on-step-failure", false, "Stop an iteration at the first failed checkout step")
	return cmd
}

func newBrowserCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Walk registration, search, cart and checkout in a real browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runBrowser(cmd.Context(), cmd, config)
		},
	}
	cmd.Flags().BoolVar(&opts.headed, "headed", false, "Show the browser window")
	return cmd
}

func newConfigCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(opts.configPath); err == nil {
				return fmt.Errorf("%s already exists", opts.configPath)
			}
			if err := DefaultConfig().Save(opts.configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", opts.configPath)
			return nil
		},
	})
	return cmd
}

// loadConfig reads the file and layers explicitly set flags on top.
func (o *cliOptions) loadConfig(cmd *cobra.Command) (*Config, error) {
	config, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if o.baseURL != "" {
		config.BaseURL = o.baseURL
	}
	if o.debug {
		config.DebugMode = true
	}
	if flags.Changed("vus") {
		config.Load.VUs = o.vus
	}
	if flags.Changed("duration") {
		config.Load.DurationSeconds = int(o.duration.Round(time.Second) / time.Second)
	}
	if flags.Changed("iterations") {
		config.Load.Iterations = o.iterations
	}
	if o.startAt != "" {
		config.Load.StartAt = o.startAt
	}
	if o.noClockSync {
		config.Load.SyncClock = false
	}
	if o.abortOnStepFailure {
		config.Checkout.OnStepFailure = FailurePolicyAbort
	}
	if o.headed {
		config.Browser.Headless = false
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	InitLogging(config.DebugMode, cmd.ErrOrStderr())
	return config, nil
}

func printBanner(cmd *cobra.Command, title string, config *Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "║ %-57s ║\n", title)
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "Target: %s\n", config.BaseURL)
	if config.DebugMode {
		fmt.Fprintln(out, "🔍 DEBUG MODE - Detailed logging enabled")
	}
	fmt.Fprintln(out)
}

func runLoad(ctx context.Context, cmd *cobra.Command, config *Config) error {
	printBanner(cmd, "Checkout Load Drill", config)
	fmt.Fprintf(cmd.OutOrStdout(), "VUs: %d | Duration: %s | Iterations/VU: %d | On step failure: %s\n\n",
		config.Load.VUs, config.Load.Duration(), config.Load.Iterations, config.Checkout.OnStepFailure)

	summary, thresholds, err := NewRunner(config).Run(ctx)
	if err != nil && !errors.Is(err, ErrThresholdsCrossed) {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout())
	summary.Render(cmd.OutOrStdout(), thresholds)
	return err
}

func runBrowser(ctx context.Context, cmd *cobra.Command, config *Config) error {
	printBanner(cmd, "Checkout Browser Walk", config)

	flow := NewBrowserFlow(config, NewUserProfile(config.User))
	defer flow.Close()

	result, err := flow.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n✅ Order generated for %s: %s\n", result.Email, result.OrderText)
	return nil
}
