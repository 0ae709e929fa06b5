package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	contextedge "github.com/Context-Injection-Edge/Context-Edge-sub000"
)

var (
	configPath    string
	watchConfig   bool
	metricsURL    string
	statsInterval time.Duration

	rootCmd = &cobra.Command{
		Use:          "context-edge",
		Short:        "Fuse plant data with scanned context and gate controller writes behind operator approval",
		SilenceUsage: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Start the edge runtime using the provided config",
		RunE:  runRuntime,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting the runtime",
		RunE:  validateConfig,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Poll the Prometheus metrics endpoint and print live counters",
		RunE:  streamStats,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Expire pending recommendations past their deadline once and exit",
		RunE:  sweepOnce,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./data/config.yaml", "Path to configuration file")
	runCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload the adapters section when the config file changes")
	statsCmd.Flags().StringVar(&metricsURL, "url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	statsCmd.Flags().DurationVar(&statsInterval, "interval", 2*time.Second, "Refresh interval")

	rootCmd.AddCommand(runCmd, validateCmd, statsCmd, sweepCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRuntime(cmd *cobra.Command, _ []string) error {
	cfg, err := contextedge.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	var opts []contextedge.Option
	if watchConfig {
		opts = append(opts, contextedge.WithConfigPath(configPath))
	}
	rt, err := contextedge.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func validateConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := contextedge.LoadConfig(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config %s looks good: %d adapters, %d safety limits\n", configPath, len(cfg.Adapters), len(cfg.SafetyLimits))
	for _, t := range cfg.UnlimitedTargets() {
		fmt.Fprintf(out, "warning: writable target %s has no safety limit\n", t)
	}
	return nil
}

func sweepOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := contextedge.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()

	rt, err := contextedge.New(ctx, cfg, contextedge.WithoutServers())
	if err != nil {
		return err
	}
	n, sweepErr := rt.Service().SweepExpired(ctx)
	if err := rt.Shutdown(context.Background()); err != nil && sweepErr == nil {
		sweepErr = err
	}
	if sweepErr != nil {
		return sweepErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "expired %d recommendations\n", n)
	return nil
}

func streamStats(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Streaming metrics from %s (Ctrl+C to stop)\n", metricsURL)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, err := fetchStats(ctx, metricsURL)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				continue
			}
			fmt.Fprintln(out, snap.String(time.Now()))
		}
	}
}
