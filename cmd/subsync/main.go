// Command subsync runs the subscription reconciliation service: the billing
// webhook, the sync endpoint, and the skipped-event sweeper.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/subsync/pkg/billing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:          "subsync",
	Short:        "Keep local subscription records consistent with the billing platform",
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and sync HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var (
	syncUserID       string
	syncSubscriberID string
	syncAll          bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile one subscriber, or a batch of active records with --all",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !syncAll && syncUserID == "" && syncSubscriberID == "" {
			return errors.New("one of --user-id, --subscriber-id or --all is required")
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			if syncAll {
				res := a.provider.SyncAll(ctx)
				if err := printJSON(res); err != nil {
					return err
				}
				if !res.Success {
					return errors.New(res.Error)
				}
				return nil
			}
			res := a.provider.SyncSubscriber(ctx, billing.SyncRequest{
				UserID:       syncUserID,
				SubscriberID: syncSubscriberID,
			})
			if err := printJSON(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("sync failed: %s", res.Error)
			}
			return nil
		})
	},
}

var sweepLimit int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Retry skipped webhook events recorded in the ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			limit := sweepLimit
			if limit <= 0 {
				limit = a.cfg.SweepLimit
			}
			res, err := a.provider.SweepSkipped(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("subsync %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncUserID, "user-id", "", "local user id to reconcile")
	syncCmd.Flags().StringVar(&syncSubscriberID, "subscriber-id", "", "billing subscriber id to reconcile")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "reconcile a batch of active records")
	sweepCmd.Flags().IntVar(&sweepLimit, "limit", 0, "maximum ledger entries to retry (default SUBSYNC_SWEEP_LIMIT)")

	rootCmd.AddCommand(serveCmd, syncCmd, sweepCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		a.log.Info().Str("version", Version).Msg("Starting subsync")
		return a.serve(ctx)
	})
}

// withApp loads configuration, builds the app and releases it after fn returns.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogFormat, cfg.LogLevel)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
