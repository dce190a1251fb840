// Package cmd defines the CLI commands of the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/contact-harvester/internal/app"
	"github.com/JakeFAU/contact-harvester/internal/config"
	"github.com/JakeFAU/contact-harvester/internal/controller"
	"github.com/JakeFAU/contact-harvester/internal/harvest"
	"github.com/JakeFAU/contact-harvester/internal/logging"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// flagKeys maps command flags onto config keys.
var flagKeys = map[string]string{
	"max-profiles": "run.max_profiles_per_run",
	"min-score":    "search.min_score",
	"headless":     "browser.headless",
	"debug-url":    "browser.debug_url",
}

// newApp is the application factory. Tests replace it to inject fakes.
var newApp = func(cfg config.Config, logger *zap.Logger) *app.App {
	return app.New(cfg, logger)
}

// newRootCmd creates and configures the root command around v.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests people-search contacts for a list of organizations.",
		Long: `harvester searches a professional network for each organization in an
input table, filters people results to that organization, visits every
profile, and extracts a structured contact record. Progress is written after
every contact so an interrupted run resumes where it stopped.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.ReadFile(v, cfgFile); err != nil {
				return err
			}
			for name, key := range flagKeys {
				if f := cmd.Flags().Lookup(name); f != nil {
					if err := v.BindPFlag(key, f); err != nil {
						return fmt.Errorf("bind flag %s: %w", name, err)
					}
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			a := newApp(cfg, logger)
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(*app.App); ok && a != nil {
				_ = a.Logger().Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newHarvestCmd(), newEgressCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application not initialized")
	}
	return a, nil
}

// Execute runs the CLI and returns the process exit code: 0 on success, 2 on
// a fatal condition or tripped circuit breaker, 1 on any other error.
func Execute(ctx context.Context) int {
	err := newRootCmd(config.New()).ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	if harvest.IsFatal(err) || errors.Is(err, controller.ErrTooManyFailures) {
		return 2
	}
	return 1
}
