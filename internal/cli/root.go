// Package cli implements the operator command line: schema migrations, fleet
// checks and promo code lookups against the service's own database.
package cli

import (
	"context"
	"fmt"

	"github.com/gramvpn/provisioning-service/internal/app"
	"github.com/gramvpn/provisioning-service/internal/config"
	"github.com/gramvpn/provisioning-service/internal/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	outputFormat string
	logLevel     string
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "storefrontctl",
		Short: "Operator tools for the VPN provisioning service",
		Long: `storefrontctl applies database migrations, probes the server fleet and
inspects promo codes using the same environment configuration as the API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if outputFormat != "table" && outputFormat != "json" {
				return fmt.Errorf("unsupported output format %q (use table or json)", outputFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newFleetCmd())
	root.AddCommand(newPromoCmd())
	return root
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

func newLogger() zerolog.Logger {
	return logger.New(logger.Config{Level: logLevel, Format: "console"})
}

// loadConfig reads the environment and checks only what the CLI needs.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp builds the service graph, runs fn and releases connections.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}
