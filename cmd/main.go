package main

import (
	"fmt"
	"log/slog"
	"os"

	appconfig "github.com/fedutinova/fluxqc/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

// app is filled by the root command before any subcommand runs.
type app struct {
	cfg appconfig.Config
	log *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "fluxqc",
		Short:         "Processing pipeline for underway marine CO2 datasets",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
			slog.SetDefault(a.log)
			return nil
		},
	}

	rootCmd.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newResubmitCmd(a),
		newTokenCmd(a),
	)
	return rootCmd
}
