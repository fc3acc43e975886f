// Package cmd implements the reconciler CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/cmd/reconciler/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	version   = "dev"
	commit    = "unknown"
	date      = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Invoice and bank transaction reconciliation engine",
	Long: `Reconciler matches FatturaPA electronic invoices against bank statement
transactions. It imports invoices (XML or signed P7M) and bank CSV exports,
proposes 1-to-1 and N-to-M reconciliations with confidence scores, and
maintains the payment state of every invoice and transaction.

Examples:
  reconciler import invoices --company-vat 01234567890 fatture/*.xml
  reconciler import statement movimenti.csv
  reconciler serve --listen :8080
  reconciler recompute`,
	Version:       getVersionString(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return handleError(err)
	}
	return apperrors.ExitOK
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")
}

// loadConfig builds the runtime configuration from file, environment and
// command-line overrides, and installs the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	logger.SetGlobalLogger(log)
	return cfg, nil
}

// handleError prints a user-facing message and maps the error to an exit
// code: 64 for usage errors, 65 for validation, 70 for internal failures.
func handleError(err error) int {
	if re, ok := apperrors.AsReconcilerError(err); ok {
		fmt.Fprintf(os.Stderr, "Error: %s\n", re.Message)
		if len(re.Context) > 0 {
			for k, v := range re.Context {
				fmt.Fprintf(os.Stderr, "  %s: %v\n", k, v)
			}
		}
		return re.GetExitCode()
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return apperrors.ExitCodeFor(err)
}

// SetVersionInfo is called from main with build-time metadata.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
