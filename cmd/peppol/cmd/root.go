package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-connector/internal/app"
	"github.com/rezonia/peppol-connector/internal/config"
	"github.com/rezonia/peppol-connector/internal/logger"
)

var (
	version = "dev"

	// Global flags
	configFile   string
	verbose      bool
	outputFormat string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "peppol",
	Short: "Exchange invoices over the PEPPOL network",
	Long: `peppol connects the ledger to a PEPPOL access point vendor.

Supported providers:
  - ademico   (OAuth2, JSON)
  - unit4     (basic auth, UBL)
  - recommand (API key, UBL in JSON)

Examples:
  # Run the webhook receiver and operations API
  peppol serve --config peppol.yaml

  # Send invoice 42 through the active provider
  peppol send invoice 42

  # Retry failed sends and pick up due documents
  peppol process-pending

  # Accept a received invoice
  peppol respond 17 AP --note "approved"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command, cancelling on SIGINT or SIGTERM
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (env: PEPPOL_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Timeout for one command")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if configFile == "" {
		configFile = os.Getenv("PEPPOL_CONFIG")
	}
}

// loadApp loads the configuration and wires the connector
func loadApp() (*app.App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	log := logger.Init(cfg.Log)
	return app.New(cfg, log)
}

// commandContext returns a context bounded by --timeout and tagged with a run id
func commandContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := logger.WithRequestID(parent, uuid.New().String())
	return context.WithTimeout(ctx, timeout)
}

// withApp runs fn with a wired connector and closes it afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()
	return fn(ctx, a)
}

func printVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
