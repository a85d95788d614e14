package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr   string
	jobsInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook receiver and operations API",
	Long: `Start the HTTP server.

Endpoints:
  - POST /peppol/webhook?provider=<key>   - Vendor webhook
  - POST /peppol/webhook/<key>            - Vendor webhook (path form)
  - GET  /peppol/webhook/health           - Health check
  - POST /api/v1/documents/send           - Send a ledger document
  - POST /api/v1/documents/bulk-send      - Send several ledger documents
  - GET  /api/v1/documents/:id            - Document with its history
  - POST /api/v1/documents/:id/response   - Send an invoice response
  - POST /api/v1/documents/:id/expense    - Create an expense
  - POST /api/v1/providers/:key/test      - Test provider credentials
  - GET  /metrics                         - Prometheus metrics

Examples:
  peppol serve --config peppol.yaml
  peppol serve --address :9090 --jobs-interval 5m`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverAddr, "address", "", "Server listen address (overrides server.address)")
	serveCmd.Flags().DurationVar(&jobsInterval, "jobs-interval", 0, "Run batch jobs in the background every interval (overrides jobs.interval)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if serverAddr != "" {
		a.Config.Server.Address = serverAddr
	}
	if jobsInterval > 0 {
		a.Config.Jobs.Interval = jobsInterval
	}

	return a.Serve(cmd.Context(), version)
}
