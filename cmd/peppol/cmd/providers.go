package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-connector/internal/app"
	"github.com/rezonia/peppol-connector/internal/provider"
)

var connectionEnv string

// ProviderInfo describes a registered provider
type ProviderInfo struct {
	Key            string   `json:"key"`
	Name           string   `json:"name"`
	Active         bool     `json:"active"`
	Configured     bool     `json:"configured"`
	Missing        []string `json:"missing,omitempty"`
	Authentication string   `json:"authentication"`
	Features       []string `json:"features"`
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List registered providers",
	Long: `List the bundled providers with their configuration state.

Examples:
  peppol providers
  peppol providers -f json`,
	Args: cobra.NoArgs,
	RunE: runProviders,
}

var testConnectionCmd = &cobra.Command{
	Use:   "test-connection <provider>",
	Short: "Check provider credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Service.TestConnection(ctx, args[0], connectionEnv)
			if err != nil {
				return err
			}
			if outputFormat == "json" {
				if err := outputJSON(os.Stdout, res); err != nil {
					return err
				}
			} else if res.Success {
				fmt.Printf("✓ %s (%s): %s\n", args[0], connectionEnv, res.Message)
			} else {
				fmt.Printf("✗ %s (%s): %s\n", args[0], connectionEnv, res.Message)
			}
			if !res.Success {
				return fmt.Errorf("connection test failed")
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(providersCmd, testConnectionCmd)

	testConnectionCmd.Flags().StringVar(&connectionEnv, "env", provider.EnvSandbox, "Environment to test (sandbox, live)")
}

func runProviders(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	infos := describeProviders(a)
	if outputFormat == "json" {
		return outputJSON(os.Stdout, infos)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tACTIVE\tCONFIGURED\tAUTH\tFEATURES")
	fmt.Fprintln(tw, "---\t----\t------\t----------\t----\t--------")
	for _, p := range infos {
		configured := "yes"
		if !p.Configured {
			configured = "missing " + strings.Join(p.Missing, ",")
		}
		active := ""
		if p.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.Key, p.Name, active, configured, p.Authentication, strings.Join(p.Features, ","))
	}
	return tw.Flush()
}

func describeProviders(a *app.App) []ProviderInfo {
	keys := a.Registry.Keys()
	sort.Strings(keys)

	infos := make([]ProviderInfo, 0, len(keys))
	for _, key := range keys {
		d, ok := a.Registry.Descriptor(key)
		if !ok {
			continue
		}
		infos = append(infos, ProviderInfo{
			Key:            key,
			Name:           d.Name,
			Active:         key == a.Registry.Active(),
			Configured:     a.Registry.IsConfigured(key),
			Missing:        a.Registry.MissingFields(key),
			Authentication: string(d.Authentication),
			Features:       d.Features,
		})
	}
	return infos
}
