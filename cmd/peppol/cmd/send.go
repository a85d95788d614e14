package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-connector/internal/app"
	"github.com/rezonia/peppol-connector/internal/model"
)

var sendCmd = &cobra.Command{
	Use:   "send <invoice|credit_note> <id> [ids...]",
	Short: "Send ledger documents through the active provider",
	Long: `Send one or more invoices or credit notes from the ledger.

Documents already sent are skipped. Several ids are sent one after the
other with the configured batch delay in between.

Examples:
  peppol send invoice 42
  peppol send credit_note 7 8 9 -f json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	docType := model.DocumentType(args[0])
	if !docType.Valid() {
		return fmt.Errorf("unknown document type %q (want invoice or credit_note)", args[0])
	}
	ids, err := parseIDs(args[1:])
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if len(ids) == 1 {
			res, err := a.Service.SendDocument(ctx, docType, ids[0])
			if err != nil {
				return err
			}
			return printResult(res)
		}

		printVerbose("Sending %d documents\n", len(ids))
		res, err := a.Service.BulkSend(ctx, docType, ids)
		if err != nil && res == nil {
			return err
		}
		if perr := printBatch("bulk_send", res); perr != nil {
			return perr
		}
		return err
	})
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseUint(arg, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid id %q", arg)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
