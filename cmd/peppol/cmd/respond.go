package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-connector/internal/app"
	"github.com/rezonia/peppol-connector/internal/lifecycle"
	"github.com/rezonia/peppol-connector/internal/model"
)

var (
	responseNote           string
	responseClarifications []string
	responseEffective      string
)

var respondCmd = &cobra.Command{
	Use:   "respond <document-id> <code>",
	Short: "Send an invoice response for a received document",
	Long: `Send a PEPPOL invoice response for a received document.

Codes:
  AB  acknowledged          IP  in process
  UQ  under query           CA  conditionally accepted
  RE  rejected              AP  accepted
  PD  paid

Clarifications are given as type:code:message.

Examples:
  peppol respond 17 AP
  peppol respond 17 RE --note "wrong order" --clarification OPStatusReason:REF:"unknown PO"`,
	Args: cobra.ExactArgs(2),
	RunE: runRespond,
}

var expenseCmd = &cobra.Command{
	Use:   "expense <document-id>",
	Short: "Create an expense from a received document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Service.CreateExpenseFromDocument(ctx, ids[0])
			if err != nil {
				return err
			}
			return printResult(res)
		})
	},
}

func init() {
	rootCmd.AddCommand(respondCmd, expenseCmd)

	respondCmd.Flags().StringVar(&responseNote, "note", "", "Free text note")
	respondCmd.Flags().StringArrayVar(&responseClarifications, "clarification", nil, "Clarification as type:code:message (repeatable)")
	respondCmd.Flags().StringVar(&responseEffective, "effective-date", "", "Effective date (YYYY-MM-DD)")
}

func runRespond(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	req := lifecycle.ResponseRequest{
		DocumentID: ids[0],
		Status:     model.ResponseCode(strings.ToUpper(args[1])),
		Note:       responseNote,
	}
	for _, c := range responseClarifications {
		parts := strings.SplitN(c, ":", 3)
		if len(parts) != 3 {
			return fmt.Errorf("invalid clarification %q (want type:code:message)", c)
		}
		req.Clarifications = append(req.Clarifications, model.Clarification{Type: parts[0], Code: parts[1], Message: parts[2]})
	}
	if responseEffective != "" {
		d, err := time.Parse("2006-01-02", responseEffective)
		if err != nil {
			return fmt.Errorf("invalid effective date: %w", err)
		}
		req.EffectiveDate = &d
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		res, err := a.Service.MarkDocumentStatus(ctx, req)
		if err != nil {
			return err
		}
		return printResult(res)
	})
}
