package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rezonia/peppol-connector/internal/lifecycle"
)

func outputJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// printResult prints one lifecycle result and turns a failure into an error
func printResult(res *lifecycle.Result) error {
	if outputFormat == "json" {
		if err := outputJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		mark := "✓"
		switch {
		case !res.Success:
			mark = "✗"
		case res.Skipped:
			mark = "-"
		}
		fmt.Printf("%s %s\n", mark, res.Message)
		if res.DocumentID != 0 {
			fmt.Printf("  document: %d (%s)\n", res.DocumentID, res.Status)
		}
		if res.ProviderDocumentID != "" {
			fmt.Printf("  provider document: %s\n", res.ProviderDocumentID)
		}
		if res.ExpenseID != 0 {
			fmt.Printf("  expense: %d\n", res.ExpenseID)
		}
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	return nil
}

// printBatch prints a batch summary and turns failures into an error
func printBatch(job string, res *lifecycle.BatchResult) error {
	if outputFormat == "json" {
		if err := outputJSON(os.Stdout, res); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tPROCESSED\tSUCCEEDED\tFAILED\tSKIPPED")
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", job, res.Processed, res.Succeeded, res.Failed, res.Skipped)
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, e := range res.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	if res.Failed > 0 {
		return fmt.Errorf("%s: %d of %d failed", job, res.Failed, res.Processed)
	}
	return nil
}
