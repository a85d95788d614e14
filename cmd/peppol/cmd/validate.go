package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rezonia/peppol-connector/internal/decimal"
	"github.com/rezonia/peppol-connector/internal/ubl"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Validate UBL invoice files",
	Long: `Parse UBL invoices and credit notes the way received documents are parsed.

Checks performed:
  - Document is a UBL Invoice or CreditNote (optionally inside an SBD envelope)
  - Supplier and customer endpoint identifiers are present
  - Line totals add up to the payable amount
  - Embedded PDF attachments are readable

Examples:
  peppol validate invoice.xml
  peppol validate received/*.xml -f json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

// ValidationResult holds the result of validating one file
type ValidationResult struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Type     string   `json:"type,omitempty"`
	Number   string   `json:"number,omitempty"`
	Total    string   `json:"total,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	files, err := expandGlobs(args)
	if err != nil {
		return err
	}

	results := make([]*ValidationResult, 0, len(files))
	invalid := 0
	for _, file := range files {
		r := validateFile(file)
		if !r.Valid {
			invalid++
		}
		results = append(results, r)
	}

	if outputFormat == "json" {
		if err := outputJSON(os.Stdout, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printValidation(r)
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d documents failed validation", invalid, len(results))
	}
	return nil
}

// expandGlobs resolves shell patterns; literal names pass through so missing files are reported
func expandGlobs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}
		if matches == nil {
			matches = []string{arg}
		}
		files = append(files, matches...)
	}
	return files, nil
}

func printValidation(r *ValidationResult) {
	if r.Valid {
		fmt.Printf("✓ %s: %s %s (%s)\n", r.File, r.Type, r.Number, r.Total)
	} else {
		fmt.Printf("✗ %s\n", r.File)
	}
	for _, e := range r.Errors {
		fmt.Printf("    error: %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Printf("    warning: %s\n", w)
	}
}

func (r *ValidationResult) fail(msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, msg)
}

func validateFile(path string) *ValidationResult {
	result := &ValidationResult{File: path, Valid: true}

	data, err := os.ReadFile(path)
	if err != nil {
		result.fail(err.Error())
		return result
	}

	doc, err := ubl.Parse(data)
	if err != nil {
		result.fail(err.Error())
		return result
	}
	result.Type = string(doc.Type)
	result.Number = doc.Number
	result.Total = decimal.Format(doc.Total()) + " " + doc.Currency

	if doc.Supplier.EndpointID.IsZero() {
		result.fail("supplier endpoint identifier is missing")
	}
	if doc.Customer.EndpointID.IsZero() {
		result.fail("customer endpoint identifier is missing")
	}

	computed := *doc
	computed.Lines = append([]ubl.Line(nil), doc.Lines...)
	computed.TaxSubtotals = nil
	computed.ComputeTotals()
	if len(doc.Lines) > 0 && !decimal.WithinTolerance(computed.PayableAmount, doc.Total()) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("line totals %s do not match payable amount %s", decimal.Format(computed.PayableAmount), decimal.Format(doc.Total())))
	}

	for _, err := range ubl.ValidateAttachments(doc) {
		result.Warnings = append(result.Warnings, err.Error())
	}
	return result
}
