package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"

	"invoice-reconciliation-engine/internal/parsers"
)

var (
	companyVat     string
	companyTaxCode string
	bankProfile    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import invoices or bank statements",
}

var importInvoicesCmd = &cobra.Command{
	Use:   "invoices [files or directories]",
	Short: "Import FatturaPA invoices (XML or signed P7M)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if companyVat != "" {
			cfg.CompanyFiscalID = companyVat
		}
		if companyTaxCode != "" {
			cfg.CompanyTaxCode = companyTaxCode
		}
		if strings.TrimSpace(cfg.CompanyFiscalID) == "" && strings.TrimSpace(cfg.CompanyTaxCode) == "" {
			return apperrors.Validation(apperrors.CodeUsage,
				"company fiscal id is required (--company-vat or company.fiscal_id in config)")
		}

		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		paths, err := collectInvoiceFiles(args)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return apperrors.Validation(apperrors.CodeInvalidInput,
				"no .xml or .p7m files found in the given paths")
		}

		parser := parsers.NewInvoiceParser(cfg.CompanyFiscalID, cfg.CompanyTaxCode, a.log)
		importer := parsers.NewImporter(a.store, a.log)

		result, err := importer.ImportInvoiceFiles(ctx, parser, paths)
		if err != nil {
			return err
		}
		// New counterparties must be visible to the resolver right away.
		if result.Imported > 0 {
			if err := a.cache.Refresh(ctx); err != nil {
				a.log.WithError(err).Warn("counterparty cache refresh failed")
			}
		}

		fmt.Printf("Imported %d invoices (%d duplicates skipped, %d failed)\n",
			result.Imported, result.Duplicates, result.Failed)
		printImportErrors(result.Errors)
		return nil
	},
}

var importStatementCmd = &cobra.Command{
	Use:   "statement [file]",
	Short: "Import a bank statement CSV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var profile *parsers.BankProfile
		if bankProfile != "" {
			profile, err = parsers.ProfileByName(bankProfile)
			if err != nil {
				return err
			}
		}

		parser := parsers.NewStatementParser(profile, a.log)
		importer := parsers.NewImporter(a.store, a.log)

		result, err := importer.ImportStatement(ctx, parser, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Imported %d transactions (%d duplicates skipped, %d failed)\n",
			result.Imported, result.Duplicates, result.Failed)
		printImportErrors(result.Errors)

		a.log.WithFields(logger.Fields{"file": args[0]}).Info("statement import finished")
		return nil
	},
}

// collectInvoiceFiles expands directories into their .xml and .p7m entries.
func collectInvoiceFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, apperrors.Validation(apperrors.CodeInvalidInput, "cannot access %s", arg)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.KindInternal, apperrors.CodeUnexpected,
				"cannot list directory "+arg)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext == ".xml" || ext == ".p7m" {
				paths = append(paths, filepath.Join(arg, entry.Name()))
			}
		}
	}
	return paths, nil
}

func printImportErrors(errs []*parsers.ParseError) {
	const maxShown = 10
	for i, e := range errs {
		if i == maxShown {
			fmt.Fprintf(os.Stderr, "  ... and %d more errors\n", len(errs)-maxShown)
			break
		}
		fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
	}
}

func init() {
	importInvoicesCmd.Flags().StringVar(&companyVat, "company-vat", "", "company VAT number (fixes invoice direction)")
	importInvoicesCmd.Flags().StringVar(&companyTaxCode, "company-tax-code", "", "company tax code")
	importStatementCmd.Flags().StringVar(&bankProfile, "profile", "", "bank profile (standard, intesa, unicredit); auto-detected when empty")

	importCmd.AddCommand(importInvoicesCmd, importStatementCmd)
	rootCmd.AddCommand(importCmd)
}
