package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/audit"
	"github.com/ppiankov/guardian/internal/config"
)

var (
	latestLines int
	exportOut   string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditLatestCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditVerifyFileCmd)
	auditLatestCmd.Flags().IntVarP(&latestLines, "lines", "n", 20, "Number of recent entries to show")
	auditExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Path of the JSONL file to create")
	_ = auditExportCmd.MarkFlagRequired("out")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Decision ledger operations",
	Long:  "Commands for verifying and inspecting the hash-chained decision ledger.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify integrity hashes and override chains",
	Long: "Recomputes every ledger entry and override hash with GUARDIAN_HASH_SECRET and checks\n" +
		"that every override links to a stored non-GREEN entry. Exits 0 if valid, 1 if tampered.",
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

var auditLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent ledger entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditLatest,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger as a hash-chained JSONL file",
	Long: "Writes every ledger entry, oldest first, one JSON object per line. Each line carries\n" +
		"the SHA-256 of the previous one, so the archive can be checked without the hash secret.",
	Args: cobra.NoArgs,
	RunE: runAuditExport,
}

var auditVerifyFileCmd = &cobra.Command{
	Use:   "verify-file <path>",
	Short: "Verify the line chain of an exported JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerifyFile,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadLedger()
	if err != nil {
		exitConfig(err)
	}
	ctx := context.Background()
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		exitConfig(err)
	}
	defer store.Close()

	hasher, err := audit.NewHasher(cfg.HashSecret)
	if err != nil {
		exitConfig(err)
	}
	report, err := audit.Verify(ctx, store, hasher)
	if err != nil {
		return fmt.Errorf("verify ledger: %w", err)
	}
	if report.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries, %d overrides verified\n", report.Entries, report.Overrides)
		return nil
	}
	for _, v := range report.Violations {
		fmt.Fprintf(os.Stderr, "FAILED %s on %s: %s\n", v.Code, v.EventID, v.Detail)
	}
	store.Close()
	os.Exit(1)
	return nil
}

func runAuditLatest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store := storeFromEnv(ctx)
	defer store.Close()

	entries, err := store.Latest(ctx, latestLines)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), entries)
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store := storeFromEnv(ctx)
	defer store.Close()

	n, err := audit.Export(ctx, store, exportOut)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", n, exportOut)
	return nil
}

func runAuditVerifyFile(cmd *cobra.Command, args []string) error {
	res := audit.VerifyFile(args[0])
	if res.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d lines verified\n", res.Lines)
		return nil
	}
	if res.ErrorLine > 0 {
		fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", res.ErrorLine, res.Error)
	} else {
		fmt.Fprintf(os.Stderr, "FAILED: %s\n", res.Error)
	}
	os.Exit(1)
	return nil
}
