package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/config"
)

var serverURL string

func init() {
	def := os.Getenv("GUARDIAN_URL")
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", def, "Guardian server URL for client commands (env GUARDIAN_URL)")
}

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Risk-state engine and human override protocol for commerce automation",
	Long: "Classifies every consequential automated action into GREEN, YELLOW, RED or BLACK,\n" +
		"decides how much autonomy the agent keeps, and lets an authenticated human supersede\n" +
		"a blocked decision while leaving a hash-chained audit trail.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// exitConfig aborts on unusable configuration.
func exitConfig(err error) {
	fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
	os.Exit(config.ExitConfig)
}
