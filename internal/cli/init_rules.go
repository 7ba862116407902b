package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/policy"
)

var (
	initRulesPath  string
	initRulesForce bool
)

func init() {
	rootCmd.AddCommand(initRulesCmd)
	initRulesCmd.Flags().StringVar(&initRulesPath, "path", "guardian-rules.yaml", "Where to write the rule table")
	initRulesCmd.Flags().BoolVar(&initRulesForce, "force", false, "Overwrite an existing file")
}

var initRulesCmd = &cobra.Command{
	Use:   "init-rules",
	Short: "Write the default rule table as an editable YAML file",
	RunE:  runInitRules,
}

func runInitRules(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(initRulesPath); err == nil && !initRulesForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", initRulesPath)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.WriteFile(initRulesPath, []byte(policy.DefaultRuleTableYAML()), 0o644); err != nil {
		return fmt.Errorf("failed to write rule table: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rule table written to %s\n", initRulesPath)
	return nil
}
