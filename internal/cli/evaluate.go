package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/config"
	"github.com/ppiankov/guardian/internal/guardian"
	"github.com/ppiankov/guardian/internal/mode"
	"github.com/ppiankov/guardian/internal/policy"
)

var (
	evalRules        string
	evalContext      string
	evalInteractions int
	evalTransactions int
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalRules, "rules", "", "Path to rule table YAML (default $GUARDIAN_RULES_PATH, else built-in rules)")
	evaluateCmd.Flags().StringVar(&evalContext, "context", "", "Decision context as JSON (read from stdin when empty)")
	evaluateCmd.Flags().IntVar(&evalInteractions, "interactions", 0, "Completed interactions of the principal")
	evaluateCmd.Flags().IntVar(&evalTransactions, "transactions", 0, "Completed transactions of the principal")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Classify a decision context locally without recording it",
	Long: "Runs the risk evaluator and mode resolver against a rule table on this machine.\n" +
		"Nothing is written to the ledger. Use it to test rule tables before deploying them.",
	Example: `  echo '{"vertical":"P1","intent":"checkout","final_price":1,"catalog_price":10}' | guardian evaluate
  guardian evaluate --rules guardian-rules.yaml --context '{"intent":"I want to die"}'`,
	RunE: runEvaluate,
}

type evaluateOutput struct {
	Evaluation policy.Evaluation `json:"evaluation"`
	Mode       mode.Mode         `json:"mode"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	raw := []byte(evalContext)
	if evalContext == "" {
		var err error
		if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("failed to read context: %w", err)
		}
	}

	var c policy.Context
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return fmt.Errorf("invalid context: %w", err)
	}
	if err := guardian.ValidateContext(c); err != nil {
		return err
	}

	decisions, err := config.LoadDecisions()
	if err != nil {
		exitConfig(err)
	}
	if evalRules != "" {
		decisions.RulesPath = evalRules
	}
	rules, err := policy.NewRules(decisions.RulesPath)
	if err != nil {
		return err
	}
	ev := rules.Evaluate(c)
	m := mode.NewResolver(decisions.Thresholds()).Resolve(c.PrincipalID, ev.State, mode.TrustCounters{
		Interactions: evalInteractions,
		Transactions: evalTransactions,
	})
	if ev.Degraded() {
		fmt.Fprintln(os.Stderr, "warning: context incomplete, evaluation degraded")
	}
	return printJSON(cmd.OutOrStdout(), evaluateOutput{Evaluation: ev, Mode: m})
}
