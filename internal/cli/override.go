package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	sdk "github.com/ppiankov/guardian/sdk/go/guardian"
)

var (
	overrideToken    string
	overrideOTP      string
	overrideEvent    string
	overrideDecision string
	overrideReason   string
	overrideEvidence string
)

func init() {
	rootCmd.AddCommand(overrideCmd)
	overrideCmd.Flags().StringVar(&overrideToken, "token", "", "Override token (default $GUARDIAN_TOKEN)")
	overrideCmd.Flags().StringVar(&overrideOTP, "otp", "", "Fresh one-time code (prompted when omitted)")
	overrideCmd.Flags().StringVar(&overrideEvent, "event", "", "Event id of the decision to supersede")
	overrideCmd.Flags().StringVar(&overrideDecision, "decision", "", "GREEN_OVERRIDE_SUPERVISED, YELLOW_OVERRIDE_SUPERVISED or BLACK_ESCALATION")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "Why the override is justified")
	overrideCmd.Flags().StringVar(&overrideEvidence, "evidence", "", "Evidence as JSON, or @file to read it from a file")
	_ = overrideCmd.MarkFlagRequired("event")
	_ = overrideCmd.MarkFlagRequired("decision")
	_ = overrideCmd.MarkFlagRequired("reason")
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Supersede a blocked decision with a human override",
	Long: "Records a human override against an existing ledger entry.\n" +
		"Requires a token from 'guardian login' and a fresh one-time code.\n" +
		"BLACK decisions can never be overridden to GREEN.",
	RunE: runOverride,
}

func runOverride(cmd *cobra.Command, args []string) error {
	token := overrideToken
	if token == "" {
		token = os.Getenv("GUARDIAN_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("no token: pass --token or set GUARDIAN_TOKEN")
	}

	evidence, err := readEvidence(overrideEvidence)
	if err != nil {
		return err
	}

	code := overrideOTP
	if code == "" {
		if code, err = promptCode("One-time code: "); err != nil {
			return err
		}
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Override(cmd.Context(), token, code, sdk.OverrideRequest{
		OriginalEventID: overrideEvent,
		TargetDecision:  strings.ToUpper(strings.TrimSpace(overrideDecision)),
		Reason:          overrideReason,
		Evidence:        evidence,
	})
	if err != nil {
		return fmt.Errorf("override rejected: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), res)
}

// readEvidence accepts inline JSON or @path.
func readEvidence(arg string) (json.RawMessage, error) {
	if arg == "" {
		return nil, nil
	}
	data := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read evidence: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("evidence is not valid JSON")
	}
	return json.RawMessage(data), nil
}
