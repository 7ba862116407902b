package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	loginPrincipal string
	loginOTP       string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginPrincipal, "principal", "", "Principal id")
	loginCmd.Flags().StringVar(&loginOTP, "otp", "", "One-time code (prompted when omitted)")
	_ = loginCmd.MarkFlagRequired("principal")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange a one-time code for a short-lived override token",
	Long: "Authenticates a principal against the guardian server and prints the issued token.\n" +
		"Export it as GUARDIAN_TOKEN for use with 'guardian override'.",
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	code := loginOTP
	if code == "" {
		var err error
		if code, err = promptCode("One-time code: "); err != nil {
			return err
		}
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	tok, err := c.Login(cmd.Context(), loginPrincipal, code)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Token expires at %s\n", tok.ExpiresAt.Format("15:04:05 MST"))
	return printJSON(cmd.OutOrStdout(), tok)
}
