package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/guardian/internal/identity"
	"github.com/ppiankov/guardian/internal/model"
)

var (
	principalRole   string
	principalScope  string
	principalIssuer string
)

func init() {
	rootCmd.AddCommand(principalCmd)
	principalCmd.AddCommand(principalAddCmd)
	principalCmd.AddCommand(principalDeactivateCmd)
	principalAddCmd.Flags().StringVar(&principalRole, "role", "", "ARCHITECT, SUPERVISOR or CUSTODIAN")
	principalAddCmd.Flags().StringVar(&principalScope, "scope", "", "Vertical the principal may override, or * for all")
	principalAddCmd.Flags().StringVar(&principalIssuer, "issuer", identity.DefaultIssuer, "Issuer shown in authenticator apps")
	_ = principalAddCmd.MarkFlagRequired("role")
	_ = principalAddCmd.MarkFlagRequired("scope")
}

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Provision human override principals",
}

var principalAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Create or re-key a principal and print its one-time-code secret",
	Long: "Generates a fresh TOTP secret for the principal and stores it with the given role and scope.\n" +
		"The secret and otpauth:// URL are printed once; enroll them in an authenticator app.\n" +
		"Re-adding an existing id replaces its secret and reactivates it.",
	Args: cobra.ExactArgs(1),
	RunE: runPrincipalAdd,
}

var principalDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate a principal; outstanding tokens stop working at their next use",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrincipalDeactivate,
}

func runPrincipalAdd(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	role, err := model.ParseRole(principalRole)
	if err != nil {
		return err
	}
	scope := strings.TrimSpace(principalScope)
	if scope == "" {
		return fmt.Errorf("--scope must not be empty")
	}

	secret, url, err := identity.NewSecret(principalIssuer, id)
	if err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}

	ctx := context.Background()
	store := storeFromEnv(ctx)
	defer store.Close()

	if err := store.PutPrincipal(ctx, model.Principal{
		ID:            id,
		Role:          role,
		VerticalScope: scope,
		OTPSecret:     secret,
		Active:        true,
	}); err != nil {
		return fmt.Errorf("store principal: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Principal %s (%s, scope %s) stored.\n", id, role, scope)
	fmt.Fprintf(out, "Secret:      %s\n", secret)
	fmt.Fprintf(out, "otpauth URL: %s\n", url)
	return nil
}

func runPrincipalDeactivate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store := storeFromEnv(ctx)
	defer store.Close()

	if err := store.DeactivatePrincipal(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Principal %s deactivated.\n", args[0])
	return nil
}
