package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/config"
)

var (
	tokenSubject string
	tokenRole    string
)

// tokenCmd issues a bearer token signed with the configured JWT secret.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		token, err := issueToken(cfg, tokenSubject, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func issueToken(cfg *config.Config, subject, role string) (string, error) {
	if cfg.JWTSecret == "" {
		return "", fmt.Errorf("JWT_SECRET is not configured")
	}
	switch role {
	case auth.RoleUser, auth.RoleAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtCfg.Expiry = cfg.JWTExpiry
	return auth.NewJWTManager(jwtCfg).GenerateToken(subject, role)
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "", "token subject")
	tokenCmd.Flags().StringVarP(&tokenRole, "role", "r", auth.RoleUser, "role claim (user or admin)")
	_ = tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}
