package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("expiration", 0, "token lifetime (default security.jwt_expiration)")
}

var tokenCmd = &cobra.Command{
	Use:   "token OWNER",
	Short: "print a signed token for an owner",
	Long: `Sign a bearer token whose subject is OWNER with the configured secret.
Operators listed in security.operators can use their token to read every
operation and to post adapter callbacks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		exp, _ := cmd.Flags().GetDuration("expiration")
		if exp <= 0 {
			exp = cfg.Security.JWTExpiration
		}

		token, err := jwtService(cfg).GenerateToken(args[0], exp)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}
