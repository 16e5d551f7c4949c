package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"invest-core/internal/api"
	"invest-core/pkg/config"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
	tokenEnvFile string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the status API",
	Long: `Sign an HS256 token with API_JWT_SECRET for use against the status API.

Example:
  invest-core token --subject ops --ttl 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(tokenEnvFile)
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("API_JWT_SECRET is not set; the API runs without auth")
		}
		tok, err := api.GenerateToken(tokenSubject, cfg.JWTSecret, tokenTTL)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&tokenEnvFile, "env", "", "env file to load instead of ./.env")
}
