package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"proof-orchestrator/internal/handlers"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin credential helpers",
	}
	cmd.AddCommand(adminTOTPCmd(), adminCodeCmd(), adminHashPasswordCmd(), adminTokenCmd())
	return cmd
}

func adminTOTPCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Generate a new TOTP secret for admin.totp_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := handlers.GenerateTOTPKey(account)
			if err != nil {
				return fmt.Errorf("failed to generate TOTP secret: %w", err)
			}
			fmt.Printf("Secret: %s\n", key.Secret())
			fmt.Printf("URL:    %s\n", key.URL())
			fmt.Println("Save the secret as admin.totp_secret (or ADMIN_TOTP_SECRET) and add the URL to an authenticator app.")
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "admin", "account name shown in the authenticator")
	return cmd
}

func adminCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "code",
		Short: "Print the current TOTP code for the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("ADMIN_TOTP_SECRET")
			if secret == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				secret = cfg.Admin.TOTPSecret
			}
			if secret == "" {
				return fmt.Errorf("no TOTP secret configured")
			}
			code, err := totp.GenerateCode(secret, time.Now())
			if err != nil {
				return fmt.Errorf("failed to generate TOTP code: %w", err)
			}
			fmt.Printf("Current TOTP Code: %s\n", code)
			fmt.Printf("Valid for: ~30 seconds\n")
			return nil
		},
	}
}

func adminHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for admin.password_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			hash, err := handlers.HashAdminPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func adminTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Mint an admin JWT from the configured secret (for local operations)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("admin.jwt_secret is not configured")
			}
			logger := logrus.New()
			logger.SetOutput(os.Stderr)
			token, err := handlers.NewAdminAuthHandler(cfg.Admin, logger).GenerateToken(cfg.Admin.Username)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
