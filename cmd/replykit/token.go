package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/replykit/api"
)

var refreshTokenCmd = &cobra.Command{
	Use:   "refresh-token",
	Short: "Exchange the stored refresh token for a new access token",
	RunE:  runRefreshToken,
}

var (
	adminSubject string
	adminTTL     time.Duration
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Issue a bearer token for the admin API",
	RunE:  runAdminToken,
}

func init() {
	adminTokenCmd.Flags().StringVar(&adminSubject, "subject", "operator", "token subject")
	adminTokenCmd.Flags().DurationVar(&adminTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runRefreshToken(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.refresher.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "access token refreshed, expires in %s", res.ExpiresIn.Round(time.Second))
	if res.RotatedRefresh {
		fmt.Fprint(cmd.OutOrStdout(), ", refresh token rotated")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

func runAdminToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.HTTP.AdminSecret == "" {
		return fmt.Errorf("REPLYKIT_ADMIN_SECRET is not set; the admin API is unauthenticated")
	}
	auth, err := api.NewAuthenticator(cfg.HTTP.AdminSecret)
	if err != nil {
		return err
	}
	token, err := auth.Issue(adminSubject, adminTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
