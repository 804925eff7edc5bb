package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rbio.com/nutribot/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the messages API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		if subject == "" {
			return errors.New("--subject is required")
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		issuer, err := auth.NewIssuer(cfg.JWTSecret, ttl)
		if err != nil {
			return err
		}
		token, err := issuer.GenerateToken(subject)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringP("subject", "s", "", "Client the token is issued to")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
}
