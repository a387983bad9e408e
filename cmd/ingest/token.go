package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/pkg/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发运维 API 令牌",
	RunE: func(cmd *cobra.Command, args []string) error {
		operator, _ := cmd.Flags().GetString("operator")
		cfg := &config.Conf
		tok, err := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours).GenerateToken(operator)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("operator", "", "令牌持有人")
	_ = tokenCmd.MarkFlagRequired("operator")
	rootCmd.AddCommand(tokenCmd)
}
