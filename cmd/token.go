package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"partyroom/core/auth"
)

var (
	tokenUserID   int64
	tokenUsername string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发开发用访问令牌",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL).GenerateToken(tokenUserID, tokenUsername)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUserID, "user", 0, "user id")
	tokenCmd.Flags().StringVar(&tokenUsername, "name", "", "username")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
