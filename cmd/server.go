package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"partyroom/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动房间服务器",
	Long:  `启动 HTTP API 和 WebSocket 实时通道，连接 MySQL、Redis 和跨实例消息总线`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return server.Start(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
