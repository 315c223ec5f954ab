package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"partyroom/client"
	"partyroom/config"
	"partyroom/core/auth"
	"partyroom/core/session"
	"partyroom/logger"
)

var (
	listenServer  string
	listenRoom    string
	listenToken   string
	listenResolve bool
	listenReport  time.Duration
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "以无界面客户端加入房间并跟随播放",
	Long:  `连接到房间服务器，用模拟播放器跟随房主播放，并定期输出播放位置和连接状态。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		claims, err := auth.UnverifiedClaims(listenToken)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store := client.NewHTTPStore(listenServer, listenToken)
		policy, err := store.SyncPolicy(ctx)
		if err != nil {
			logger.Warn("fetch sync policy failed, using defaults", logger.ErrorField(err))
			policy = config.DefaultSyncPolicy()
		}

		deps := session.Deps{
			Store:     store,
			Transport: client.NewWSTransport(listenServer, listenToken),
			Player:    client.NewSimPlayer(nil),
		}
		if listenResolve {
			deps.Resolver = store
		}
		sess, err := session.New(session.Config{
			RoomID:   listenRoom,
			UserID:   claims.UserID,
			Username: claims.Username,
			Policy:   policy,
		}, deps)
		if err != nil {
			return err
		}
		if err := sess.Start(ctx); err != nil {
			return err
		}
		report(ctx, sess, listenReport)
		<-sess.Done()
		return sess.Err()
	},
}

// report logs the session view every interval until the session ends.
func report(ctx context.Context, sess *session.Session, every time.Duration) {
	log := logger.Named("listen")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, time.Second)
			v, err := sess.Snapshot(sctx)
			cancel()
			if err != nil {
				continue
			}
			fields := []zap.Field{
				zap.String("song", v.CurrentSong),
				zap.Float64("position", v.DisplayTime),
				zap.Bool("host", v.IsHost),
				zap.Int("online", v.OnlineCount()),
				zap.Stringer("connectivity", v.Connectivity),
				zap.Bool("syncing", v.Syncing),
			}
			if v.Room != nil {
				fields = append(fields, zap.Bool("playing", v.Room.IsPlaying))
			}
			if v.Notice != nil {
				fields = append(fields, zap.String("notice", v.Notice.Message))
			}
			log.Info("room state", fields...)
		}
	}
}

func init() {
	listenCmd.Flags().StringVar(&listenServer, "server", "http://127.0.0.1:8080", "server base URL")
	listenCmd.Flags().StringVar(&listenRoom, "room", "", "room id")
	listenCmd.Flags().StringVar(&listenToken, "token", "", "access token (see the token command)")
	listenCmd.Flags().BoolVar(&listenResolve, "resolve", false, "resolve songs to presigned media URLs before loading")
	listenCmd.Flags().DurationVar(&listenReport, "report", 2*time.Second, "state report interval")
	_ = listenCmd.MarkFlagRequired("room")
	_ = listenCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(listenCmd)
}
