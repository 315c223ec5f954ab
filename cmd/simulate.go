package cmd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"partyroom/client"
	"partyroom/config"
	"partyroom/core/session"
	"partyroom/internal/memroom"
	"partyroom/logger"
)

var (
	simListeners int
	simDuration  time.Duration
	simSeekEvery time.Duration
	simOutageAt  time.Duration
	simOutageFor time.Duration
	simLoadDelay time.Duration
	simPlaylist  []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "在内存中模拟一个房间，输出各听众与房主的偏差",
	Long: `创建一个内存房间，由一个房主和若干听众组成，房主播放并按间隔随机跳转，
可选地在指定时刻中断实时通道以观察轮询降级，定期输出每个听众与房主的位置偏差。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, simDuration)
		defer cancel()

		policy, err := config.LoadSyncPolicy(cfg.SyncPolicyFile)
		if err != nil {
			return err
		}
		hub := memroom.New(nil)
		room := hub.CreateRoom(1, "host", "simulation", simPlaylist)
		log := logger.Named("simulate", zap.String("room", room.ID))

		join := func(userID int64, name string) (*session.Session, *client.SimPlayer, error) {
			player := client.NewSimPlayer(nil, client.WithLoadDelay(simLoadDelay))
			sess, err := session.New(session.Config{
				RoomID:   room.ID,
				UserID:   userID,
				Username: name,
				Policy:   policy,
			}, session.Deps{Store: hub, Transport: hub, Player: player})
			if err != nil {
				return nil, nil, err
			}
			return sess, player, sess.Start(ctx)
		}

		host, hostPlayer, err := join(1, "host")
		if err != nil {
			return err
		}
		defer host.Close()

		type listener struct {
			name   string
			sess   *session.Session
			player *client.SimPlayer
		}
		listeners := make([]listener, 0, simListeners)
		for i := 0; i < simListeners; i++ {
			name := fmt.Sprintf("listener-%d", i+1)
			sess, player, err := join(int64(i+2), name)
			if err != nil {
				return err
			}
			defer sess.Close()
			listeners = append(listeners, listener{name: name, sess: sess, player: player})
		}

		if err := host.SetPlaying(ctx, true); err != nil {
			return err
		}
		log.Info("simulation started",
			zap.Int("listeners", simListeners),
			zap.Duration("duration", simDuration))

		start := time.Now()
		report := time.NewTicker(time.Second)
		defer report.Stop()
		var seek <-chan time.Time
		if simSeekEvery > 0 {
			t := time.NewTicker(simSeekEvery)
			defer t.Stop()
			seek = t.C
		}
		outage := simOutageFor > 0
		restored := false

		for {
			select {
			case <-ctx.Done():
				log.Info("simulation finished")
				return nil
			case <-seek:
				target := math.Floor(rand.Float64() * 240)
				log.Info("host seeks", zap.Float64("to", target))
				if err := host.SeekTo(ctx, target); err != nil {
					log.Warn("seek failed", zap.Error(err))
				}
			case <-report.C:
				elapsed := time.Since(start)
				if outage && elapsed >= simOutageAt {
					log.Warn("interrupting realtime channel", zap.Duration("for", simOutageFor))
					hub.Interrupt(room.ID)
					outage = false
				}
				if !restored && simOutageFor > 0 && elapsed >= simOutageAt+simOutageFor {
					log.Info("restoring realtime channel")
					hub.Restore(room.ID)
					restored = true
				}
				hostPos := hostPlayer.CurrentTime()
				for _, l := range listeners {
					sctx, scancel := context.WithTimeout(ctx, time.Second)
					v, err := l.sess.Snapshot(sctx)
					scancel()
					if err != nil {
						continue
					}
					log.Info("drift",
						zap.String("listener", l.name),
						zap.Float64("host", hostPos),
						zap.Float64("listener_pos", l.player.CurrentTime()),
						zap.Float64("drift", l.player.CurrentTime()-hostPos),
						zap.Stringer("connectivity", v.Connectivity),
						zap.Bool("syncing", v.Syncing))
				}
			}
		}
	},
}

func init() {
	simulateCmd.Flags().IntVar(&simListeners, "listeners", 3, "number of listeners")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 30*time.Second, "how long to run")
	simulateCmd.Flags().DurationVar(&simSeekEvery, "seek-every", 10*time.Second, "host seek interval, 0 disables")
	simulateCmd.Flags().DurationVar(&simOutageAt, "outage-at", 15*time.Second, "when to interrupt the realtime channel")
	simulateCmd.Flags().DurationVar(&simOutageFor, "outage-for", 0, "how long the realtime channel stays down, 0 disables")
	simulateCmd.Flags().DurationVar(&simLoadDelay, "load-delay", 300*time.Millisecond, "simulated media load time")
	simulateCmd.Flags().StringSliceVar(&simPlaylist, "playlist", []string{"song-1", "song-2", "song-3"}, "song ids")
	rootCmd.AddCommand(simulateCmd)
}
