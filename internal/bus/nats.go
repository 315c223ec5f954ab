package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"partyroom/logger"
)

const natsSubjectPrefix = "partyroom.rooms"

// NATS relays envelopes on one subject per room.
type NATS struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewNATS(url string) (*NATS, error) {
	log := logger.Named("bus.nats")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("partyroom"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{nc: nc, log: log}, nil
}

func subjectFor(roomID string) string {
	return natsSubjectPrefix + "." + roomID
}

func (n *NATS) Publish(_ context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	return n.nc.Publish(subjectFor(env.RoomID), data)
}

func (n *NATS) Subscribe(ctx context.Context, h Handler) error {
	sub, err := n.nc.Subscribe(natsSubjectPrefix+".*", func(msg *nats.Msg) {
		env, err := decode(msg.Data)
		if err != nil {
			n.log.Warn("bad envelope", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		h(env)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsSubjectPrefix, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
