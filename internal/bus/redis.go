package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"partyroom/logger"
)

const redisChannel = "partyroom:rooms"

// RedisOptions configures the Redis Pub/Sub backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis relays envelopes over one Pub/Sub channel.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to Redis bus: %w", err)
	}
	return &Redis{client: client, log: logger.Named("bus.redis")}, nil
}

func (r *Redis) Publish(ctx context.Context, env Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannel, data).Err()
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	pubsub := r.client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", redisChannel, err)
	}
	r.log.Info("subscribed", zap.String("channel", redisChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("bad envelope", zap.Error(err))
				continue
			}
			h(env)
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
