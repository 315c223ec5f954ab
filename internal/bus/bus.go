// Package bus relays room messages between server instances so that
// clients of one room connected to different instances see the same stream.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"partyroom/config"
	"partyroom/model"
)

// Envelope is one relayed room message.
type Envelope struct {
	// Origin is the publishing instance; instances drop their own envelopes.
	Origin        string           `json:"origin"`
	RoomID        string           `json:"roomId"`
	ExcludeUserID int64            `json:"excludeUserId,omitempty"`
	Message       *model.WSMessage `json:"message"`
}

// Handler receives envelopes published by any instance.
type Handler func(Envelope)

// Bus is a cross-instance fan-out channel.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes to h until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// New builds the backend named by cfg.BusBackend.
func New(cfg *config.Config) (Bus, error) {
	switch cfg.BusBackend {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		return NewRedis(RedisOptions{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword, DB: cfg.RedisDB})
	case "nats":
		return NewNATS(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}

func encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// Local is an in-process bus. Instances sharing one Local behave like
// instances sharing a broker.
type Local struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	next     int
	closed   bool
}

func NewLocal() *Local {
	return &Local{handlers: make(map[int]Handler)}
}

func (l *Local) Publish(_ context.Context, env Envelope) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return fmt.Errorf("bus closed")
	}
	for _, h := range l.handlers {
		h(env)
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, h Handler) error {
	l.mu.Lock()
	id := l.next
	l.next++
	l.handlers[id] = h
	l.mu.Unlock()

	<-ctx.Done()

	l.mu.Lock()
	delete(l.handlers, id)
	l.mu.Unlock()
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = make(map[int]Handler)
	return nil
}
