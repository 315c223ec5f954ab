package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"partyroom/core/session"
	"partyroom/logger"
	"partyroom/model"
)

const (
	outQueueSize      = 64
	eventQueueSize    = 256
	heartbeatInterval = 20 * time.Second
	readTimeout       = 75 * time.Second
	writeTimeout      = 10 * time.Second
)

// ErrQueueFull is returned when an outgoing message cannot be queued
// without blocking.
var ErrQueueFull = errors.New("realtime send queue full")

var _ session.Transport = (*WSTransport)(nil)

// WSTransport subscribes to rooms over the server's websocket endpoint.
// Subscriptions reconnect on their own; every reconnect is reported as a
// channel error followed by subscribed once the server confirms.
type WSTransport struct {
	baseURL    string
	token      string
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *zap.Logger
}

// TransportOption configures a WSTransport.
type TransportOption func(*WSTransport)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(min, max time.Duration) TransportOption {
	return func(t *WSTransport) {
		t.minBackoff, t.maxBackoff = min, max
	}
}

// NewWSTransport targets the server at baseURL ("http://host:port").
func NewWSTransport(baseURL, token string, opts ...TransportOption) *WSTransport {
	t := &WSTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		log:        logger.Named("client.ws"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *WSTransport) roomURL(roomID string) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/rooms/" + url.PathEscape(roomID)
	u.RawQuery = url.Values{"token": {t.token}}.Encode()
	return u.String(), nil
}

// Subscribe dials once; a failure here is returned. Later failures are
// reported on the subscription's event stream.
func (t *WSTransport) Subscribe(ctx context.Context, roomID string) (session.Subscription, error) {
	target, err := t.roomURL(roomID)
	if err != nil {
		return nil, err
	}
	conn, _, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial room %s: %w", roomID, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &wsSubscription{
		t:      t,
		url:    target,
		roomID: roomID,
		events: make(chan model.RealtimeEvent, eventQueueSize),
		out:    make(chan []byte, outQueueSize),
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    t.log.With(zap.String("room", roomID)),
	}
	go s.run(conn)
	return s, nil
}

type wsSubscription struct {
	t      *WSTransport
	url    string
	roomID string

	events chan model.RealtimeEvent
	out    chan []byte

	mu      sync.Mutex
	tracked *model.PresenceRecord

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func (s *wsSubscription) Events() <-chan model.RealtimeEvent {
	return s.events
}

func (s *wsSubscription) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := s.serve(conn)
		if s.ctx.Err() != nil {
			return
		}
		kind := model.RealtimeChannelError
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = model.RealtimeChannelTimeout
		}
		s.log.Warn("realtime connection lost", zap.Error(err))
		s.emit(model.RealtimeEvent{Kind: kind, Err: err})

		if conn = s.redial(); conn == nil {
			return
		}
	}
}

// redial retries with exponential backoff until it connects or the
// subscription is closed.
func (s *wsSubscription) redial() *websocket.Conn {
	delay := s.t.minBackoff
	for {
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		conn, _, err := s.t.dialer.DialContext(s.ctx, s.url, nil)
		if err == nil {
			s.log.Info("realtime connection restored")
			return conn
		}
		s.log.Debug("reconnect failed", zap.Error(err), zap.Duration("retryIn", delay))
		if delay *= 2; delay > s.t.maxBackoff {
			delay = s.t.maxBackoff
		}
	}
}

// serve owns conn until it fails or the subscription closes. It is the
// only writer on conn.
func (s *wsSubscription) serve(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn) }()
	readerDone := false
	defer func() {
		conn.Close()
		if !readerDone {
			<-readErr
		}
	}()

	write := func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	// re-announce presence on every new connection
	if rec := s.trackedRecord(); rec != nil {
		if data, err := encodeMessage(model.MsgTypePresenceTrack, s.roomID, rec); err == nil {
			if err := write(data); err != nil {
				return err
			}
		}
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ping, _ := encodeMessage(model.MsgTypePing, s.roomID, nil)

	for {
		select {
		case <-s.ctx.Done():
			s.flush(write)
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			readerDone = true
			return err
		case data := <-s.out:
			if err := write(data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := write(ping); err != nil {
				return err
			}
		}
	}
}

// flush writes whatever is still queued, so an untrack issued just before
// Close reaches the server.
func (s *wsSubscription) flush(write func([]byte) error) {
	for {
		select {
		case data := <-s.out:
			if write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSubscription) readLoop(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		// the server joins queued messages into one frame, separated by \n
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			var msg model.WSMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				s.log.Debug("dropping malformed frame", zap.Error(err))
				continue
			}
			ev, ok, err := model.DecodeRealtime(&msg)
			if err != nil {
				s.log.Debug("dropping undecodable message", zap.Error(err), zap.String("type", string(msg.Type)))
				continue
			}
			if ok {
				s.emit(ev)
			}
		}
	}
}

func (s *wsSubscription) emit(ev model.RealtimeEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *wsSubscription) trackedRecord() *model.PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked == nil {
		return nil
	}
	rec := *s.tracked
	return &rec
}

func encodeMessage(t model.MessageType, roomID string, data interface{}) ([]byte, error) {
	msg, err := model.NewWSMessage(t, roomID, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (s *wsSubscription) send(t model.MessageType, data interface{}) error {
	if s.ctx.Err() != nil {
		return model.ErrSessionClosed
	}
	raw, err := encodeMessage(t, s.roomID, data)
	if err != nil {
		return err
	}
	select {
	case s.out <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *wsSubscription) Publish(p model.ProgressBroadcast) error {
	return s.send(model.MsgTypeProgress, p)
}

func (s *wsSubscription) Notify(n model.Notice) error {
	return s.send(model.MsgTypeNotice, n)
}

func (s *wsSubscription) Track(p model.PresenceRecord) error {
	s.mu.Lock()
	rec := p
	s.tracked = &rec
	s.mu.Unlock()
	return s.send(model.MsgTypePresenceTrack, p)
}

func (s *wsSubscription) Untrack() error {
	s.mu.Lock()
	s.tracked = nil
	s.mu.Unlock()
	return s.send(model.MsgTypePresenceUntrack, nil)
}

// Close ends the subscription and waits for its goroutines.
func (s *wsSubscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
