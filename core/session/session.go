// Package session is the client side of a party room: it keeps one local
// player in step with the room's host.
//
// A Session owns every timer, flag and counter involved in that job. All of
// them are touched only by the session's loop goroutine, which consumes one
// ordered queue of realtime, player, timer and command events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"partyroom/config"
	"partyroom/logger"
	"partyroom/model"
)

const eventQueueSize = 256

// Config identifies the local user and room.
type Config struct {
	RoomID   string
	UserID   int64
	Username string
	// Policy zero value means config.DefaultSyncPolicy().
	Policy config.SyncPolicy
}

// Deps are the session's collaborators. Resolver, Clock and Logger are optional.
type Deps struct {
	Store     Store
	Transport Transport
	Player    Player
	Resolver  MediaResolver
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Session is one client's membership in one room.
type Session struct {
	cfg      Config
	policy   config.SyncPolicy
	store    Store
	tr       Transport
	player   Player
	resolver MediaResolver
	clock    clockwork.Clock
	log      *zap.Logger
	senderID string

	sub Subscription

	events   chan event
	views    chan View
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	started  atomic.Bool
	leaving  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	// loop-owned state
	room          *model.Room
	isHost        bool
	sync          syncState
	timers        map[timerKind]armedTimer
	timerGen      uint64
	writer        checkpointWriter
	lastPersisted persistedMark
	lastSentTS    int64
	conn          Connectivity
	pollInFlight  bool
	pollGen       uint64
	presence      presenceState
	notice        *model.Notice
	loading       bool
	sourceGen     uint64
	closing       bool
	deleting      bool
	exit          bool
}

// New validates deps and builds an idle session. Call Start to join.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("%w: room id is required", model.ErrInvalidInput)
	}
	if deps.Store == nil || deps.Transport == nil || deps.Player == nil {
		return nil, errors.New("session: store, transport and player are required")
	}
	policy := cfg.Policy
	if policy == (config.SyncPolicy{}) {
		policy = config.DefaultSyncPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := deps.Logger
	if log == nil {
		log = logger.Named("session")
	}
	senderID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		cfg:      cfg,
		policy:   policy,
		store:    deps.Store,
		tr:       deps.Transport,
		player:   deps.Player,
		resolver: deps.Resolver,
		clock:    clock,
		log:      log.With(logger.Room(cfg.RoomID), logger.User(cfg.UserID), zap.String("sender", senderID)),
		senderID: senderID,
		events:   make(chan event, eventQueueSize),
		views:    make(chan View, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[timerKind]armedTimer),
		presence: presenceState{announced: map[int64]model.PresenceRecord{}},
	}, nil
}

// Start loads the room, ensures the roster entry, subscribes and announces
// presence, then runs the session until Leave, DeleteRoom, room deletion,
// or cancellation of ctx (which leaves the room).
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already started")
	}
	fail := func(err error) error {
		s.stop(err)
		s.cancel()
		close(s.views)
		close(s.done)
		return err
	}

	room, err := s.store.GetRoom(ctx, s.cfg.RoomID)
	if err != nil {
		return fail(fmt.Errorf("load room %s: %w", s.cfg.RoomID, err))
	}
	if err := s.store.EnsureMember(ctx, s.cfg.RoomID, s.cfg.UserID, s.cfg.Username); err != nil {
		return fail(fmt.Errorf("join room %s: %w", s.cfg.RoomID, err))
	}
	members, err := s.store.ListMembers(ctx, s.cfg.RoomID)
	if err != nil {
		s.log.Warn("initial roster fetch failed", zap.Error(err))
	}
	sub, err := s.tr.Subscribe(ctx, s.cfg.RoomID)
	if err != nil {
		s.removeMember()
		return fail(fmt.Errorf("subscribe room %s: %w", s.cfg.RoomID, err))
	}
	s.sub = sub

	if err := sub.Track(model.PresenceRecord{
		RoomID:      s.cfg.RoomID,
		UserID:      s.cfg.UserID,
		Username:    s.cfg.Username,
		AnnouncedAt: s.clock.Now().UnixMilli(),
	}); err != nil {
		s.log.Warn("presence announce failed", zap.Error(err))
	}

	s.bootstrap(room, members)

	go s.pumpRealtime(sub.Events())
	go s.pumpPlayer(s.player.Events())
	go s.loop()
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 2*s.policy.WriteTimeout)
			defer cancel()
			if err := s.Leave(cctx); err != nil {
				s.log.Warn("leave on cancel failed", zap.Error(err))
			}
		case <-s.done:
		}
	}()

	s.log.Info("joined room", zap.Bool("host", s.isHost), zap.String("song", room.CurrentSongID))
	return nil
}

// removeMember drops the roster entry written by Start when the join cannot
// complete. Best effort.
func (s *Session) removeMember() {
	ctx, cancel := context.WithTimeout(context.Background(), s.policy.WriteTimeout)
	defer cancel()
	if err := s.store.RemoveMember(ctx, s.cfg.RoomID, s.cfg.UserID); err != nil {
		s.log.Warn("roster cleanup after failed join failed", zap.Error(err))
	}
}

// bootstrap applies the initial room state. It runs before the loop starts.
func (s *Session) bootstrap(room *model.Room, members []model.RoomMember) {
	s.presence.roster = members
	s.applyRoom(room, s.clock.Now())
	s.recomputeOnline()
	s.emit()
}

// Views delivers the latest presentation state. Stale values are replaced,
// never queued. The channel is closed when the session ends.
func (s *Session) Views() <-chan View {
	return s.views
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended: nil after a normal leave,
// model.ErrRoomNotFound when the room disappeared.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SenderID identifies this session's progress broadcasts.
func (s *Session) SenderID() string {
	return s.senderID
}

// Snapshot returns the current view, read through the event queue.
func (s *Session) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := s.call(ctx, func() { v = s.view() })
	return v, err
}

func (s *Session) stop(err error) {
	s.quitOnce.Do(func() {
		if err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		}
		close(s.quit)
	})
}

// fail ends the session from inside the loop.
func (s *Session) fail(err error) {
	if s.exit {
		return
	}
	s.log.Warn("session ending", zap.Error(err))
	s.stopBroadcaster()
	s.stop(err)
	s.exit = true
}

func (s *Session) loop() {
	defer s.shutdown()
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
			if s.exit {
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) shutdown() {
	s.stop(nil)
	for kind := range s.timers {
		s.disarm(kind)
	}
	s.cancel()
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.log.Debug("subscription close", zap.Error(err))
		}
	}
	v := s.view()
	v.Err = s.Err()
	s.sendView(v)
	close(s.views)
	close(s.done)
	s.log.Info("session closed", zap.Error(v.Err))
}

// post queues ev for the loop. It gives up once the session is stopping.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

func (s *Session) pumpRealtime(ch <-chan model.RealtimeEvent) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				s.post(evChannelClosed{})
				return
			}
			if !s.post(evRealtime{ev: ev, at: s.clock.Now()}) {
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) pumpPlayer(ch <-chan PlayerEvent) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !s.post(evPlayer{ev}) {
				return
			}
		case <-s.quit:
			return
		}
	}
}

// call runs fn on the loop and waits for it.
func (s *Session) call(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		return model.ErrSessionClosed
	}
	c := evCall{fn: fn, done: make(chan struct{})}
	select {
	case s.events <- c:
	case <-s.quit:
		return model.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-s.done:
		return model.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) exec(ctx context.Context, fn func() error) error {
	var err error
	if cerr := s.call(ctx, func() { err = fn() }); cerr != nil {
		return cerr
	}
	return err
}

func (s *Session) handle(ev event) {
	switch e := ev.(type) {
	case evCall:
		e.fn()
		close(e.done)
	case evRealtime:
		s.onRealtime(e)
	case evChannelClosed:
		s.degrade("channel closed", nil)
	case evPlayer:
		s.onPlayer(e.PlayerEvent)
	case evTimer:
		if s.fired(e) {
			s.onTimer(e.kind)
		}
	case evWriteDone:
		s.onWriteDone(e)
	case evPollResult:
		s.onPollResult(e)
	case evRoster:
		s.onRoster(e)
	case evSource:
		s.onSource(e)
	}
	if !s.exit {
		s.emit()
	}
}

func (s *Session) onRealtime(e evRealtime) {
	ev := e.ev
	switch ev.Kind {
	case model.RealtimeCheckpoint:
		if ev.Room != nil {
			s.applyRoom(ev.Room, e.at)
		}
	case model.RealtimeProgress:
		s.onProgress(ev.Progress, e.at)
	case model.RealtimePresence:
		s.onPresence(ev.Presence)
	case model.RealtimeNotice:
		if ev.Notice != nil && ev.Notice.UserID != s.cfg.UserID {
			n := *ev.Notice
			s.notice = &n
			s.log.Info("room notice", zap.String("kind", string(n.Kind)))
		}
	case model.RealtimeRoomDeleted:
		if s.deleting {
			s.stop(nil)
			s.exit = true
			return
		}
		s.fail(model.ErrRoomNotFound)
	case model.RealtimeSubscribed:
		s.recover()
	case model.RealtimeChannelError:
		s.degrade("channel error", ev.Err)
	case model.RealtimeChannelTimeout:
		s.degrade("channel timeout", ev.Err)
	}
}

func (s *Session) onTimer(kind timerKind) {
	switch kind {
	case timerSettle:
		s.settle()
	case timerSyncing:
		s.sync.syncing = false
	case timerSeekGuard:
		// guard expired; checkpoint seeks allowed again
	case timerBroadcast:
		s.broadcastTick()
	case timerPoll:
		s.pollTick()
	}
}

type timerKind int

const (
	timerSettle timerKind = iota + 1
	timerSyncing
	timerSeekGuard
	timerBroadcast
	timerPoll
)

type armedTimer struct {
	t   clockwork.Timer
	gen uint64
}

// arm (re)starts the one timer of the given kind.
func (s *Session) arm(kind timerKind, d time.Duration) {
	s.disarm(kind)
	s.timerGen++
	gen := s.timerGen
	t := s.clock.AfterFunc(d, func() { s.post(evTimer{kind: kind, gen: gen}) })
	s.timers[kind] = armedTimer{t: t, gen: gen}
}

func (s *Session) disarm(kind timerKind) {
	if a, ok := s.timers[kind]; ok {
		a.t.Stop()
		delete(s.timers, kind)
	}
}

func (s *Session) armed(kind timerKind) bool {
	_, ok := s.timers[kind]
	return ok
}

// fired consumes a timer event; stale generations are ignored.
func (s *Session) fired(e evTimer) bool {
	a, ok := s.timers[e.kind]
	if !ok || a.gen != e.gen {
		return false
	}
	delete(s.timers, e.kind)
	return true
}
