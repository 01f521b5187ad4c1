package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/onnwee/glitter/checkpoint"
	"github.com/onnwee/glitter/clock"
	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/telemetry"
)

var (
	ErrNotConnected = errors.New("chat: session not connected")
	ErrDisconnected = errors.New("chat: session disconnected")
	ErrUnknownRoom  = errors.New("chat: unknown room")
	ErrRoomClosed   = errors.New("chat: room closed")
)

// Options tunes a Session. Zero fields take the defaults below.
type Options struct {
	RefreshInterval time.Duration // 10m
	BackfillLimit   int           // 50
	BackoffInitial  time.Duration // 1s
	BackoffMax      time.Duration // 2m
	Clock           clock.Clock
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 10 * time.Minute
	}
	if o.BackfillLimit <= 0 {
		o.BackfillLimit = 50
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(2*time.Minute, o.BackoffInitial)
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
)

// Session is the top-level lifecycle of one account: it owns the loop, the
// room directory and the periodic refresh timer. Its exported methods are
// safe to call from any goroutine except the loop itself (handler methods).
type Session struct {
	rt        *runtime
	loop      *Loop
	connected atomic.Bool

	// loop-owned
	state   sessionState
	epoch   uint64
	dir     *Directory
	timer   clock.Timer
	waiters []func(struct{}, error)
	failErr error
	user    gitterapi.User
}

// NewSession builds a disconnected session. A nil store keeps checkpoints
// in memory; a nil handler discards events.
func NewSession(api Transport, store checkpoint.Store, h Handler, opts Options) *Session {
	opts = opts.withDefaults()
	if store == nil {
		store = checkpoint.NewMemory(nil)
	}
	if h == nil {
		h = NopHandler{}
	}
	s := &Session{loop: NewLoop()}
	s.rt = &runtime{
		loop:        s.loop,
		api:         api,
		checkpoints: store,
		handler:     h,
		clock:       opts.Clock,
		log:         opts.Logger.With(slog.String("component", "chat")),
		opts:        opts,
		authFailed:  s.onAuthFailed,
	}
	return s
}

// Connect discovers the account's rooms and starts their streams. It
// returns once the first directory refresh has completed; calling it again
// while connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	_, err := await(ctx, s.loop, s.connect)
	return err
}

func (s *Session) connect(done func(struct{}, error)) {
	switch s.state {
	case stateConnected:
		done(struct{}{}, s.failErr)
		return
	case stateConnecting:
		s.waiters = append(s.waiters, done)
		return
	}
	s.state = stateConnecting
	s.failErr = nil
	s.epoch++
	epoch := s.epoch
	s.waiters = append(s.waiters, done)
	s.dir = newDirectory(s.rt)

	s.loop.Go(func(ctx context.Context) func() {
		user, err := s.rt.api.CurrentUser(ctx)
		return func() {
			if epoch != s.epoch {
				return
			}
			switch {
			case errors.Is(err, gitterapi.ErrNotAuthenticated):
				s.abortConnect(err)
				return
			case err != nil:
				s.rt.log.Warn("could not verify current user", slog.Any("err", err))
			default:
				s.user = user
				s.rt.log.Info("authenticated", slog.String("user", user.Username))
			}
			s.dir.refresh(func(err error) { s.initialRefreshDone(epoch, err) })
		}
	})
}

func (s *Session) initialRefreshDone(epoch uint64, err error) {
	if epoch != s.epoch || s.state != stateConnecting {
		return
	}
	if err != nil {
		s.abortConnect(fmt.Errorf("initial room refresh: %w", err))
		return
	}
	s.state = stateConnected
	s.connected.Store(true)
	s.armRefresh(epoch)
	s.rt.log.Info("session connected", slog.Int("rooms", s.dir.Len()))
	s.rt.handler.Connected()
	s.notify(nil)
}

func (s *Session) abortConnect(err error) {
	s.epoch++
	if s.dir != nil {
		s.dir.halt()
	}
	s.dir = nil
	s.state = stateDisconnected
	s.rt.log.Error("connect failed", slog.Any("err", err))
	if errors.Is(err, gitterapi.ErrNotAuthenticated) {
		s.rt.handler.SessionFailed(err)
	}
	s.notify(err)
}

func (s *Session) notify(err error) {
	waiters := s.waiters
	s.waiters = nil
	for _, done := range waiters {
		done(struct{}{}, err)
	}
}

func (s *Session) armRefresh(epoch uint64) {
	s.timer = s.rt.clock.AfterFunc(s.rt.opts.RefreshInterval, func() {
		s.loop.Post(func() {
			if epoch != s.epoch || s.state != stateConnected {
				return
			}
			s.timer = nil
			s.dir.refresh(nil)
			s.armRefresh(epoch)
		})
	})
}

// onAuthFailed halts every stream and the refresh timer once the credential
// has been rejected. Rooms keep their messages so Disconnect still persists
// their checkpoints.
func (s *Session) onAuthFailed(err error) {
	if s.state != stateConnected || s.failErr != nil {
		return
	}
	s.failErr = err
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dir.halt()
	s.connected.Store(false)
	s.rt.log.Error("credentials rejected; session halted", slog.Any("err", err))
	s.rt.handler.SessionFailed(err)
}

// Disconnect stops the refresh timer, closes every room, persists each
// room's newest message id as its checkpoint and emits Disconnected.
// Checkpoint write failures are logged and returned joined; the session is
// disconnected either way.
func (s *Session) Disconnect(ctx context.Context) error {
	var checkpoints map[string]string
	active := false
	err := s.loop.Call(ctx, func() {
		if s.state == stateDisconnected {
			return
		}
		active = true
		s.epoch++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		checkpoints = s.dir.disconnectAll()
		s.dir = nil
		s.state = stateDisconnected
		s.connected.Store(false)
		s.notify(ErrDisconnected)
	})
	if err != nil || !active {
		return err
	}

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(checkpoints)) {
		if err := s.rt.checkpoints.Save(ctx, name, checkpoints[name]); err != nil {
			s.rt.log.Warn("checkpoint save failed", slog.String("room", name), slog.Any("err", err))
			telemetry.IncReason(telemetry.CheckpointErrors, "save")
			errs = append(errs, err)
		}
	}
	if err := s.loop.Call(ctx, s.rt.handler.Disconnected); err != nil {
		errs = append(errs, err)
	}
	s.rt.log.Info("session disconnected", slog.Int("checkpoints", len(checkpoints)))
	return errors.Join(errs...)
}

// Close tears down the loop. Call Disconnect first to persist checkpoints.
func (s *Session) Close() {
	s.loop.Close()
}

// Connected reports whether the session is connected and healthy.
func (s *Session) Connected() bool { return s.connected.Load() }

// SendMessage posts text to the named room and returns the server's echo.
func (s *Session) SendMessage(ctx context.Context, room, text string) (Message, error) {
	return await(ctx, s.loop, func(done func(Message, error)) {
		r, err := s.lookup(room)
		if err != nil {
			done(Message{}, err)
			return
		}
		if r.state == StreamClosed {
			done(Message{}, ErrRoomClosed)
			return
		}
		r.send(text, done)
	})
}

// SetCheckpoint overrides and persists the checkpoint of a room. While
// connected the room must be known; while disconnected the value is only
// persisted and applies on the next Connect.
func (s *Session) SetCheckpoint(ctx context.Context, room, id string) error {
	if room == "" || id == "" {
		return errors.New("chat: room and message id are required")
	}
	var lookupErr error
	if err := s.loop.Call(ctx, func() {
		r, err := s.lookup(room)
		if err != nil {
			lookupErr = err
			return
		}
		r.setCheckpoint(id)
	}); err != nil {
		return err
	}
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotConnected) {
		return lookupErr
	}
	if err := s.rt.checkpoints.Save(ctx, room, id); err != nil {
		s.rt.log.Warn("checkpoint save failed", slog.String("room", room), slog.Any("err", err))
		telemetry.IncReason(telemetry.CheckpointErrors, "save")
		return err
	}
	return nil
}

// Backfill fetches history for a room and returns how many messages were new.
func (s *Session) Backfill(ctx context.Context, room string, q gitterapi.HistoryQuery) (int, error) {
	return await(ctx, s.loop, func(done func(int, error)) {
		r, err := s.lookup(room)
		if err != nil {
			done(0, err)
			return
		}
		r.backfill(q, done)
	})
}

// Rooms returns snapshots of every known room, sorted by name.
func (s *Session) Rooms(ctx context.Context) ([]RoomSnapshot, error) {
	var out []RoomSnapshot
	err := s.loop.Call(ctx, func() {
		if s.dir == nil {
			return
		}
		for _, name := range s.dir.Names() {
			r, _ := s.dir.Room(name)
			out = append(out, r.snapshot())
		}
	})
	return out, err
}

// Room returns a snapshot of one room.
func (s *Session) Room(ctx context.Context, name string) (RoomSnapshot, error) {
	var (
		out RoomSnapshot
		err error
	)
	if callErr := s.loop.Call(ctx, func() {
		var r *Room
		if r, err = s.lookup(name); err == nil {
			out = r.snapshot()
		}
	}); callErr != nil {
		return RoomSnapshot{}, callErr
	}
	return out, err
}

// Messages returns a room's stored messages, oldest first.
func (s *Session) Messages(ctx context.Context, room string) ([]Message, error) {
	var (
		out []Message
		err error
	)
	if callErr := s.loop.Call(ctx, func() {
		var r *Room
		if r, err = s.lookup(room); err == nil {
			out = r.store.Messages()
		}
	}); callErr != nil {
		return nil, callErr
	}
	return out, err
}

// User returns the account verified at connect, if any.
func (s *Session) User(ctx context.Context) (gitterapi.User, error) {
	var u gitterapi.User
	err := s.loop.Call(ctx, func() { u = s.user })
	return u, err
}

// caller runs on the loop
func (s *Session) lookup(name string) (*Room, error) {
	if s.state != stateConnected {
		return nil, ErrNotConnected
	}
	r, ok := s.dir.Room(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoom, name)
	}
	return r, nil
}

// await starts an asynchronous loop operation and waits for its callback.
func await[T any](ctx context.Context, l *Loop, start func(done func(T, error))) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	ch := make(chan result, 1)
	if err := l.Call(ctx, func() {
		start(func(v T, err error) { ch <- result{v, err} })
	}); err != nil {
		return zero, err
	}
	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-l.Done():
		select {
		case res := <-ch:
			return res.v, res.err
		default:
			return zero, ErrLoopClosed
		}
	}
}
