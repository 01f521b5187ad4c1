package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/glitter/checkpoint"
	"github.com/onnwee/glitter/clock"
	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/telemetry"
)

// Transport is the upstream API a session drives. *gitterapi.Client
// satisfies it.
type Transport interface {
	CurrentUser(ctx context.Context) (gitterapi.User, error)
	ListRooms(ctx context.Context) ([]gitterapi.Room, error)
	ListMessages(ctx context.Context, roomID string, q gitterapi.HistoryQuery) ([]gitterapi.Message, error)
	SendMessage(ctx context.Context, roomID, text string) (gitterapi.Message, error)
	// OpenStream blocks for the life of one stream connection, calling
	// onLine for each line. It returns nil when the connection ends cleanly.
	OpenStream(ctx context.Context, roomID string, onLine func([]byte)) error
}

// runtime is what rooms and the directory share with their session.
type runtime struct {
	loop        *Loop
	api         Transport
	checkpoints checkpoint.Store
	handler     Handler
	clock       clock.Clock
	log         *slog.Logger
	opts        Options
	// authFailed is called on the loop when the credential is rejected.
	authFailed func(error)
}

// Room owns one room's metadata, message store, checkpoint and live stream.
// All methods run on the session loop.
type Room struct {
	rt         *runtime
	log        *slog.Logger
	meta       gitterapi.Room
	store      *MessageStore
	checkpoint string

	state      StreamState
	gen        uint64 // bumped on every stream open and on close; stale callbacks compare against it
	cancel     context.CancelFunc
	retry      clock.Timer
	backoff    *backoff.ExponentialBackOff
	gotData    bool
	reconnects int
}

func newRoom(rt *runtime, meta gitterapi.Room) *Room {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rt.opts.BackoffInitial
	b.MaxInterval = rt.opts.BackoffMax
	b.Reset()
	return &Room{
		rt:      rt,
		log:     rt.log.With(slog.String("room", meta.Name)),
		meta:    meta,
		store:   NewMessageStore(),
		backoff: b,
	}
}

// start loads the checkpoint, backfills from it and opens the stream.
func (r *Room) start() {
	r.loadCheckpoint(func() {
		r.backfill(gitterapi.HistoryQuery{}, nil)
		r.startStream()
	})
}

// updateMeta replaces the metadata fields only; messages, checkpoint and
// stream are left alone.
func (r *Room) updateMeta(meta gitterapi.Room) {
	meta.Name = r.meta.Name
	r.meta = meta
}

// loadCheckpoint reads the persisted checkpoint and then runs next on the
// loop. A failed read is logged and the room carries on without it.
func (r *Room) loadCheckpoint(next func()) {
	name, gen := r.meta.Name, r.gen
	r.rt.loop.Go(func(ctx context.Context) func() {
		id, err := r.rt.checkpoints.Load(ctx, name)
		return func() {
			if r.state == StreamClosed || r.gen != gen {
				return
			}
			if err != nil {
				r.log.Warn("checkpoint load failed; continuing without it", slog.Any("err", err))
				telemetry.IncReason(telemetry.CheckpointErrors, "load")
			} else if id != "" {
				r.checkpoint = id
			}
			next()
		}
	})
}

// setCheckpoint overrides the in-memory checkpoint. Persisting is the
// caller's job.
func (r *Room) setCheckpoint(id string) {
	r.checkpoint = id
}

// backfill fetches history and stores it. Limit defaults to the configured
// backfill limit; when neither AfterID nor BeforeID is set, AfterID defaults
// to the checkpoint. done, if set, receives the number of new messages.
func (r *Room) backfill(q gitterapi.HistoryQuery, done func(int, error)) {
	if q.Limit <= 0 {
		q.Limit = r.rt.opts.BackfillLimit
	}
	if q.AfterID == "" && q.BeforeID == "" {
		q.AfterID = r.checkpoint
	}
	roomID := r.meta.ID
	finish := func(n int, err error) {
		if done != nil {
			done(n, err)
		}
	}
	started := r.rt.loop.Go(func(ctx context.Context) func() {
		msgs, err := r.rt.api.ListMessages(ctx, roomID, q)
		return func() {
			if err != nil {
				r.log.Warn("backfill failed", slog.Any("err", err), slog.String("after_id", q.AfterID))
				telemetry.Inc(telemetry.BackfillFailures)
				if errors.Is(err, gitterapi.ErrNotAuthenticated) {
					r.rt.authFailed(err)
				}
				finish(0, err)
				return
			}
			if r.state == StreamClosed {
				finish(0, ErrRoomClosed)
				return
			}
			n := 0
			for _, w := range msgs {
				if r.ingest(messageFromWire(w)) {
					n++
				}
			}
			r.log.Debug("backfill complete", slog.Int("received", len(msgs)), slog.Int("new", n))
			finish(n, nil)
		}
	})
	if !started {
		finish(0, ErrLoopClosed)
	}
}

// send creates a message; the server's echo goes through the store like any
// other message so the same id arriving on the stream is a duplicate.
func (r *Room) send(text string, done func(Message, error)) {
	roomID := r.meta.ID
	started := r.rt.loop.Go(func(ctx context.Context) func() {
		w, err := r.rt.api.SendMessage(ctx, roomID, text)
		return func() {
			if err != nil {
				r.log.Warn("send failed", slog.Any("err", err))
				if errors.Is(err, gitterapi.ErrNotAuthenticated) {
					r.rt.authFailed(err)
				}
				done(Message{}, err)
				return
			}
			m := messageFromWire(w)
			if r.state != StreamClosed {
				r.ingest(m)
			}
			telemetry.Inc(telemetry.MessagesSent)
			r.rt.handler.MessageSent(r.meta.Name, m)
			done(m, nil)
		}
	})
	if !started {
		done(Message{}, ErrLoopClosed)
	}
}

// ingest stores m and emits the matching events. It reports whether m was new.
func (r *Room) ingest(m Message) bool {
	res := r.store.Upsert(m)
	if !res.Inserted {
		if r.store.Edit(m) {
			telemetry.Inc(telemetry.MessagesEdited)
			edited, _ := r.store.Get(m.ID)
			r.rt.handler.MessageEdited(r.meta.Name, edited)
		} else {
			telemetry.Inc(telemetry.MessagesDuplicate)
		}
		return false
	}
	telemetry.Inc(telemetry.MessagesObserved)
	r.rt.handler.MessageObserved(r.meta.Name, m)
	if res.NewLatest {
		r.rt.handler.BoundaryChanged(r.meta.Name, BoundaryLatest, m.ID)
	}
	if res.NewEarliest {
		r.rt.handler.BoundaryChanged(r.meta.Name, BoundaryEarliest, m.ID)
	}
	return true
}

// disconnect closes the stream and returns the id to persist as the new
// checkpoint, or "" when the room has nothing stored.
func (r *Room) disconnect() string {
	r.close()
	return r.store.Latest()
}

func (r *Room) snapshot() RoomSnapshot {
	s := RoomSnapshot{
		ID:             r.meta.ID,
		Name:           r.meta.Name,
		Topic:          r.meta.Topic,
		URI:            r.meta.URI,
		OneToOne:       r.meta.OneToOne,
		UserCount:      r.meta.UserCount,
		UnreadItems:    r.meta.UnreadItems,
		Mentions:       r.meta.Mentions,
		LastAccessTime: r.meta.LastAccessTime,
		Lurk:           r.meta.Lurk,
		URL:            r.meta.URL,
		GithubType:     r.meta.GithubType,
		Version:        r.meta.V,
		Stream:         r.state,
		Reconnects:     r.reconnects,
		Checkpoint:     r.checkpoint,
		MessageCount:   r.store.Len(),
		Earliest:       r.store.Earliest(),
		Latest:         r.store.Latest(),
	}
	for _, u := range r.meta.Users {
		s.Members = append(s.Members, Member{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
	}
	return s
}
