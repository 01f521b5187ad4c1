package chat

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/telemetry"
)

// Directory maps room names to rooms. A refresh only adds rooms or updates
// their metadata; a Room is never replaced while the directory lives.
type Directory struct {
	rt    *runtime
	rooms map[string]*Room
	// closed is set by disconnectAll and halt; results of refreshes still
	// in flight are then discarded.
	closed bool
}

func newDirectory(rt *runtime) *Directory {
	return &Directory{rt: rt, rooms: make(map[string]*Room)}
}

// Room returns the room registered under name.
func (d *Directory) Room(name string) (*Room, bool) {
	r, ok := d.rooms[name]
	return r, ok
}

// Len is the number of known rooms.
func (d *Directory) Len() int { return len(d.rooms) }

// Names returns the room names in sorted order.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// refresh lists the account's rooms and reconciles them. On failure the
// directory is left exactly as it was. done, if set, runs on the loop.
func (d *Directory) refresh(done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}
	started := d.rt.loop.Go(func(ctx context.Context) func() {
		rooms, err := d.rt.api.ListRooms(ctx)
		return func() {
			if d.closed {
				d.rt.log.Debug("discarding room refresh after disconnect")
				finish(ErrDisconnected)
				return
			}
			if err != nil {
				d.rt.log.Warn("room refresh failed; keeping previous rooms", slog.Any("err", err), slog.Int("rooms", len(d.rooms)))
				telemetry.Inc(telemetry.RefreshFailures)
				if errors.Is(err, gitterapi.ErrNotAuthenticated) {
					d.rt.authFailed(err)
				}
				finish(err)
				return
			}
			d.apply(rooms)
			finish(nil)
		}
	})
	if !started {
		finish(ErrLoopClosed)
	}
}

func (d *Directory) apply(rooms []gitterapi.Room) {
	if d.closed {
		return
	}
	var joined []*Room
	for _, meta := range rooms {
		if meta.Name == "" || meta.ID == "" {
			d.rt.log.Debug("skipping room without id or name", slog.String("id", meta.ID))
			continue
		}
		if r, ok := d.rooms[meta.Name]; ok {
			r.updateMeta(meta)
			d.rt.handler.RoomUpdated(r.snapshot())
			continue
		}
		r := newRoom(d.rt, meta)
		d.rooms[meta.Name] = r
		joined = append(joined, r)
		d.rt.handler.RoomJoined(r.snapshot())
	}
	telemetry.SetRooms(len(d.rooms))
	d.rt.log.Debug("rooms refreshed", slog.Int("rooms", len(d.rooms)), slog.Int("joined", len(joined)))
	for _, r := range joined {
		r.start()
	}
}

// disconnectAll closes every room and returns the checkpoints to persist,
// keyed by room name.
func (d *Directory) disconnectAll() map[string]string {
	d.closed = true
	out := make(map[string]string, len(d.rooms))
	for name, r := range d.rooms {
		if id := r.disconnect(); id != "" {
			out[name] = id
		}
	}
	telemetry.SetRooms(0)
	return out
}

// halt closes every room's stream without collecting checkpoints.
func (d *Directory) halt() {
	d.closed = true
	for _, r := range d.rooms {
		r.close()
	}
}
