package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/gitterapi"
)

// fakeSession is an in-memory Session.
type fakeSession struct {
	mu          sync.Mutex
	connected   bool
	rooms       map[string]chat.RoomSnapshot
	msgs        map[string][]chat.Message
	sendErr     error
	sent        []string
	checkpoints map[string]string
	backfills   []gitterapi.HistoryQuery
}

func newFakeSession(rooms ...chat.RoomSnapshot) *fakeSession {
	f := &fakeSession{
		connected:   true,
		rooms:       make(map[string]chat.RoomSnapshot),
		msgs:        make(map[string][]chat.Message),
		checkpoints: make(map[string]string),
	}
	for _, r := range rooms {
		f.rooms[r.Name] = r
	}
	return f
}

func (f *fakeSession) lookup(name string) (chat.RoomSnapshot, error) {
	if !f.connected {
		return chat.RoomSnapshot{}, chat.ErrNotConnected
	}
	r, ok := f.rooms[name]
	if !ok {
		return chat.RoomSnapshot{}, fmt.Errorf("%w: %q", chat.ErrUnknownRoom, name)
	}
	return r, nil
}

func (f *fakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSession) Rooms(context.Context) ([]chat.RoomSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, nil
	}
	var out []chat.RoomSnapshot
	for _, r := range f.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeSession) Room(_ context.Context, name string) (chat.RoomSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(name)
}

func (f *fakeSession) Messages(_ context.Context, room string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(room); err != nil {
		return nil, err
	}
	return f.msgs[room], nil
}

func (f *fakeSession) SendMessage(_ context.Context, room, text string) (chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(room); err != nil {
		return chat.Message{}, err
	}
	if f.sendErr != nil {
		return chat.Message{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return chat.Message{ID: fmt.Sprintf("s%d", len(f.sent)), Text: text}, nil
}

func (f *fakeSession) SetCheckpoint(_ context.Context, room, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(room); err != nil && !errors.Is(err, chat.ErrNotConnected) {
		return err
	}
	f.checkpoints[room] = id
	return nil
}

// fakePinger is a Pinger with a fixed answer.
type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func (f *fakeSession) Backfill(_ context.Context, room string, q gitterapi.HistoryQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(room); err != nil {
		return 0, err
	}
	f.backfills = append(f.backfills, q)
	return 3, nil
}

func (f *fakeSession) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}
