package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onnwee/glitter/checkpoint"
	"github.com/onnwee/glitter/clock"
	"github.com/onnwee/glitter/gitterapi"
)

const waitFor = 2 * time.Second

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// wireMsg builds a history/stream record sent sec seconds after epoch.
func wireMsg(id string, sec int) gitterapi.Message {
	return gitterapi.Message{
		ID:       id,
		Text:     "msg " + id,
		Sent:     epoch.Add(time.Duration(sec) * time.Second),
		FromUser: gitterapi.User{ID: "u1", Username: "ann"},
	}
}

func recordLine(id string, sec int) string {
	return fmt.Sprintf(`{"id":%q,"text":"msg %s","sent":%q,"fromUser":{"id":"u1","username":"ann"}}`,
		id, id, epoch.Add(time.Duration(sec)*time.Second).Format(time.RFC3339Nano))
}

type historyCall struct {
	RoomID string
	Query  gitterapi.HistoryQuery
}

// fakeTransport is a scripted Transport. Streams are driven by the test
// through the fakeStream handles published on opened.
type fakeTransport struct {
	mu         sync.Mutex
	rooms      []gitterapi.Room
	roomsErr   error
	listCalls  int
	listGate   chan struct{} // when set, ListRooms waits for it after counting
	userErr    error
	history    func(roomID string, q gitterapi.HistoryQuery) ([]gitterapi.Message, error)
	calls      []historyCall
	sendEcho   gitterapi.Message
	sendErr    error
	sendTexts  []string
	opened     chan *fakeStream
	openCounts map[string]int
}

func newFakeTransport(rooms ...gitterapi.Room) *fakeTransport {
	return &fakeTransport{
		rooms:      rooms,
		opened:     make(chan *fakeStream, 64),
		openCounts: make(map[string]int),
	}
}

func (f *fakeTransport) CurrentUser(context.Context) (gitterapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return gitterapi.User{}, f.userErr
	}
	return gitterapi.User{ID: "me", Username: "me"}, nil
}

func (f *fakeTransport) ListRooms(ctx context.Context) ([]gitterapi.Room, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomsErr != nil {
		return nil, f.roomsErr
	}
	return slices.Clone(f.rooms), nil
}

// holdListRooms makes later ListRooms calls wait until release is called.
func (f *fakeTransport) holdListRooms() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.listGate = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeTransport) ListMessages(_ context.Context, roomID string, q gitterapi.HistoryQuery) ([]gitterapi.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, historyCall{RoomID: roomID, Query: q})
	history := f.history
	f.mu.Unlock()
	if history == nil {
		return nil, nil
	}
	return history(roomID, q)
}

func (f *fakeTransport) SendMessage(_ context.Context, _ string, text string) (gitterapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendTexts = append(f.sendTexts, text)
	return f.sendEcho, f.sendErr
}

func (f *fakeTransport) OpenStream(ctx context.Context, roomID string, onLine func([]byte)) error {
	st := &fakeStream{roomID: roomID, lines: make(chan streamLine), end: make(chan error, 1)}
	f.mu.Lock()
	f.openCounts[roomID]++
	f.mu.Unlock()
	f.opened <- st
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l := <-st.lines:
			onLine(l.data)
			close(l.ack)
		case err := <-st.end:
			return err
		}
	}
}

func (f *fakeTransport) setRooms(rooms ...gitterapi.Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = rooms
}

func (f *fakeTransport) setRoomsErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomsErr = err
}

func (f *fakeTransport) listRoomsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeTransport) historyCalls() []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeTransport) opens(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCounts[roomID]
}

// nextStream waits for the next OpenStream call.
func (f *fakeTransport) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case st := <-f.opened:
		return st
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a stream to open")
		return nil
	}
}

// noStream asserts no stream opens within a short window.
func (f *fakeTransport) noStream(t *testing.T) {
	t.Helper()
	select {
	case st := <-f.opened:
		t.Fatalf("unexpected stream opened for %s", st.roomID)
	case <-time.After(50 * time.Millisecond):
	}
}

type streamLine struct {
	data []byte
	ack  chan struct{}
}

type fakeStream struct {
	roomID string
	lines  chan streamLine
	end    chan error
}

// send delivers one line and returns once it has been handed to the loop.
func (s *fakeStream) send(t *testing.T, line string) {
	t.Helper()
	l := streamLine{data: []byte(line), ack: make(chan struct{})}
	select {
	case s.lines <- l:
	case <-time.After(waitFor):
		t.Fatal("stream is not reading")
	}
	<-l.ack
}

// finish ends the connection; nil is a clean end.
func (s *fakeStream) finish(err error) { s.end <- err }

// recorder is a Handler that keeps every event.
type recorder struct {
	mu       sync.Mutex
	events   []string
	observed map[string][]string // room -> ids
	sent     []string
	edited   []string
	failures []error
}

func newRecorder() *recorder { return &recorder{observed: make(map[string][]string)} }

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Connected()                    { r.add("connected") }
func (r *recorder) Disconnected()                 { r.add("disconnected") }
func (r *recorder) RoomJoined(room RoomSnapshot)  { r.add("joined:" + room.Name) }
func (r *recorder) RoomUpdated(room RoomSnapshot) { r.add("updated:" + room.Name) }

func (r *recorder) MessageObserved(room string, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[room] = append(r.observed[room], m.ID)
}

func (r *recorder) MessageSent(_ string, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m.ID)
}

func (r *recorder) MessageEdited(_ string, m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edited = append(r.edited, m.ID+":"+m.Text)
}

func (r *recorder) BoundaryChanged(room string, b Boundary, id string) {
	r.add(fmt.Sprintf("boundary:%s:%s:%s", room, b, id))
}

func (r *recorder) SessionFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) Observed(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.observed[room])
}

func (r *recorder) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

func (r *recorder) Edited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.edited)
}

func (r *recorder) Failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.failures)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, e := range r.Events() {
		if e == event {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	tr    *fakeTransport
	store checkpoint.Store
	rec   *recorder
	clock *clock.FakeClock
	sess  *Session
	ctx   context.Context
}

var lobby = gitterapi.Room{ID: "r1", Name: "lobby", Topic: "general chat", UserCount: 3}

func newHarness(t *testing.T, tr *fakeTransport, store checkpoint.Store) *harness {
	t.Helper()
	if store == nil {
		store = checkpoint.NewMemory(nil)
	}
	h := &harness{
		t:     t,
		tr:    tr,
		store: store,
		rec:   newRecorder(),
		clock: clock.Fake(epoch),
		ctx:   context.Background(),
	}
	h.sess = NewSession(tr, store, h.rec, Options{
		Clock:          h.clock,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		BackoffInitial: time.Second,
		BackoffMax:     4 * time.Second,
	})
	t.Cleanup(h.sess.Close)
	return h
}

// connect connects and waits for the named room's first stream.
func (h *harness) connect() *fakeStream {
	h.t.Helper()
	require.NoError(h.t, h.sess.Connect(h.ctx))
	return h.tr.nextStream(h.t)
}

func (h *harness) messageIDs(room string) []string {
	h.t.Helper()
	msgs, err := h.sess.Messages(h.ctx, room)
	require.NoError(h.t, err)
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func (h *harness) snapshot(room string) RoomSnapshot {
	h.t.Helper()
	snap, err := h.sess.Room(h.ctx, room)
	require.NoError(h.t, err)
	return snap
}

// eventually polls cond on the test goroutine.
func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, 5*time.Millisecond, msg)
}
