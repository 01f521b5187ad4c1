package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/glitter/chat"
)

// Event is one entry of a room's live feed.
type Event struct {
	Type    string       `json:"type"` // message | edit
	Room    string       `json:"room"`
	Message chat.Message `json:"message"`
}

// Subscription receives a room's events until Close.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	room string
	b    *Broadcaster
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.b.remove(s) }

// Broadcaster is a chat.Handler that fans message events out to live
// subscribers. Slow subscribers miss events rather than stall the session.
type Broadcaster struct {
	chat.NopHandler

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buf    int
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to buf
// events (<= 0 means 64).
func NewBroadcaster(buf int) *Broadcaster {
	if buf <= 0 {
		buf = 64
	}
	return &Broadcaster{subs: make(map[string]map[*Subscription]struct{}), buf: buf}
}

// Subscribe registers for a room's events. It returns nil once the
// broadcaster is closed.
func (b *Broadcaster) Subscribe(room string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	ch := make(chan Event, b.buf)
	s := &Subscription{C: ch, ch: ch, room: room, b: b}
	if b.subs[room] == nil {
		b.subs[room] = make(map[*Subscription]struct{})
	}
	b.subs[room][s] = struct{}{}
	return s
}

// Subscribers returns how many subscriptions a room has.
func (b *Broadcaster) Subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[room])
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.room]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.room)
	}
	close(s.ch)
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			close(s.ch)
		}
	}
	b.subs = nil
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[ev.Room] {
		select {
		case s.ch <- ev:
		default:
			slog.Debug("event subscriber lagging; dropping event", slog.String("room", ev.Room), slog.String("id", ev.Message.ID))
		}
	}
}

func (b *Broadcaster) MessageObserved(room string, m chat.Message) {
	b.publish(Event{Type: "message", Room: room, Message: m})
}

func (b *Broadcaster) MessageEdited(room string, m chat.Message) {
	b.publish(Event{Type: "edit", Room: room, Message: m})
}

// keepAliveInterval spaces comment lines on idle event streams.
var keepAliveInterval = 15 * time.Second

// HandleEvents streams a room's new and edited messages as Server-Sent Events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		http.Error(w, "live events not enabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	room := r.PathValue("name")
	if _, err := h.deps.Session.Room(r.Context(), room); err != nil {
		writeError(w, r, err)
		return
	}
	sub := h.deps.Events.Subscribe(room)
	if sub == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to encode SSE event", slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.Message.ID, ev.Type, data); err != nil {
				slog.Warn("failed to write SSE event", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}
