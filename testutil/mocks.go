package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockGitterServer is a test server that mocks the chat REST and stream endpoints.
// Handlers are keyed by "METHOD /path" and fall back to "/path".
type MockGitterServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	requests []RecordedRequest
}

// RecordedRequest captures what a handler received.
type RecordedRequest struct {
	Method        string
	Path          string
	Query         url.Values
	Authorization string
	Body          map[string]any
}

// NewMockGitterServer creates a new mock chat API server.
func NewMockGitterServer(t *testing.T) *MockGitterServer {
	t.Helper()
	m := &MockGitterServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.Query(),
			Authorization: r.Header.Get("Authorization"),
		}
		if r.Body != nil && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body) //nolint:errcheck // best-effort capture
		}
		m.mu.Lock()
		m.requests = append(m.requests, rec)
		handler, ok := m.Handlers[r.Method+" "+r.URL.Path]
		if !ok {
			handler, ok = m.Handlers[r.URL.Path]
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler under key ("METHOD /path" or "/path").
func (m *MockGitterServer) Handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[key] = h
}

// Requests returns a copy of every request received so far.
func (m *MockGitterServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestsTo returns the recorded requests for one method and path.
func (m *MockGitterServer) RequestsTo(method, path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// MockRooms adds a handler for the room listing.
func (m *MockGitterServer) MockRooms(rooms []map[string]any) {
	m.Handle("GET /rooms", jsonHandler(rooms))
}

// MockMessages adds a handler for a room's history endpoint.
func (m *MockGitterServer) MockMessages(roomID string, msgs []map[string]any) {
	m.Handle("GET /rooms/"+roomID+"/chatMessages", jsonHandler(msgs))
}

// MockSend adds a handler for message creation answering with echo.
func (m *MockGitterServer) MockSend(roomID string, echo map[string]any) {
	m.Handle("POST /rooms/"+roomID+"/chatMessages", jsonHandler(echo))
}

// MockCurrentUser adds a handler for the /user endpoint.
func (m *MockGitterServer) MockCurrentUser(id, username string) {
	m.Handle("GET /user", jsonHandler([]map[string]any{{"id": id, "username": username}}))
}

// MockStatus makes key answer with a bare status code.
func (m *MockGitterServer) MockStatus(key string, status int) {
	m.Handle(key, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"mock"}`))
	})
}

// MockStream adds a stream handler that writes each chunk, flushing in
// between, then closes the connection.
func (m *MockGitterServer) MockStream(roomID string, chunks ...string) {
	m.Handle("GET /rooms/"+roomID+"/chatMessages", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
}

func jsonHandler(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	}
}
