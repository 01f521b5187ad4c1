package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/gitterapi"
)

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

var admin = map[string]string{"X-Admin-Token": "s3cret"}

func TestRoomsEndpoints(t *testing.T) {
	sess := newFakeSession(
		chat.RoomSnapshot{ID: "r1", Name: "lobby", UserCount: 3},
		chat.RoomSnapshot{ID: "r2", Name: "org/repo"},
	)
	sess.msgs["lobby"] = []chat.Message{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	h := newTestMux(t, Deps{Session: sess, AdminToken: "s3cret"})

	t.Run("list", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/rooms", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var rooms []chat.RoomSnapshot
		if err := json.NewDecoder(rr.Body).Decode(&rooms); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(rooms) != 2 {
			t.Fatalf("expected 2 rooms, got %d", len(rooms))
		}
	})

	t.Run("room", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/rooms/lobby", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var snap map[string]any
		if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if snap["id"] != "r1" || snap["userCount"] != float64(3) {
			t.Fatalf("unexpected snapshot %v", snap)
		}
	})

	t.Run("escaped room name", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/rooms/org%2Frepo", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
		}
	})

	t.Run("unknown room", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/rooms/nope", "", nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("messages with limit", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/rooms/lobby/messages?limit=2", "", nil)
		var msgs []chat.Message
		if err := json.NewDecoder(rr.Body).Decode(&msgs); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(msgs) != 2 || msgs[0].ID != "b" || msgs[1].ID != "c" {
			t.Fatalf("expected newest two messages, got %+v", msgs)
		}
	})

	t.Run("empty messages encode as array", func(t *testing.T) {
		rr := do(t, h, http.MethodGet, "/rooms/org%2Frepo/messages", "", nil)
		if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
			t.Fatalf("expected [], got %q", got)
		}
	})
}

func TestSendEndpoint(t *testing.T) {
	sess := newFakeSession(chat.RoomSnapshot{ID: "r1", Name: "lobby"})
	h := newTestMux(t, Deps{Session: sess, AdminToken: "s3cret"})

	if rr := do(t, h, http.MethodPost, "/rooms/lobby/messages", `{"text":"hi"}`, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/rooms/lobby/messages", `{"text":"  "}`, admin); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/rooms/lobby/messages", `{"txt":"hi"}`, admin); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}

	rr := do(t, h, http.MethodPost, "/rooms/lobby/messages", `{"text":"hello"}`, map[string]string{"Authorization": "Bearer s3cret"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var m chat.Message
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.ID != "s1" || m.Text != "hello" {
		t.Fatalf("unexpected echo %+v", m)
	}

	sess.sendErr = &gitterapi.APIError{Op: "send_message", StatusCode: http.StatusInternalServerError}
	if rr := do(t, h, http.MethodPost, "/rooms/lobby/messages", `{"text":"again"}`, admin); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for upstream failure, got %d", rr.Code)
	}
}

func TestCheckpointEndpoint(t *testing.T) {
	sess := newFakeSession(chat.RoomSnapshot{ID: "r1", Name: "lobby"})
	h := newTestMux(t, Deps{Session: sess, AdminToken: "s3cret"})

	if rr := do(t, h, http.MethodPut, "/rooms/lobby/checkpoint", `{}`, admin); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodPut, "/rooms/lobby/checkpoint", `{"id":"m42"}`, admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := sess.checkpoints["lobby"]; got != "m42" {
		t.Fatalf("expected checkpoint m42, got %q", got)
	}
	if rr := do(t, h, http.MethodPut, "/rooms/nope/checkpoint", `{"id":"m1"}`, admin); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", rr.Code)
	}
	if _, ok := sess.checkpoints["nope"]; ok {
		t.Fatal("checkpoint stored for unknown room")
	}
}

func TestBackfillEndpoint(t *testing.T) {
	sess := newFakeSession(chat.RoomSnapshot{ID: "r1", Name: "lobby"})
	h := newTestMux(t, Deps{Session: sess, AdminToken: "s3cret"})

	rr := do(t, h, http.MethodPost, "/rooms/lobby/backfill", "", admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"added":3}` {
		t.Fatalf("unexpected body %q", got)
	}
	rr = do(t, h, http.MethodPost, "/rooms/lobby/backfill", `{"beforeId":"m9","limit":20}`, admin)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(sess.backfills) != 2 {
		t.Fatalf("expected 2 backfills, got %d", len(sess.backfills))
	}
	if q := sess.backfills[1]; q.BeforeID != "m9" || q.Limit != 20 {
		t.Fatalf("unexpected query %+v", q)
	}
	if rr := do(t, h, http.MethodPost, "/rooms/lobby/backfill", `{"limit":500}`, admin); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized limit, got %d", rr.Code)
	}
}

func TestArchiveWithoutDatabase(t *testing.T) {
	h := newTestMux(t, Deps{})
	if rr := do(t, h, http.MethodGet, "/rooms/lobby/archive", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: %q", chat.ErrUnknownRoom, "x"), http.StatusNotFound},
		{chat.ErrNotConnected, http.StatusServiceUnavailable},
		{chat.ErrLoopClosed, http.StatusServiceUnavailable},
		{chat.ErrRoomClosed, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{&gitterapi.TransportError{Op: "send_message", Err: errors.New("reset")}, http.StatusBadGateway},
		{&gitterapi.APIError{Op: "send_message", StatusCode: http.StatusForbidden}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.code {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}
