package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/db"
	"github.com/onnwee/glitter/gitterapi"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// HandleRoomsList returns a snapshot of every known room.
func (h *Handlers) HandleRoomsList(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.deps.Session.Rooms(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []chat.RoomSnapshot{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// HandleRoom returns one room's snapshot.
func (h *Handlers) HandleRoom(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Session.Room(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleMessages returns a room's stored messages, oldest first. With
// ?limit=N only the newest N are returned.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.deps.Session.Messages(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if limit := parseIntQuery(r, "limit", 0); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendRequest struct {
	Text string `json:"text"`
}

// HandleSend posts a message to a room and returns the server's echo.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	m, err := h.deps.Session.SendMessage(r.Context(), r.PathValue("name"), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type checkpointRequest struct {
	ID string `json:"id"`
}

// HandleSetCheckpoint overrides a room's checkpoint.
func (h *Handlers) HandleSetCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if err := decodeBody(w, r, &req); err != nil || req.ID == "" {
		http.Error(w, "body must be {\"id\": \"<message id>\"}", http.StatusBadRequest)
		return
	}
	room := r.PathValue("name")
	if err := h.deps.Session.SetCheckpoint(r.Context(), room, req.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"room": room, "checkpoint": req.ID})
}

type backfillRequest struct {
	BeforeID string `json:"beforeId"`
	AfterID  string `json:"afterId"`
	Skip     int    `json:"skip"`
	Limit    int    `json:"limit"`
}

// HandleBackfill requests a page of history for a room. An empty body
// backfills from the room's checkpoint.
func (h *Handlers) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Skip < 0 || req.Limit < 0 || req.Limit > 100 {
		http.Error(w, "skip must be >= 0 and limit within 0..100", http.StatusBadRequest)
		return
	}
	n, err := h.deps.Session.Backfill(r.Context(), r.PathValue("name"), gitterapi.HistoryQuery{
		BeforeID: req.BeforeID,
		AfterID:  req.AfterID,
		Skip:     req.Skip,
		Limit:    req.Limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": n})
}

// HandleArchive returns archived messages for a room from Postgres.
// Params: since (RFC3339, optional), limit (default 100, max 1000).
func (h *Handlers) HandleArchive(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB == nil {
		http.Error(w, "archive not enabled", http.StatusNotFound)
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	snap, err := h.deps.Session.Room(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := db.ListMessages(r.Context(), h.deps.DB, snap.ID, since, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []db.ArchivedMessage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after json body")
	}
	return nil
}
