package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// statusFor maps session and upstream errors onto response codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnknownRoom):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrNotConnected), errors.Is(err, chat.ErrDisconnected), errors.Is(err, chat.ErrLoopClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrRoomClosed):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if gitterapi.Classify(err) != gitterapi.ErrorClassUnknown {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		telemetry.LoggerWithCorr(r.Context()).Warn("request failed", slog.String("path", r.URL.Path), slog.Int("status", code), slog.Any("err", err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
