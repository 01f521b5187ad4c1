// Package server exposes the HTTP surface of the ingestion service: health,
// readiness, metrics, room snapshots, message send, checkpoint overrides, an
// archived history view and a live Server-Sent Events feed per room.
// Correlation IDs are injected into request contexts for consistent logging.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/telemetry"
)

// Session is the part of chat.Session the HTTP surface drives.
type Session interface {
	Connected() bool
	Rooms(ctx context.Context) ([]chat.RoomSnapshot, error)
	Room(ctx context.Context, name string) (chat.RoomSnapshot, error)
	Messages(ctx context.Context, room string) ([]chat.Message, error)
	SendMessage(ctx context.Context, room, text string) (chat.Message, error)
	SetCheckpoint(ctx context.Context, room, id string) error
	Backfill(ctx context.Context, room string, q gitterapi.HistoryQuery) (int, error)
}

// Deps are the collaborators of the HTTP handlers. DB and Events are
// optional; routes that need them answer 404 when absent.
type Deps struct {
	Session     Session
	DB          *sql.DB
	Checkpoints Pinger
	Events      *Broadcaster
	AdminToken  string
}

// Pinger is a backend that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
// Room names containing '/' must be percent-encoded in the path.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := &authConfig{adminToken: deps.AdminToken}
	if authCfg.adminToken == "" {
		slog.Warn("ADMIN_TOKEN not set - write endpoints are UNPROTECTED")
	}
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(deps)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.HandleFunc("GET /rooms", h.HandleRoomsList)
	mux.HandleFunc("GET /rooms/{name}", h.HandleRoom)
	mux.HandleFunc("GET /rooms/{name}/messages", h.HandleMessages)
	mux.HandleFunc("GET /rooms/{name}/events", h.HandleEvents)
	mux.HandleFunc("GET /rooms/{name}/archive", h.HandleArchive)

	protect := func(next http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(next, limiter), authCfg)
	}
	mux.Handle("POST /rooms/{name}/messages", protect(h.HandleSend))
	mux.Handle("PUT /rooms/{name}/checkpoint", protect(h.HandleSetCheckpoint))
	mux.Handle("POST /rooms/{name}/backfill", protect(h.HandleBackfill))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrapped, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, wrapped.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// WriteTimeout is left unset so event streams are not cut off.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if deps.Events != nil {
			deps.Events.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
