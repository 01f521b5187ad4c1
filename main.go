// Command glitter is the chat room ingestion service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the checkpoint store (YAML file, Postgres or Redis) and, when
//     archiving is enabled, connects to Postgres and runs migrations.
//   - Connects a chat session that backfills and streams every joined room.
//   - Exposes an HTTP server with /healthz, /readyz, /metrics and room endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM: checkpoints are saved before exit.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"

	"github.com/onnwee/glitter/archive"
	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/checkpoint"
	"github.com/onnwee/glitter/config"
	"github.com/onnwee/glitter/db"
	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/server"
	"github.com/onnwee/glitter/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	if err := run(); err != nil {
		slog.Error("fatal", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("glitter", "1.0.0")
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var database *sql.DB
	if cfg.NeedsDatabase() {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			return err
		}
	}

	store, closeStore, err := openCheckpoints(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := gitterapi.NewClient(gitterapi.Config{
		APIURL:        cfg.GitterAPIURL,
		StreamURL:     cfg.GitterStreamURL,
		Token:         gitterapi.StaticToken(cfg.GitterToken),
		MaxConcurrent: cfg.MaxConcurrentRequests,
	})
	if err != nil {
		return err
	}

	events := server.NewBroadcaster(0)
	handlers := chat.MultiHandler{events}
	var recorder *archive.Recorder
	if cfg.ArchiveEnabled {
		recorder = archive.NewRecorder(archive.DBWriter{DB: database}, 0, slog.Default())
		recorder.Start(context.WithoutCancel(ctx))
		handlers = append(handlers, recorder)
	}

	sess := chat.NewSession(client, store, handlers, chat.Options{
		RefreshInterval: cfg.RoomRefreshInterval,
		BackfillLimit:   cfg.BackfillLimit,
		BackoffInitial:  cfg.StreamBackoffInitial,
		BackoffMax:      cfg.StreamBackoffMax,
	})

	if os.Getenv("ENABLE_PPROF") == "1" {
		go func() {
			pprofAddr := "localhost:6060"
			slog.Info("pprof enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{Addr: pprofAddr, ReadHeaderTimeout: 5 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx, cfg.HTTPAddr, server.Deps{
			Session:     sess,
			DB:          database,
			Checkpoints: checkpointPinger(store),
			Events:      events,
			AdminToken:  cfg.AdminToken,
		}); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	connectErr := connectWithRetry(ctx, sess, cfg.StreamBackoffInitial, cfg.StreamBackoffMax)
	if errors.Is(connectErr, gitterapi.ErrNotAuthenticated) {
		stop()
	}

	<-ctx.Done()
	slog.Info("shutting down")

	// Persist checkpoints before tearing the loop down.
	discCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Disconnect(discCtx); err != nil {
		slog.Error("disconnect finished with errors", slog.Any("err", err))
	}
	sess.Close()
	if recorder != nil {
		recorder.Close()
	}
	wg.Wait()
	if connectErr != nil && !errors.Is(connectErr, context.Canceled) {
		return connectErr
	}
	return nil
}

// connectWithRetry retries the initial connect with exponential backoff until
// it succeeds, the credential is rejected or ctx ends.
func connectWithRetry(ctx context.Context, sess *chat.Session, initial, maxInterval time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	for {
		err := sess.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, gitterapi.ErrNotAuthenticated) {
			slog.Error("credentials rejected; not retrying", slog.Any("err", err))
			return err
		}
		delay := b.NextBackOff()
		slog.Warn("connect failed; retrying", slog.Any("err", err), slog.Duration("in", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

var _ server.Pinger = (*checkpoint.RedisStore)(nil)

// checkpointPinger returns the store as a readiness check when the backend
// is a remote service (redis), nil otherwise.
func checkpointPinger(store checkpoint.Store) server.Pinger {
	if p, ok := store.(server.Pinger); ok {
		return p
	}
	return nil
}

// openCheckpoints builds the configured checkpoint backend.
func openCheckpoints(ctx context.Context, cfg *config.Config, database *sql.DB) (checkpoint.Store, func(), error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointPostgres:
		slog.Info("checkpoint backend", slog.String("backend", "postgres"))
		return checkpoint.NewPostgresStore(database), func() {}, nil
	case config.CheckpointRedis:
		slog.Info("checkpoint backend", slog.String("backend", "redis"), slog.String("addr", cfg.RedisAddr))
		rs, err := checkpoint.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		slog.Info("checkpoint backend", slog.String("backend", "file"), slog.String("path", cfg.CheckpointFile))
		return checkpoint.NewFileStore(cfg.CheckpointFile), func() {}, nil
	}
}
