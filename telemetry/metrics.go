// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesObserved  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesEdited    prometheus.Counter
	MessagesSent      prometheus.Counter
	ProtocolErrors    prometheus.Counter
	BackfillFailures  prometheus.Counter
	RefreshFailures   prometheus.Counter
	StreamReconnects  *prometheus.CounterVec // reason=end|error
	CheckpointErrors  *prometheus.CounterVec // op=load|save
	ArchiveWritten    prometheus.Counter
	ArchiveDropped    prometheus.Counter

	// Histograms (seconds)
	RequestDuration *prometheus.HistogramVec // op=list_rooms|list_messages|send_message|current_user

	// Gauges
	ActiveStreams prometheus.Gauge
	RoomsGauge    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesObserved = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_messages_observed_total", Help: "Messages stored for the first time (backfill or stream)"})
		MessagesDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_messages_duplicate_total", Help: "Messages absorbed as duplicates of an already stored id"})
		MessagesEdited = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_messages_edited_total", Help: "Stored messages replaced by a newer edit"})
		MessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_messages_sent_total", Help: "Messages created through the send path"})
		ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_protocol_errors_total", Help: "Malformed stream or history records dropped"})
		BackfillFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_backfill_failures_total", Help: "Failed history backfill requests"})
		RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_refresh_failures_total", Help: "Failed room directory refreshes"})
		StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "glitter_stream_reconnects_total", Help: "Room stream reopen attempts by cause"}, []string{"reason"})
		CheckpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "glitter_checkpoint_errors_total", Help: "Checkpoint persistence failures by operation"}, []string{"op"})
		ArchiveWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_archive_written_total", Help: "Messages written to the archive table"})
		ArchiveDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "glitter_archive_dropped_total", Help: "Messages dropped because the archive queue was full"})
		RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "glitter_request_duration_seconds", Help: "Duration of one-shot API requests", Buckets: prometheus.DefBuckets}, []string{"op"})
		ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{Name: "glitter_streams_active", Help: "Room streams currently connected"})
		RoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "glitter_rooms", Help: "Rooms known to the directory"})
	})
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncReason increments the labeled counter if metrics are initialized.
func IncReason(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// SetRooms records the current directory size.
func SetRooms(n int) {
	if RoomsGauge != nil {
		RoomsGauge.Set(float64(n))
	}
}

// StreamConnected adjusts the active stream gauge by +1 (true) or -1 (false).
func StreamConnected(up bool) {
	if ActiveStreams == nil {
		return
	}
	if up {
		ActiveStreams.Inc()
	} else {
		ActiveStreams.Dec()
	}
}

// ObserveRequest records the duration of an API request started at start.
func ObserveRequest(op string, start time.Time) {
	if RequestDuration != nil {
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
