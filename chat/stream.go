package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/glitter/gitterapi"
	"github.com/onnwee/glitter/telemetry"
)

// Stream lifecycle:
//
//	Idle -> Connecting -> Streaming <-> Reconnecting -> Connecting ...
//	any state -> Closed (disconnect or rejected credential)
//
// A clean end after data arrived reopens at once. An error, or an end
// without any data, reopens after the room's backoff, which resets as soon
// as a connection delivers a line.

func (r *Room) setState(s StreamState) {
	if r.state == s {
		return
	}
	r.log.Debug("stream state", slog.String("from", r.state.String()), slog.String("to", s.String()))
	r.state = s
}

// startStream opens a new stream connection unless the room is closed.
func (r *Room) startStream() {
	if r.state == StreamClosed {
		return
	}
	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(r.rt.loop.Context())
	r.cancel = cancel
	r.gotData = false
	r.setState(StreamConnecting)

	loop, roomID := r.rt.loop, r.meta.ID
	started := loop.Go(func(context.Context) func() {
		err := r.rt.api.OpenStream(ctx, roomID, func(line []byte) {
			loop.Post(func() { r.streamLine(gen, line) })
		})
		return func() { r.streamEnded(gen, err) }
	})
	if !started {
		cancel()
	}
}

func (r *Room) streamLine(gen uint64, line []byte) {
	if gen != r.gen || r.state == StreamClosed {
		return
	}
	if r.state == StreamConnecting {
		r.setState(StreamStreaming)
		telemetry.StreamConnected(true)
		r.backoff.Reset()
	}
	r.gotData = true
	if len(line) == 0 {
		return // keep-alive
	}
	r.onStreamRecord(line)
}

// onStreamRecord stores one stream record. Malformed records are dropped
// and the connection carries on.
func (r *Room) onStreamRecord(line []byte) {
	w, err := gitterapi.DecodeMessage(line)
	if err != nil {
		telemetry.Inc(telemetry.ProtocolErrors)
		r.log.Debug("dropping malformed stream record", slog.Any("err", err))
		return
	}
	r.ingest(messageFromWire(w))
}

func (r *Room) streamEnded(gen uint64, err error) {
	if gen != r.gen || r.state == StreamClosed {
		return
	}
	if errors.Is(err, gitterapi.ErrNotAuthenticated) {
		r.log.Error("stream rejected credentials", slog.Any("err", err))
		r.close()
		r.rt.authFailed(err)
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.state == StreamStreaming {
		telemetry.StreamConnected(false)
	}

	var delay time.Duration
	reason := "end"
	switch {
	case err != nil:
		reason = "error"
		delay = r.backoff.NextBackOff()
		r.log.Warn("stream failed; reconnecting", slog.Any("err", err), slog.Duration("backoff", delay))
	case !r.gotData:
		reason = "empty"
		delay = r.backoff.NextBackOff()
		r.log.Debug("stream ended without data; reconnecting", slog.Duration("backoff", delay))
	default:
		r.log.Debug("stream ended; reopening")
	}
	r.setState(StreamReconnecting)
	r.reconnects++
	telemetry.IncReason(telemetry.StreamReconnects, reason)

	if delay <= 0 {
		r.reconnect()
		return
	}
	r.retry = r.rt.clock.AfterFunc(delay, func() {
		r.rt.loop.Post(func() {
			if gen != r.gen || r.state != StreamReconnecting {
				return
			}
			r.retry = nil
			r.reconnect()
		})
	})
}

// reconnect reloads the checkpoint, fills the gap since the newest stored
// message and reopens the stream.
func (r *Room) reconnect() {
	r.loadCheckpoint(func() {
		after := r.store.Latest()
		if after == "" {
			after = r.checkpoint
		}
		r.backfill(gitterapi.HistoryQuery{AfterID: after}, nil)
		r.startStream()
	})
}

// close aborts the stream and any pending reopen. Closed is terminal.
func (r *Room) close() {
	if r.state == StreamClosed {
		return
	}
	r.gen++
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.state == StreamStreaming {
		telemetry.StreamConnected(false)
	}
	r.setState(StreamClosed)
}
