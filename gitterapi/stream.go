package gitterapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/glitter/telemetry"
)

const (
	streamReadSize = 32 << 10
	// MaxRecordSize bounds a single buffered stream record.
	MaxRecordSize = 1 << 20
)

// OpenStream opens the room's live message stream and blocks until it ends.
// onLine receives every complete line (keep-alives included, trimmed) in
// arrival order; the slice is owned by the callee.
//
// A clean close by the server or network returns nil: the service cycles
// these connections on purpose. Cancellation of ctx returns ctx.Err().
// Anything else is a *TransportError or *APIError.
func (c *Client) OpenStream(ctx context.Context, roomID string, onLine func([]byte)) (err error) {
	const op = "open_stream"
	ctx, span := telemetry.StartSpan(ctx, tracerName, op, telemetry.RoomAttr(roomID))
	defer func() {
		if err != nil && ctx.Err() == nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL+roomPath(roomID), nil)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(req); err != nil {
		return err
	}
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("failed to close stream body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var framer LineFramer
	buf := make([]byte, streamReadSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			dropped := framer.Dropped()
			for _, line := range framer.Feed(buf[:n]) {
				onLine(line)
			}
			for range framer.Dropped() - dropped {
				slog.Warn("dropped oversized stream record", slog.String("room", roomID), slog.Int("limit", MaxRecordSize))
				telemetry.Inc(telemetry.ProtocolErrors)
			}
		}
		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(readErr, io.EOF) {
			if rest := framer.Flush(); rest != nil {
				onLine(rest)
			}
			return nil
		}
		return &TransportError{Op: op, Err: readErr}
	}
}

// LineFramer splits a byte stream into newline-delimited records. A
// trailing partial record stays buffered until a later chunk completes it.
// A record that outgrows MaxRecordSize is dropped up to its terminating
// newline. The zero value is ready to use.
type LineFramer struct {
	pending    []byte
	dropped    int
	discarding bool
}

// Feed appends chunk and returns every record it completes, without the
// line terminator and surrounding whitespace. Returned slices are copies.
func (f *LineFramer) Feed(chunk []byte) [][]byte {
	if f.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil
		}
		f.discarding = false
		chunk = chunk[i+1:]
	}
	f.pending = append(f.pending, chunk...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(f.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.pending[:i])
		lines = append(lines, append([]byte(nil), line...))
		f.pending = f.pending[i+1:]
	}
	if len(f.pending) > MaxRecordSize {
		f.pending = nil
		f.dropped++
		f.discarding = true
	}
	if len(f.pending) == 0 {
		f.pending = nil
	}
	return lines
}

// Flush returns the buffered partial record, if any, and resets the framer.
// The tail of a dropped record is never returned.
func (f *LineFramer) Flush() []byte {
	rest := bytes.TrimSpace(f.pending)
	f.pending = nil
	f.discarding = false
	if len(rest) == 0 {
		return nil
	}
	return append([]byte(nil), rest...)
}

// Buffered returns the size of the incomplete record held back.
func (f *LineFramer) Buffered() int { return len(f.pending) }

// Dropped returns how many oversized records were discarded.
func (f *LineFramer) Dropped() int { return f.dropped }
