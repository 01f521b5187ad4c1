// Package gitterapi is the transport to a Gitter-style chat service: one-shot
// authenticated REST calls (room listing, history, message creation) and the
// long-lived per-room message stream of newline-delimited JSON records.
//
// Request URLs are built by concatenating the configured base URL with
// path-escaped segments so room ids never get double-encoded.
package gitterapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/onnwee/glitter/telemetry"
)

const (
	tracerName = "gitterapi"

	// maxResponseBytes caps one-shot response bodies.
	maxResponseBytes = 8 << 20
)

// Config holds configuration for creating a Client.
type Config struct {
	// APIURL is the REST base, e.g. "https://api.gitter.im/v1/".
	APIURL string
	// StreamURL is the streaming base, e.g. "https://stream.gitter.im/v1/".
	StreamURL string
	// Token supplies the bearer credential for every request.
	Token oauth2.TokenSource
	// HTTPClient is used for one-shot calls. If nil, a client with a 30s timeout is used.
	HTTPClient *http.Client
	// StreamHTTPClient is used for streams and must not set Timeout. If nil, http.DefaultClient is used.
	StreamHTTPClient *http.Client
	// MaxConcurrent bounds in-flight one-shot calls. Zero means 4.
	MaxConcurrent int
}

// Client talks to the chat service. It is safe for concurrent use.
type Client struct {
	apiURL     string
	streamURL  string
	tokens     oauth2.TokenSource
	httpClient *http.Client
	streamHTTP *http.Client
	slots      chan struct{}
}

// StaticToken wraps a supplied access token as a TokenSource.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == nil {
		return nil, fmt.Errorf("gitterapi: Token is required")
	}
	for name, raw := range map[string]string{"APIURL": cfg.APIURL, "StreamURL": cfg.StreamURL} {
		if raw == "" {
			return nil, fmt.Errorf("gitterapi: %s is required", name)
		}
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("gitterapi: invalid %s %q: %w", name, raw, err)
		}
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	sc := cfg.StreamHTTPClient
	if sc == nil {
		sc = http.DefaultClient
	}
	n := cfg.MaxConcurrent
	if n <= 0 {
		n = 4
	}
	return &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		streamURL:  strings.TrimRight(cfg.StreamURL, "/"),
		tokens:     cfg.Token,
		httpClient: hc,
		streamHTTP: sc,
		slots:      make(chan struct{}, n),
	}, nil
}

// ListRooms returns every room the account belongs to.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, "list_rooms", http.MethodGet, "/rooms", nil, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListMessages fetches one page of a room's history.
func (c *Client) ListMessages(ctx context.Context, roomID string, q HistoryQuery) ([]Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("gitterapi: roomID empty")
	}
	query := url.Values{}
	if q.Skip > 0 {
		query.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.BeforeID != "" {
		query.Set("beforeId", q.BeforeID)
	}
	if q.AfterID != "" {
		query.Set("afterId", q.AfterID)
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var msgs []Message
	if err := c.do(ctx, "list_messages", http.MethodGet, roomPath(roomID), query, nil, &msgs, telemetry.RoomAttr(roomID)); err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if err := m.validate(); err != nil {
			slog.Warn("dropping invalid history record", slog.String("room_id", roomID), slog.Any("err", err))
			telemetry.Inc(telemetry.ProtocolErrors)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage creates a message and returns the server's echo of it.
func (c *Client) SendMessage(ctx context.Context, roomID, text string) (Message, error) {
	if roomID == "" {
		return Message{}, fmt.Errorf("gitterapi: roomID empty")
	}
	var m Message
	body := struct {
		Text string `json:"text"`
	}{Text: text}
	if err := c.do(ctx, "send_message", http.MethodPost, roomPath(roomID), nil, body, &m, telemetry.RoomAttr(roomID)); err != nil {
		return Message{}, err
	}
	if err := m.validate(); err != nil {
		return Message{}, &ProtocolError{Record: "send echo", Err: err}
	}
	return m, nil
}

// CurrentUser returns the account the token belongs to. The service answers
// with a one-element array; a bare object is accepted too.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "current_user", http.MethodGet, "/user", nil, nil, &raw); err != nil {
		return User{}, err
	}
	var users []User
	if err := json.Unmarshal(raw, &users); err == nil {
		if len(users) == 0 {
			return User{}, fmt.Errorf("gitterapi: current user: empty response")
		}
		return users[0], nil
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return User{}, &ProtocolError{Record: string(raw), Err: err}
	}
	return u, nil
}

func roomPath(roomID string) string {
	return "/rooms/" + url.PathEscape(roomID) + "/chatMessages"
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.slots }

// authorize sets the Authorization header from the token source.
func (c *Client) authorize(req *http.Request) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrNotAuthenticated)
	}
	tok.SetAuthHeader(req)
	return nil
}

// do performs a one-shot request and decodes a 2xx JSON body into out.
// attrs are added to the request span.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any, attrs ...attribute.KeyValue) (err error) {
	if err := c.acquire(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer c.release()

	attrs = append(attrs, telemetry.HTTPMethodAttr(method), telemetry.HTTPRouteAttr(path))
	ctx, span := telemetry.StartSpan(ctx, tracerName, op, attrs...)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	start := time.Now()
	defer telemetry.ObserveRequest(op, start)

	reqURL := c.apiURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gitterapi: encode %s body: %w", op, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("gitterapi: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ProtocolError{Record: string(data), Err: err}
	}
	return nil
}
