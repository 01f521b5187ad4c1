package chat

import (
	"fmt"
	"time"

	"github.com/onnwee/glitter/gitterapi"
)

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a stored chat message.
type Message struct {
	ID       string     `json:"id"`
	Text     string     `json:"text"`
	HTML     string     `json:"html,omitempty"`
	Sent     time.Time  `json:"sent"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
	From     Sender     `json:"fromUser"`
	Unread   bool       `json:"unread"`
	ReadBy   int        `json:"readBy"`
	Mentions []string   `json:"mentions,omitempty"`
	URLs     []string   `json:"urls,omitempty"`
	Version  int        `json:"v,omitempty"`
}

// after reports whether m sorts after o: later sent time, ties broken by id.
func (m *Message) after(o *Message) bool {
	if !m.Sent.Equal(o.Sent) {
		return m.Sent.After(o.Sent)
	}
	return m.ID > o.ID
}

func messageFromWire(w gitterapi.Message) Message {
	m := Message{
		ID:      w.ID,
		Text:    w.Text,
		HTML:    w.HTML,
		Sent:    w.Sent.UTC(),
		Unread:  w.Unread,
		ReadBy:  w.ReadBy,
		Version: w.V,
		From: Sender{
			ID:          w.FromUser.ID,
			Username:    w.FromUser.Username,
			DisplayName: w.FromUser.DisplayName,
			AvatarURL:   w.FromUser.AvatarURL,
		},
	}
	if w.EditedAt != nil {
		t := w.EditedAt.UTC()
		m.EditedAt = &t
	}
	for _, mention := range w.Mentions {
		if mention.ScreenName != "" {
			m.Mentions = append(m.Mentions, mention.ScreenName)
		}
	}
	for _, u := range w.URLs {
		if u.URL != "" {
			m.URLs = append(m.URLs, u.URL)
		}
	}
	return m
}

// Member is one user listed on a room.
type Member struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// StreamState is the lifecycle state of a room's live stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamStreaming
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamStreaming:
		return "streaming"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s StreamState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *StreamState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StreamIdle
	case "connecting":
		*s = StreamConnecting
	case "streaming":
		*s = StreamStreaming
	case "reconnecting":
		*s = StreamReconnecting
	case "closed":
		*s = StreamClosed
	default:
		return fmt.Errorf("chat: unknown stream state %q", b)
	}
	return nil
}

// RoomSnapshot is a copy of a room's metadata and progress, safe to hand to
// other goroutines.
type RoomSnapshot struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Topic          string      `json:"topic,omitempty"`
	URI            string      `json:"uri,omitempty"`
	OneToOne       bool        `json:"oneToOne"`
	Members        []Member    `json:"members,omitempty"`
	UserCount      int         `json:"userCount"`
	UnreadItems    int         `json:"unreadItems"`
	Mentions       int         `json:"mentions"`
	LastAccessTime *time.Time  `json:"lastAccessTime,omitempty"`
	Lurk           bool        `json:"lurk"`
	URL            string      `json:"url,omitempty"`
	GithubType     string      `json:"githubType,omitempty"`
	Version        int         `json:"v,omitempty"`
	Stream         StreamState `json:"stream"`
	Reconnects     int         `json:"reconnects"`
	Checkpoint     string      `json:"checkpoint,omitempty"`
	MessageCount   int         `json:"messageCount"`
	Earliest       string      `json:"earliest,omitempty"`
	Latest         string      `json:"latest,omitempty"`
}
