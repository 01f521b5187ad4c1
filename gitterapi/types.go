package gitterapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// User is the sender or member representation shared by rooms and messages.
type User struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	DisplayName     string `json:"displayName"`
	URL             string `json:"url"`
	AvatarURL       string `json:"avatarUrl"`
	AvatarURLSmall  string `json:"avatarUrlSmall"`
	AvatarURLMedium string `json:"avatarUrlMedium"`
	V               int    `json:"v"`
}

// Room is one entry of the room listing.
type Room struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Topic          string     `json:"topic"`
	URI            string     `json:"uri"`
	OneToOne       bool       `json:"oneToOne"`
	Users          []User     `json:"users"`
	UserCount      int        `json:"userCount"`
	UnreadItems    int        `json:"unreadItems"`
	Mentions       int        `json:"mentions"`
	LastAccessTime *time.Time `json:"lastAccessTime"`
	Lurk           bool       `json:"lurk"`
	URL            string     `json:"url"`
	GithubType     string     `json:"githubType"`
	V              int        `json:"v"`
}

// Mention references a user named in a message.
type Mention struct {
	ScreenName string   `json:"screenName"`
	UserID     string   `json:"userId"`
	UserIDs    []string `json:"userIds"`
}

// Link is a URL found in a message body.
type Link struct {
	URL string `json:"url"`
}

// Issue is an issue reference found in a message body.
type Issue struct {
	Number string `json:"number"`
}

// Message is a chat message as delivered by history, send and stream endpoints.
type Message struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	HTML     string          `json:"html"`
	Sent     time.Time       `json:"sent"`
	EditedAt *time.Time      `json:"editedAt"`
	FromUser User            `json:"fromUser"`
	Unread   bool            `json:"unread"`
	ReadBy   int             `json:"readBy"`
	URLs     []Link          `json:"urls"`
	Mentions []Mention       `json:"mentions"`
	Issues   []Issue         `json:"issues"`
	Meta     json.RawMessage `json:"meta"`
	V        int             `json:"v"`
}

// validate enforces the fields every stored message needs.
func (m *Message) validate() error {
	if m.ID == "" {
		return errors.New("message without id")
	}
	if m.Sent.IsZero() {
		return errors.New("message without sent timestamp")
	}
	return nil
}

// DecodeMessage parses one stream record. Unknown fields are ignored; a
// record that is not a JSON object, or lacks id or sent, is a *ProtocolError.
func DecodeMessage(line []byte) (Message, error) {
	var m Message
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return m, &ProtocolError{Record: string(line), Err: errors.New("empty record")}
	}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Message{}, &ProtocolError{Record: string(trimmed), Err: err}
	}
	if err := m.validate(); err != nil {
		return Message{}, &ProtocolError{Record: string(trimmed), Err: err}
	}
	return m, nil
}

// HistoryQuery holds the pagination parameters of the chat history endpoint.
// Zero values are omitted from the request.
type HistoryQuery struct {
	Skip     int
	BeforeID string
	AfterID  string
	Limit    int
}
