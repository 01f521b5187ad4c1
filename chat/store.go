package chat

import (
	"iter"
	"slices"
)

// UpsertResult describes what an Upsert changed.
type UpsertResult struct {
	Inserted    bool // false means the id was already stored
	NewLatest   bool
	NewEarliest bool
}

// MessageStore is the deduplicating message collection of one room.
//
// Messages are kept in (sent, id) order so that iteration and the boundary
// pointers depend only on the set of stored ids, not on the order in which
// backfill and the stream delivered them. A MessageStore is owned by the
// room's loop and is not safe for concurrent use.
type MessageStore struct {
	byID   map[string]*Message
	sorted []*Message
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]*Message)}
}

// Upsert stores m unless its id is already present. A stored message is
// never replaced or moved by Upsert; see Edit for the explicit update path.
func (s *MessageStore) Upsert(m Message) UpsertResult {
	if _, ok := s.byID[m.ID]; ok {
		return UpsertResult{}
	}
	stored := m
	i, _ := slices.BinarySearchFunc(s.sorted, &stored, compareMessages)
	s.sorted = slices.Insert(s.sorted, i, &stored)
	s.byID[m.ID] = &stored
	return UpsertResult{
		Inserted:    true,
		NewEarliest: i == 0,
		NewLatest:   i == len(s.sorted)-1,
	}
}

// Edit applies a newer edit of an already stored message: text, html,
// mentions, urls and editedAt are replaced while id, sent time and position
// stay put. It reports whether anything changed.
func (s *MessageStore) Edit(m Message) bool {
	cur, ok := s.byID[m.ID]
	if !ok || m.EditedAt == nil {
		return false
	}
	if cur.EditedAt != nil && !m.EditedAt.After(*cur.EditedAt) {
		return false
	}
	edited := *m.EditedAt
	cur.Text = m.Text
	cur.HTML = m.HTML
	cur.Mentions = m.Mentions
	cur.URLs = m.URLs
	cur.EditedAt = &edited
	return true
}

// Get returns the stored message with id.
func (s *MessageStore) Get(id string) (Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Len is the number of stored messages.
func (s *MessageStore) Len() int { return len(s.sorted) }

// Earliest returns the id of the oldest stored message, or "".
func (s *MessageStore) Earliest() string {
	if len(s.sorted) == 0 {
		return ""
	}
	return s.sorted[0].ID
}

// Latest returns the id of the newest stored message, or "".
func (s *MessageStore) Latest() string {
	if len(s.sorted) == 0 {
		return ""
	}
	return s.sorted[len(s.sorted)-1].ID
}

// All iterates the stored messages oldest first. The sequence may be ranged
// over any number of times; it must not be held across loop tasks.
func (s *MessageStore) All() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, m := range s.sorted {
			if !yield(*m) {
				return
			}
		}
	}
}

// Messages returns a copy of the stored messages, oldest first.
func (s *MessageStore) Messages() []Message {
	out := make([]Message, 0, len(s.sorted))
	for m := range s.All() {
		out = append(out, m)
	}
	return out
}

func compareMessages(a, b *Message) int {
	switch {
	case a.ID == b.ID:
		return 0
	case b.after(a):
		return -1
	default:
		return 1
	}
}
