package chat

// Boundary names one of the two derived pointers of a MessageStore.
type Boundary int

const (
	BoundaryLatest Boundary = iota
	BoundaryEarliest
)

func (b Boundary) String() string {
	if b == BoundaryEarliest {
		return "earliest"
	}
	return "latest"
}

// Handler receives session events. Methods are called on the session's
// loop goroutine, one at a time, and must return quickly: hand anything slow
// to another goroutine.
type Handler interface {
	// Connected fires once the first directory refresh has completed.
	Connected()
	Disconnected()
	RoomJoined(room RoomSnapshot)
	RoomUpdated(room RoomSnapshot)
	// MessageObserved fires exactly once per stored message id.
	MessageObserved(room string, m Message)
	MessageSent(room string, m Message)
	MessageEdited(room string, m Message)
	BoundaryChanged(room string, b Boundary, id string)
	// SessionFailed reports a fatal error such as a rejected credential.
	SessionFailed(err error)
}

// NopHandler ignores every event. Embed it to implement a subset of Handler.
type NopHandler struct{}

func (NopHandler) Connected()                               {}
func (NopHandler) Disconnected()                            {}
func (NopHandler) RoomJoined(RoomSnapshot)                  {}
func (NopHandler) RoomUpdated(RoomSnapshot)                 {}
func (NopHandler) MessageObserved(string, Message)          {}
func (NopHandler) MessageSent(string, Message)              {}
func (NopHandler) MessageEdited(string, Message)            {}
func (NopHandler) BoundaryChanged(string, Boundary, string) {}
func (NopHandler) SessionFailed(error)                      {}

// MultiHandler fans every event out to each handler in order.
type MultiHandler []Handler

func (hs MultiHandler) Connected() {
	for _, h := range hs {
		h.Connected()
	}
}

func (hs MultiHandler) Disconnected() {
	for _, h := range hs {
		h.Disconnected()
	}
}

func (hs MultiHandler) RoomJoined(room RoomSnapshot) {
	for _, h := range hs {
		h.RoomJoined(room)
	}
}

func (hs MultiHandler) RoomUpdated(room RoomSnapshot) {
	for _, h := range hs {
		h.RoomUpdated(room)
	}
}

func (hs MultiHandler) MessageObserved(room string, m Message) {
	for _, h := range hs {
		h.MessageObserved(room, m)
	}
}

func (hs MultiHandler) MessageSent(room string, m Message) {
	for _, h := range hs {
		h.MessageSent(room, m)
	}
}

func (hs MultiHandler) MessageEdited(room string, m Message) {
	for _, h := range hs {
		h.MessageEdited(room, m)
	}
}

func (hs MultiHandler) BoundaryChanged(room string, b Boundary, id string) {
	for _, h := range hs {
		h.BoundaryChanged(room, b, id)
	}
}

func (hs MultiHandler) SessionFailed(err error) {
	for _, h := range hs {
		h.SessionFailed(err)
	}
}
