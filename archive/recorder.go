// Package archive persists observed chat messages into Postgres.
package archive

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/glitter/chat"
	"github.com/onnwee/glitter/db"
	"github.com/onnwee/glitter/telemetry"
)

// Writer is the storage side of the recorder.
type Writer interface {
	InsertMessage(ctx context.Context, m db.ArchivedMessage) (bool, error)
	UpdateMessageEdit(ctx context.Context, roomID, messageID, text, html string, editedAt time.Time) error
	UpsertRoom(ctx context.Context, room chat.RoomSnapshot) error
}

// DBWriter writes through the db package helpers.
type DBWriter struct {
	DB *sql.DB
}

func (w DBWriter) InsertMessage(ctx context.Context, m db.ArchivedMessage) (bool, error) {
	return db.InsertMessage(ctx, w.DB, m)
}

func (w DBWriter) UpdateMessageEdit(ctx context.Context, roomID, messageID, text, html string, editedAt time.Time) error {
	return db.UpdateMessageEdit(ctx, w.DB, roomID, messageID, text, html, editedAt)
}

func (w DBWriter) UpsertRoom(ctx context.Context, room chat.RoomSnapshot) error {
	return db.UpsertRoom(ctx, w.DB, room.ID, room.Name, room.Topic, room.OneToOne, room.UserCount)
}

type jobKind int

const (
	jobInsert jobKind = iota
	jobEdit
	jobRoom
)

type job struct {
	kind jobKind
	msg  db.ArchivedMessage
	room chat.RoomSnapshot
}

// Recorder is a chat.Handler that queues writes for a background worker so
// the session loop never waits on the database. When the queue is full the
// event is dropped and counted.
type Recorder struct {
	chat.NopHandler

	w     Writer
	log   *slog.Logger
	queue chan job
	wg    sync.WaitGroup
	once  sync.Once

	// loop-owned: room name -> id, learned from room events
	ids map[string]string
}

// NewRecorder builds a recorder with the given queue size (<= 0 means 1024).
func NewRecorder(w Writer, size int, log *slog.Logger) *Recorder {
	if size <= 0 {
		size = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		w:     w,
		log:   log.With(slog.String("component", "archive")),
		queue: make(chan job, size),
		ids:   make(map[string]string),
	}
}

// Start runs the writer goroutine until Close. ctx bounds each write.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for j := range r.queue {
			r.write(ctx, j)
		}
	}()
}

// Close stops accepting events and waits for queued writes to finish.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func (r *Recorder) write(ctx context.Context, j job) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	switch j.kind {
	case jobInsert:
		ok, err := r.w.InsertMessage(wctx, j.msg)
		if err != nil {
			r.log.Error("archive insert failed", slog.String("room", j.msg.RoomName), slog.String("id", j.msg.MessageID), slog.Any("err", err))
			return
		}
		if ok {
			telemetry.Inc(telemetry.ArchiveWritten)
		}
	case jobEdit:
		if j.msg.EditedAt == nil {
			return
		}
		if err := r.w.UpdateMessageEdit(wctx, j.msg.RoomID, j.msg.MessageID, j.msg.Text, j.msg.HTML, *j.msg.EditedAt); err != nil {
			r.log.Error("archive edit failed", slog.String("room", j.msg.RoomName), slog.String("id", j.msg.MessageID), slog.Any("err", err))
		}
	case jobRoom:
		if err := r.w.UpsertRoom(wctx, j.room); err != nil {
			r.log.Warn("archive room upsert failed", slog.String("room", j.room.Name), slog.Any("err", err))
		}
	}
}

// enqueue must not be called after Close.
func (r *Recorder) enqueue(j job) {
	select {
	case r.queue <- j:
	default:
		telemetry.Inc(telemetry.ArchiveDropped)
		r.log.Warn("archive queue full; dropping event")
	}
}

func (r *Recorder) archived(room string, m chat.Message) db.ArchivedMessage {
	id := r.ids[room]
	if id == "" {
		id = room
	}
	return db.ArchivedMessage{
		RoomID:    id,
		RoomName:  room,
		MessageID: m.ID,
		Username:  m.From.Username,
		Text:      m.Text,
		HTML:      m.HTML,
		SentAt:    m.Sent,
		EditedAt:  m.EditedAt,
	}
}

func (r *Recorder) RoomJoined(room chat.RoomSnapshot) {
	r.ids[room.Name] = room.ID
	r.enqueue(job{kind: jobRoom, room: room})
}

func (r *Recorder) RoomUpdated(room chat.RoomSnapshot) {
	r.ids[room.Name] = room.ID
	r.enqueue(job{kind: jobRoom, room: room})
}

func (r *Recorder) MessageObserved(room string, m chat.Message) {
	r.enqueue(job{kind: jobInsert, msg: r.archived(room, m)})
}

func (r *Recorder) MessageEdited(room string, m chat.Message) {
	r.enqueue(job{kind: jobEdit, msg: r.archived(room, m)})
}
