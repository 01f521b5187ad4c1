package checkpoint

import (
	"context"
	"database/sql"

	"github.com/onnwee/glitter/db"
)

// PostgresStore keeps checkpoints in the room_checkpoints table.
type PostgresStore struct {
	DB *sql.DB
}

// NewPostgresStore wraps an open database. The schema must already be migrated.
func NewPostgresStore(dbx *sql.DB) *PostgresStore {
	return &PostgresStore{DB: dbx}
}

func (s *PostgresStore) Load(ctx context.Context, room string) (string, error) {
	id, err := db.GetCheckpoint(ctx, s.DB, room)
	if err != nil {
		return "", &Error{Op: "load", Room: room, Err: err}
	}
	return id, nil
}

func (s *PostgresStore) Save(ctx context.Context, room, id string) error {
	if id == "" {
		return nil
	}
	if err := db.SetCheckpoint(ctx, s.DB, room, id); err != nil {
		return &Error{Op: "save", Room: room, Err: err}
	}
	return nil
}
