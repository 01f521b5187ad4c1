package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/glitter/testutil"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store, room string) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, got, "unknown room loads as unset")

	require.NoError(t, s.Save(ctx, room, "5f01"))
	got, err = s.Load(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "5f01", got)

	require.NoError(t, s.Save(ctx, room, "5f02"))
	require.NoError(t, s.Save(ctx, room, ""), "empty id is ignored")
	got, err = s.Load(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, "5f02", got)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory(map[string]string{"seeded": "x"})
	exerciseStore(t, m, "lobby")
	got, _ := m.Load(context.Background(), "seeded")
	assert.Equal(t, "x", got)
	assert.Equal(t, 2, m.Saves())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoints.yaml")
	s := NewFileStore(path)
	exerciseStore(t, s, "gitterHQ/gitter")

	require.NoError(t, s.Save(context.Background(), "lobby", "aa"))

	// a fresh store over the same file sees both rooms
	all, err := NewFileStore(path).All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"gitterHQ/gitter": "5f02", "lobby": "aa"}, all)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lobby: [unterminated"), 0o600))
	s := NewFileStore(path)

	_, err := s.Load(context.Background(), "lobby")
	var cpErr *Error
	require.True(t, errors.As(err, &cpErr), "want *Error, got %v", err)
	assert.Equal(t, "load", cpErr.Op)
	assert.Equal(t, "lobby", cpErr.Room)

	err = s.Save(context.Background(), "lobby", "1")
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, "save", cpErr.Op)
}

func TestFileStoreUnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	// parent of the checkpoint file is a regular file
	s := NewFileStore(filepath.Join(blocker, "checkpoints.yaml"))
	err := s.Save(context.Background(), "lobby", "1")
	var cpErr *Error
	assert.True(t, errors.As(err, &cpErr), "want *Error, got %v", err)
}

func TestPostgresStore(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	room := "test/pg-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _, _ = dbx.Exec(`DELETE FROM room_checkpoints WHERE room_name=$1`, room) })
	exerciseStore(t, NewPostgresStore(dbx), room)
}

func TestRedisStore(t *testing.T) {
	addr := testutil.RedisAddr(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	key := "glitter:test:" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		_ = client.Del(context.Background(), key).Err()
		_ = client.Close()
	})
	s := NewRedisStoreFromClient(client, key)
	require.NoError(t, s.Ping(context.Background()))
	exerciseStore(t, s, "lobby")
}

func TestRedisStoreUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStoreFromClient(client, "")
	_, err := s.Load(context.Background(), "lobby")
	var cpErr *Error
	assert.True(t, errors.As(err, &cpErr), "want *Error, got %v", err)
}
