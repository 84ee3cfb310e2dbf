package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkupload/payload"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() upload.Snapshot {
	return upload.Snapshot{
		Name:      "payload.bin",
		Size:      20,
		ChunkSize: 10,
		Digest:    "abc",
		Chunks: []upload.ChunkState{
			{Index: 0, Range: upload.Range{Start: 0, End: 10}, Status: upload.StatusSuccess, Response: json.RawMessage(`{"etag":"e0"}`)},
			{Index: 1, Range: upload.Range{Start: 10, End: 20}, Status: upload.StatusIdle},
		},
	}
}

func setupBadger(t *testing.T) *badger.DB {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestStores(t *testing.T) {
	fileStore, err := NewFile(t.TempDir())
	require.NoError(t, err)

	stores := map[string]Store{
		"file":   fileStore,
		"badger": NewBadger(setupBadger(t), time.Hour),
		"redis":  NewRedis(newFakeRedis(), time.Hour),
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := NewKey()

			_, err := s.Load(ctx, key)
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Save(ctx, key, testSnapshot()))

			got, err := s.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, testSnapshot(), got)

			updated := testSnapshot()
			updated.Chunks[1].Status = upload.StatusSuccess
			require.NoError(t, s.Save(ctx, key, updated))

			got, err = s.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, upload.StatusSuccess, got.Chunks[1].Status)

			require.NoError(t, s.Delete(ctx, key))
			_, err = s.Load(ctx, key)
			require.ErrorIs(t, err, ErrNotFound)

			assert.Error(t, s.Save(ctx, "", testSnapshot()))
		})
	}
}

func TestFile_List(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"build-1", "build-2", "deploy-1"} {
		require.NoError(t, s.Save(ctx, key, testSnapshot()))
	}

	keys, err := s.List("build-*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"build-1", "build-2"}, keys)

	keys, err = s.List("*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	assert.Error(t, s.Save(ctx, "../escape", testSnapshot()))
}

func TestBadger_Keys(t *testing.T) {
	s := NewBadger(setupBadger(t), 0)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "a", testSnapshot()))
	require.NoError(t, s.Save(ctx, "b", testSnapshot()))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestRedis_TTL(t *testing.T) {
	client := newFakeRedis()
	s := NewRedis(client, 30*time.Minute)

	require.NoError(t, s.Save(context.Background(), "k", testSnapshot()))
	assert.Equal(t, 30*time.Minute, client.ttls[redisPrefix+"k"])
}

func TestKeyFor(t *testing.T) {
	modified := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	info := payload.Info{Name: "a.zip", Size: 10, LastModified: modified}

	assert.Equal(t, KeyFor(info), KeyFor(info))
	assert.NotEqual(t, KeyFor(info), KeyFor(payload.Info{Name: "a.zip", Size: 11, LastModified: modified}))
	assert.NotEqual(t, KeyFor(info), KeyFor(payload.Info{Name: "a.zip", Size: 10}))
	assert.NotEqual(t, NewKey(), NewKey())
}

func TestAutosave(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)

	data := []byte("0123456789abcdefghij")
	failed := false
	requester := func(ctx context.Context, c *upload.Chunk, info payload.Info) (interface{}, error) {
		if c.Index() == 1 && !failed {
			failed = true
			return nil, errors.New("boom")
		}
		return map[string]string{"etag": "e"}, nil
	}

	u, err := upload.New(payload.NewBytes(data), payload.Info{Name: "a"}, requester, upload.Config{ChunkSize: 10, Concurrency: 1})
	require.NoError(t, err)
	defer u.Close()

	key := KeyFor(u.Info())
	detach := Autosave(u, s, key, log.NewLogger())

	_, err = u.Start(context.Background())
	require.Error(t, err)

	snap, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, upload.StatusSuccess, snap.Chunks[0].Status)
	assert.Equal(t, upload.StatusIdle, snap.Chunks[1].Status)
	assert.JSONEq(t, `{"etag":"e"}`, string(snap.Chunks[0].Response))

	_, err = u.Start(context.Background())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)

	detach()
}
