package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises the Store contract against any backend.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, Identities, "did:missing:"+uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("insertion order and restartable list", func(t *testing.T) {
		before, err := s.List(ctx, Credentials)
		require.NoError(t, err)

		ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
		for _, id := range ids {
			rec := CredentialRecord{ID: id, Payload: "jwt-" + id, IssuedAt: time.Now().UTC()}
			require.NoError(t, PutJSON(ctx, s, Credentials, id, rec))
		}

		for pass := 0; pass < 2; pass++ {
			all, err := ListJSON[CredentialRecord](ctx, s, Credentials)
			require.NoError(t, err)
			require.Len(t, all, len(before)+len(ids))
			tail := all[len(before):]
			for i, id := range ids {
				assert.Equal(t, id, tail[i].ID)
			}
		}
	})

	t.Run("overwrite keeps position", func(t *testing.T) {
		a, b := uuid.NewString(), uuid.NewString()
		require.NoError(t, s.Put(ctx, Presentations, a, json.RawMessage(`{"id":"`+a+`","payload":"1"}`)))
		require.NoError(t, s.Put(ctx, Presentations, b, json.RawMessage(`{"id":"`+b+`","payload":"1"}`)))
		require.NoError(t, s.Put(ctx, Presentations, a, json.RawMessage(`{"id":"`+a+`","payload":"2"}`)))

		var got PresentationRecord
		require.NoError(t, GetJSON(ctx, s, Presentations, a, &got))
		assert.Equal(t, "2", got.Payload)

		all, err := ListJSON[PresentationRecord](ctx, s, Presentations)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(all), 2)
		assert.Equal(t, a, all[len(all)-2].ID)
		assert.Equal(t, b, all[len(all)-1].ID)
	})

	t.Run("put if absent", func(t *testing.T) {
		key := "did:test:" + uuid.NewString()
		stored, inserted, err := s.PutIfAbsent(ctx, Identities, key, json.RawMessage(`{"n":1}`))
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.JSONEq(t, `{"n":1}`, string(stored))

		stored, inserted, err = s.PutIfAbsent(ctx, Identities, key, json.RawMessage(`{"n":2}`))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.JSONEq(t, `{"n":1}`, string(stored))
	})

	t.Run("concurrent put if absent converges", func(t *testing.T) {
		key := "did:race:" + uuid.NewString()
		before, err := s.List(ctx, Identities)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, inserted, err := s.PutIfAbsent(ctx, Identities, key, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
				assert.NoError(t, err)
				if inserted {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		after, err := s.List(ctx, Identities)
		require.NoError(t, err)
		assert.Equal(t, 1, winners)
		assert.Len(t, after, len(before)+1)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := s.List(ctx, Kind("wallets"))
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}

func TestMemoryContract(t *testing.T) {
	runContract(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v := json.RawMessage(`{"a":1}`)
	require.NoError(t, m.Put(ctx, Identities, "k", v))
	v[2] = 'b'

	got, err := m.Get(ctx, Identities, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.Equal(t, 1, m.Len(Identities))
	assert.Equal(t, 0, m.Len(Credentials))
}

func TestPostgresContract(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := NewPostgres(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()
	runContract(t, s)
}

func TestRedisContract(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	s, err := NewRedis(context.Background(), RedisOptions{Addr: addr, Prefix: "test-" + uuid.NewString()})
	require.NoError(t, err)
	defer s.Close()
	runContract(t, s)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(context.Background(), Options{Backend: BackendPostgres})
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{Backend: "etcd"})
	assert.Error(t, err)
}
