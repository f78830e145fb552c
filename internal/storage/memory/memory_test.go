package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/cacheq/internal/storage"
	"github.com/snehjoshi/cacheq/internal/storage/memory"
)

func connected(t *testing.T, srv *memory.Server) *memory.Store {
	t.Helper()
	st := memory.New(srv)
	require.NoError(t, st.Connect(context.Background(), []string{"mem"}))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	st := connected(t, memory.NewServer())

	_, err := st.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, st.Set(ctx, "k", []byte("v1"), storage.NoExpiry))
	got, err := st.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, st.Delete(ctx, "k"))
	assert.ErrorIs(t, st.Delete(ctx, "k"), storage.ErrNotFound)
}

func TestStore_AddIsCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a, b := connected(t, srv), connected(t, srv)

	require.NoError(t, a.Add(ctx, "k", []byte("a"), 0))
	assert.ErrorIs(t, b.Add(ctx, "k", []byte("b"), 0), storage.ErrNotStored)

	v, ok := srv.Peek("k")
	require.True(t, ok)
	assert.Equal(t, []byte("a"), v)
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	now := time.Unix(1_700_000_000, 0)
	srv.SetClock(func() time.Time { return now })
	st := connected(t, srv)

	require.NoError(t, st.Add(ctx, "lease", []byte("x"), 10*time.Second))
	now = now.Add(9 * time.Second)
	assert.ErrorIs(t, st.Add(ctx, "lease", []byte("y"), 10*time.Second), storage.ErrNotStored)

	now = now.Add(2 * time.Second)
	assert.NoError(t, st.Add(ctx, "lease", []byte("y"), 10*time.Second))
}

func TestStore_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	st := connected(t, memory.NewServer())

	require.NoError(t, st.Set(ctx, "k", []byte("mine"), 0))
	assert.ErrorIs(t, st.CompareAndDelete(ctx, "k", []byte("theirs")), storage.ErrMismatch)
	assert.NoError(t, st.CompareAndDelete(ctx, "k", []byte("mine")))
	assert.ErrorIs(t, st.CompareAndDelete(ctx, "k", []byte("mine")), storage.ErrNotFound)
}

func TestStore_DownServerIsUnavailable(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	srv.SetDown(true)

	st := memory.New(srv)
	err := st.Connect(ctx, []string{"mem"})
	assert.True(t, storage.IsUnavailable(err), "connect error should be unavailable: %v", err)

	srv.SetDown(false)
	require.NoError(t, st.Connect(ctx, []string{"mem"}))
	srv.SetDown(true)
	_, err = st.Get(ctx, "k")
	assert.True(t, storage.IsUnavailable(err))
}

func TestStore_ClosedSessionIsUnavailable(t *testing.T) {
	ctx := context.Background()
	st := connected(t, memory.NewServer())
	require.NoError(t, st.Close())

	err := st.Set(ctx, "k", []byte("v"), 0)
	assert.True(t, storage.IsUnavailable(err))
}

func TestStore_FaultInjection(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	st := connected(t, srv)
	boom := errors.New("boom")

	srv.SetFault(func(op, key string) error {
		if op == memory.OpGet && key == "bad" {
			return boom
		}
		return nil
	})

	_, err := st.Get(ctx, "bad")
	assert.ErrorIs(t, err, boom)
	_, err = st.Get(ctx, "good")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_ConnectRequiresServers(t *testing.T) {
	st := memory.New(memory.NewServer())
	assert.Error(t, st.Connect(context.Background(), nil))
}
