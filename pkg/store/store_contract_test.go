package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/pvaserver/pkg/store"
	"github.com/marmos91/pvaserver/pkg/store/badger"
	"github.com/marmos91/pvaserver/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]store.ValueStore {
	t.Helper()

	bs, err := badger.NewBadgerValueStore(context.Background(), badger.Config{InMemory: true})
	require.NoError(t, err)

	fs, err := badger.NewBadgerValueStore(context.Background(), badger.Config{DBPath: t.TempDir()})
	require.NoError(t, err)

	return map[string]store.ValueStore{
		"memory":        memory.NewMemoryValueStore(),
		"badger-memory": bs,
		"badger-disk":   fs,
	}
}

func TestValueStoreContract(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, s.Close()) }()

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, store.ErrNotFound)

			now := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, s.Put(ctx, &store.Record{Name: "b:pv", Type: []byte{0x60}, Value: []byte{1, 'x'}, Updated: now}))
			require.NoError(t, s.Put(ctx, &store.Record{Name: "a:pv", Type: []byte{0x22}, Value: []byte{0, 0, 0, 1}}))

			rec, err := s.Get(ctx, "b:pv")
			require.NoError(t, err)
			assert.Equal(t, []byte{0x60}, rec.Type)
			assert.Equal(t, []byte{1, 'x'}, rec.Value)
			assert.True(t, now.Equal(rec.Updated))

			names, err := s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a:pv", "b:pv"}, names)

			require.NoError(t, s.Delete(ctx, "a:pv"))
			assert.ErrorIs(t, s.Delete(ctx, "a:pv"), store.ErrNotFound)

			names, err = s.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"b:pv"}, names)
		})
	}
}

func TestBadgerRequiresPath(t *testing.T) {
	_, err := badger.NewBadgerValueStore(context.Background(), badger.Config{})
	assert.Error(t, err)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := memory.NewMemoryValueStore()
	_, err := s.Get(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
