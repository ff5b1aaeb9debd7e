package registry

import (
	"sync"
	"testing"

	"github.com/marmos91/pvaserver/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSource struct{ id string }

func (nopSource) OnSearch(source.Search)        {}
func (nopSource) OnCreate(source.ChannelControl) {}

func keys(r *Registry) []Key {
	var out []Key
	for _, e := range r.Snapshot() {
		out = append(out, e.Key)
	}
	return out
}

func TestRegistryOrdering(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(0, "zeta", nopSource{}))
	require.NoError(t, r.Add(-1, "__server", nopSource{}))
	require.NoError(t, r.Add(0, "alpha", nopSource{}))
	require.NoError(t, r.Add(10, "late", nopSource{}))
	require.NoError(t, r.Add(-1, "__builtin", nopSource{}))

	assert.Equal(t, []Key{
		{-1, "__builtin"},
		{-1, "__server"},
		{0, "alpha"},
		{0, "zeta"},
		{10, "late"},
	}, keys(r))
}

func TestRegistryDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(0, "a", nopSource{"first"}))

	err := r.Add(0, "a", nopSource{"second"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	// same name at another priority is a distinct key
	require.NoError(t, r.Add(1, "a", nopSource{"third"}))

	src, ok := r.Get(0, "a")
	require.True(t, ok)
	assert.Equal(t, nopSource{"first"}, src)
}

func TestRegistryRemove(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(0, "a", nopSource{"a"}))

	src, err := r.Remove(0, "a")
	require.NoError(t, err)
	assert.Equal(t, nopSource{"a"}, src)
	assert.Zero(t, r.Len())

	_, err = r.Remove(0, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryInvalidArguments(t *testing.T) {
	r := New()
	assert.Error(t, r.Add(0, "", nopSource{}))
	assert.Error(t, r.Add(0, "nil", nil))
}

func TestRegistryRangeStops(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(0, name, nopSource{name}))
	}

	var seen []string
	r.Range(func(e Entry) bool {
		seen = append(seen, e.Key.Name)
		return e.Key.Name != "b"
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestRegistrySnapshotRestore(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(0, "a", nopSource{"a"}))
	require.NoError(t, r.Add(-1, "b", nopSource{"b"}))
	snap := r.Snapshot()

	other := New()
	require.NoError(t, other.Add(5, "stale", nopSource{}))
	other.Restore(snap)

	assert.Equal(t, []Key{{-1, "b"}, {0, "a"}}, keys(other))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Add(i, "src", nopSource{})
		}(i)
		go func() {
			defer wg.Done()
			r.Range(func(Entry) bool { return true })
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, r.Len())
}
