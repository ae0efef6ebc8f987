package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(filepath.Join(t.TempDir(), "nested", "associations.yaml"))
	s.now = clock.Now
	return s, clock
}

func TestStoreMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStorePutListsMostRecentFirst(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.Put(Association{Address: "AA", Name: "first"}))
	clock.Advance(time.Minute)
	require.NoError(t, s.Put(Association{Address: "BB", Name: "second"}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "BB", list[0].Address)
	assert.Equal(t, "AA", list[1].Address)
	assert.Equal(t, "first", list[1].Name)
}

func TestStorePutRefreshesExisting(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.Put(Association{Address: "AA"}))
	clock.Advance(time.Minute)
	require.NoError(t, s.Put(Association{Address: "BB"}))
	clock.Advance(time.Minute)
	require.NoError(t, s.Put(Association{Address: "AA"}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AA", list[0].Address)
	assert.True(t, list[0].AcceptedAt.Equal(clock.Now()), "AcceptedAt = %v", list[0].AcceptedAt)
}

func TestStoreRemove(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put(Association{Address: "AA"}))
	require.NoError(t, s.Put(Association{Address: "BB"}))

	require.NoError(t, s.Remove("AA"))
	require.NoError(t, s.Remove("unknown"))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "BB", list[0].Address)
}

func TestStoreRejectsInvalidYAML(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0755))
	require.NoError(t, os.WriteFile(s.Path(), []byte("associations: [\n"), 0644))

	_, err := s.List()
	assert.Error(t, err)
}
