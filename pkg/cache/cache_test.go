package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestPutGet(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	in := payload{ID: "BOE-A-2015-10565", Title: "Ley 39/2015"}
	require.NoError(t, c.Put(KindBOESearch, "39/2015", in))

	var out payload
	require.True(t, c.Get(KindBOESearch, "39/2015", &out))
	assert.Equal(t, in, out)

	var missing payload
	assert.False(t, c.Get(KindBOESearch, "40/2015", &missing))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestKindsAreIsolated(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, c.Put(KindBOESearch, "key", payload{ID: "a"}))

	var out payload
	assert.False(t, c.Get(KindBOEIndex, "key", &out))
	assert.True(t, c.Get(KindBOESearch, "key", &out))
}

func TestDiskPersistence(t *testing.T) {
	dir := t.TempDir()

	c1, err := New(dir, 0)
	require.NoError(t, err)
	require.NoError(t, c1.Put(KindBOEIndex, "BOE-A-1995-25444", payload{ID: "cp"}))

	// A fresh cache over the same dir reads the file layer.
	c2, err := New(dir, 0)
	require.NoError(t, err)

	var out payload
	require.True(t, c2.Get(KindBOEIndex, "BOE-A-1995-25444", &out))
	assert.Equal(t, "cp", out.ID)
}

func TestTTLExpiry(t *testing.T) {
	c, err := New(t.TempDir(), time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, c.Put(KindEURLex, "32016R0679", payload{ID: "rgpd"}))
	time.Sleep(5 * time.Millisecond)

	var out payload
	assert.False(t, c.Get(KindEURLex, "32016R0679", &out))
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache

	assert.NoError(t, c.Put(KindBOESearch, "key", payload{}))
	var out payload
	assert.False(t, c.Get(KindBOESearch, "key", &out))
	assert.Equal(t, Stats{}, c.Stats())
	assert.NoError(t, c.Clear())
}

func TestClear(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	require.NoError(t, err)

	require.NoError(t, c.Put(KindBOESearch, "key", payload{ID: "a"}))
	require.NoError(t, c.Clear())

	var out payload
	assert.False(t, c.Get(KindBOESearch, "key", &out))
}
