package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilecare/toothchart/internal/domain/chart"
	"github.com/smilecare/toothchart/internal/persistence"
)

func openTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	c, err := Open(path, nil)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, path
}

func TestCacheRoundTrip(t *testing.T) {
	c, _ := openTestCache(t)
	ctx := context.Background()

	ch := chart.New("p1", chart.NumberingFDI, chart.DentitionAdult)
	_, err := ch.AddNote("dr1", 11, "chipped edge")
	require.NoError(t, err)
	doc := ch.Document()

	in := persistence.CachedSession{
		Selection:       []int{11, 12},
		NumberingSystem: chart.NumberingFDI,
		Dentition:       chart.DentitionMixed,
		Chart:           &doc,
	}
	require.NoError(t, c.Write(ctx, "p1", in))

	out, err := c.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCacheMissingKey(t *testing.T) {
	c, _ := openTestCache(t)
	_, err := c.Read(context.Background(), "nobody")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestCacheOverwriteAndDelete(t *testing.T) {
	c, _ := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "k", persistence.CachedSession{Selection: []int{1}}))
	require.NoError(t, c.Write(ctx, "k", persistence.CachedSession{Selection: []int{2, 3}}))

	out, err := c.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out.Selection)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Read(ctx, "k")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestCacheSurvivesReopen(t *testing.T) {
	c, path := openTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "p9", persistence.CachedSession{NumberingSystem: chart.NumberingPalmer}))
	require.NoError(t, c.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	out, err := reopened.Read(ctx, "p9")
	require.NoError(t, err)
	assert.Equal(t, chart.NumberingPalmer, out.NumberingSystem)
	assert.Equal(t, path, reopened.Path())
	assert.NoError(t, reopened.Ping(ctx))
}
