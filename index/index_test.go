package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fschiettecatte/mps-sub005/config"
	"github.com/fschiettecatte/mps-sub005/lwps/lwpstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	c, err := config.Load(p)
	require.NoError(t, err)
	return c
}

func defaultDefaults() Defaults {
	return Defaults{
		ConnectTimeout:     10 * time.Millisecond,
		SearchTimeout:      60 * time.Second,
		RetrievalTimeout:   5 * time.Second,
		InformationTimeout: 5 * time.Second,
		MirrorAffinity:     -1,
	}
}

func TestInitializeFromURL(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\n")
	idx, err := Initialize("lwps://h1:9000/foo|lwps://h2:9000/foo,lwps://h3:9000/foo", cfg, defaultDefaults(), nil, lwpstest.NewDialer())
	require.NoError(t, err)
	assert.Equal(t, FromURL, idx.Origin)
	require.Len(t, idx.Segments, 2)
	assert.Len(t, idx.Segments[0].Mirrors, 2)
	assert.Len(t, idx.Segments[1].Mirrors, 1)
}

func TestInitializeFromConfigLocation(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\nindex-location:products lwps://h1:9000/p\n")
	idx, err := Initialize("products", cfg, defaultDefaults(), nil, lwpstest.NewDialer())
	require.NoError(t, err)
	assert.Equal(t, FromConfig, idx.Origin)
	require.Len(t, idx.Segments, 1)
}

type staticResolver map[string]string

func (r staticResolver) Resolve(name string) (string, bool) {
	v, ok := r[name]
	return v, ok
}

func TestInitializeFallsBackToAutodiscovery(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\n")
	resolver := staticResolver{"products": "lwps://h1:9000/p"}
	idx, err := Initialize("products", cfg, defaultDefaults(), resolver, lwpstest.NewDialer())
	require.NoError(t, err)
	assert.Equal(t, FromConfig, idx.Origin)
}

func TestInitializeUnknownIndexFails(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\n")
	_, err := Initialize("missing", cfg, defaultDefaults(), staticResolver{}, lwpstest.NewDialer())
	require.Error(t, err)
}

func TestSortOrdersParsedAndAliased(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\nindex-sort-orders:products {sort:date:desc},{s:r:a},{bogus}\n")
	idx, err := Initialize("lwps://h1:9000/p", cfg, defaultDefaults(), nil, lwpstest.NewDialer())
	require.NoError(t, err)
	_ = idx
	orders := parseSortOrders(cfg, "products")
	require.Len(t, orders, 2)
	assert.Equal(t, SortOrder{Field: "date", Order: Desc}, orders[0])
	assert.Equal(t, SortOrder{Field: "relevance", Order: Asc}, orders[1])
}

func TestBoundsClamped(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\nindex-max-segments-searched:products 1\nindex-min-segments-searched:products 5\n")
	idx, err := Initialize("lwps://h1:9000/p,lwps://h2:9000/p,lwps://h3:9000/p", cfg, defaultDefaults(), nil, lwpstest.NewDialer())
	require.NoError(t, err)
	_ = idx
	b := resolveBounds(cfg, "products", 3)
	assert.LessOrEqual(t, b.Min, b.Max)
}

func TestDuplicateDoesNotAliasTemplate(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\n")
	tmpl, err := Initialize("lwps://h1:9000/p", cfg, defaultDefaults(), nil, lwpstest.NewDialer())
	require.NoError(t, err)

	dup := tmpl.Duplicate()
	dup.Segments[0].Mirrors[0].Priority = 99

	assert.NotEqual(t, 99, tmpl.Segments[0].Mirrors[0].Priority)
}

func TestLazyOpenDoesNotConnectSegments(t *testing.T) {
	cfg := writeConfig(t, "version 1.0.0\nindex-connection-policy:lwps://h1:9000/p lazy\n")
	idx, err := Initialize("lwps://h1:9000/p", cfg, defaultDefaults(), nil, lwpstest.NewDialer())
	require.NoError(t, err)
	require.True(t, idx.Flags.LazyConnection)

	require.NoError(t, idx.Open(0, false))
	assert.False(t, idx.Segments[0].IsOpen())
}
