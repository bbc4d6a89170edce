package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/lwps/lwpstest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func newEngine(t *testing.T, body string, dialer *lwpstest.Dialer) *Engine {
	t.Helper()
	gw, err := gateway.Open(context.Background(), writeConfig(t, body), dialer)
	require.NoError(t, err)
	return New(gw)
}

// TestSearchServesSecondIdenticalQueryFromShortResultsCache covers the
// "save with a search; later get returns identical values" scenario
// (spec.md §8 S5): an unwindowed search against a read-write short-results
// cache warms the backend's index_info, populates the cache on the first
// call, and serves the second identical call without touching the backend
// again.
func TestSearchServesSecondIdenticalQueryFromShortResultsCache(t *testing.T) {
	dialer := lwpstest.NewDialer()
	backend := &lwpstest.Backend{
		SearchResponse: &lwps.Response{
			Rows:         []lwps.Row{{DocKey: "a", SortKey: lwps.SortKey{Type: lwps.SortUIntDesc, UInt: 10}}},
			TotalResults: 1,
			SortType:     lwps.SortUIntDesc,
		},
		IndexInfo: &lwps.IndexInfo{DocumentCount: 5, LastUpdateTime: 42},
	}
	dialer.Register("h1", 1, backend)

	cacheDir := t.TempDir()
	e := newEngine(t, "version 1.0.0\n"+
		"gateway-cache-directory "+cacheDir+"\n"+
		"gateway-cache-mode:short-results read-write\n"+
		"index-location:products lwps://h1:1/p\n", dialer)

	req := Request{IndexNames: []string{"products"}, SearchText: "shoes"}

	first, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.Rows, 1)
	assert.Equal(t, 1, backend.Searches)

	second, err := e.Search(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, second.Rows, 1)
	assert.Equal(t, "tcp://h1:1/p/a", second.Rows[0].DocKey)
	assert.Equal(t, uint64(1), second.TotalResults)
	assert.Equal(t, 1, backend.Searches, "second identical search should be served from the short-results cache")
}

func TestSearchSingleIndexSingleSegment(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("h1", 1, &lwpstest.Backend{
		SearchResponse: &lwps.Response{
			Rows:         []lwps.Row{{DocKey: "a", SortKey: lwps.SortKey{Type: lwps.SortUIntDesc, UInt: 10}}},
			TotalResults: 1,
			SortType:     lwps.SortUIntDesc,
		},
	})
	e := newEngine(t, "version 1.0.0\nindex-location:products lwps://h1:1/p\n", dialer)

	resp, err := e.Search(context.Background(), Request{
		IndexNames: []string{"products"},
		SearchText: "shoes",
		End:        10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "tcp://h1:1/p/a", resp.Rows[0].DocKey)
	assert.Equal(t, uint64(1), resp.TotalResults)
}

func TestSearchMultiIndexMergesAndSortsDescending(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("h1", 1, &lwpstest.Backend{
		SearchResponse: &lwps.Response{
			Rows: []lwps.Row{
				{DocKey: "a", SortKey: lwps.SortKey{Type: lwps.SortUIntDesc, UInt: 10}},
				{DocKey: "b", SortKey: lwps.SortKey{Type: lwps.SortUIntDesc, UInt: 8}},
			},
			TotalResults: 2,
			SortType:     lwps.SortUIntDesc,
		},
	})
	dialer.Register("h2", 1, &lwpstest.Backend{
		SearchResponse: &lwps.Response{
			Rows: []lwps.Row{
				{DocKey: "c", SortKey: lwps.SortKey{Type: lwps.SortUIntDesc, UInt: 9}},
				{DocKey: "d", SortKey: lwps.SortKey{Type: lwps.SortUIntDesc, UInt: 7}},
			},
			TotalResults: 2,
			SortType:     lwps.SortUIntDesc,
		},
	})
	e := newEngine(t, "version 1.0.0\nindex-location:catalog lwps://h1:1/p\nindex-location:catalog2 lwps://h2:1/p\n", dialer)

	resp, err := e.Search(context.Background(), Request{
		IndexNames: []string{"catalog", "catalog2"},
		SearchText: "shoes",
		Start:      0,
		End:        4,
	})
	require.NoError(t, err)
	require.Len(t, resp.Rows, 4)
	assert.Equal(t, []string{"tcp://h1:1/p/a", "tcp://h2:1/p/c", "tcp://h1:1/p/b", "tcp://h2:1/p/d"}, []string{
		resp.Rows[0].DocKey, resp.Rows[1].DocKey, resp.Rows[2].DocKey, resp.Rows[3].DocKey,
	})
	assert.Equal(t, uint64(4), resp.TotalResults)
}

func TestSearchFromConfigRewritesDocumentKey(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("h1", 1, &lwpstest.Backend{
		SearchResponse: &lwps.Response{
			Rows:         []lwps.Row{{DocKey: "doc42"}},
			TotalResults: 1,
		},
	})
	e := newEngine(t, "version 1.0.0\nindex-location:products lwps://h1:1/p\n", dialer)

	resp, err := e.Search(context.Background(), Request{
		IndexNames: []string{"products"},
		SearchText: "shoes",
		End:        10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "tcp://h1:1/p/doc42", resp.Rows[0].DocKey)

	id, key, ok := parseCanonicalDocKey(resp.Rows[0].DocKey, lwps.TCP)
	require.True(t, ok)
	assert.Equal(t, "doc42", key)
	assert.Equal(t, "h1", id.Host)
	assert.Equal(t, 1, id.Port)
	assert.Equal(t, "p", id.RemoteIndexName)
}

func TestSearchWithModifierSucceedsWhenOverridesDisallowed(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("h1", 1, &lwpstest.Backend{SearchResponse: &lwps.Response{}})
	e := newEngine(t, "version 1.0.0\nindex-location:products lwps://h1:1/p\n", dialer)

	resp, err := e.Search(context.Background(), Request{
		IndexNames: []string{"products"},
		SearchText: "shoes {gtwy_search_timeout:10}",
		End:        10,
	})
	require.NoError(t, err)
	_ = resp
}

func TestSearchIgnoresErrorsWhenIndexConfiguredTo(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("h1", 1, &lwpstest.Backend{FailSearch: errors.New("boom")})
	e := newEngine(t, "version 1.0.0\nindex-location:products lwps://h1:1/p\nindex-search-error:products ignore\n", dialer)

	resp, err := e.Search(context.Background(), Request{
		IndexNames: []string{"products"},
		SearchText: "shoes",
		End:        10,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Rows)
}
