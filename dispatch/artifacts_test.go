package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/index"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/lwps/lwpstest"
)

// resolveIndex mirrors the prologue of Engine.Search far enough to hand a
// test a live Generation and Index without going through a full search.
func resolveIndex(t *testing.T, e *Engine, name string) (*gateway.Generation, *index.Index) {
	t.Helper()
	gen := e.gw.EnterRequest(context.Background())
	idx, err := gen.Acquire(e.gw.Dialer(), name)
	require.NoError(t, err)
	require.NoError(t, idx.Open(gen.Defaults().Protocol, gen.Defaults().SendInit))
	return gen, idx
}

func TestPostingsServesSecondFetchFromCache(t *testing.T) {
	dialer := lwpstest.NewDialer()
	backend := &lwpstest.Backend{
		PostingsResponse: &lwps.Postings{
			DocumentCount: 3,
			Rows:          []lwps.PostingsRow{{DocID: 1, TermPosition: 4, Weight: 0.5}},
		},
		IndexInfo: &lwps.IndexInfo{LastUpdateTime: 7},
	}
	dialer.Register("h1", 1, backend)

	cacheDir := t.TempDir()
	e := newEngine(t, "version 1.0.0\n"+
		"gateway-cache-directory "+cacheDir+"\n"+
		"gateway-cache-mode:postings read-write\n"+
		"index-location:products lwps://h1:1/p\n", dialer)

	gen, idx := resolveIndex(t, e, "products")

	req := &lwps.PostingsRequest{IndexName: "p", Term: "shoe", FieldName: "body"}
	first, err := e.Postings(context.Background(), gen, idx, req)
	require.NoError(t, err)
	require.Len(t, first.Rows, 1)
	assert.Equal(t, 1, backend.Postings)

	second, err := e.Postings(context.Background(), gen, idx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, 1, backend.Postings, "second identical fetch should be served from the postings cache")
}

func TestWeightVectorServesSecondFetchFromCache(t *testing.T) {
	dialer := lwpstest.NewDialer()
	backend := &lwpstest.Backend{
		WeightVectorResponse: &lwps.WeightVector{Weights: []float32{1.5, 2.25}},
		IndexInfo:            &lwps.IndexInfo{LastUpdateTime: 7},
	}
	dialer.Register("h1", 1, backend)

	cacheDir := t.TempDir()
	e := newEngine(t, "version 1.0.0\n"+
		"gateway-cache-directory "+cacheDir+"\n"+
		"gateway-cache-mode:weight-vectors read-write\n"+
		"index-location:products lwps://h1:1/p\n", dialer)

	gen, idx := resolveIndex(t, e, "products")

	req := &lwps.WeightVectorRequest{IndexName: "p", WeightName: "idf"}
	first, err := e.WeightVector(context.Background(), gen, idx, req)
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.25}, first.Weights)
	assert.Equal(t, 1, backend.WeightVectors)

	second, err := e.WeightVector(context.Background(), gen, idx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Weights, second.Weights)
	assert.Equal(t, 1, backend.WeightVectors, "second identical fetch should be served from the weight vector cache")
}

func TestBitmapServesSecondFetchFromCache(t *testing.T) {
	dialer := lwpstest.NewDialer()
	backend := &lwpstest.Backend{
		BitmapResponse: &lwps.Bitmap{Bits: []byte{0xff, 0x00}},
		IndexInfo:      &lwps.IndexInfo{LastUpdateTime: 7},
	}
	dialer.Register("h1", 1, backend)

	cacheDir := t.TempDir()
	e := newEngine(t, "version 1.0.0\n"+
		"gateway-cache-directory "+cacheDir+"\n"+
		"gateway-cache-mode:bitmaps read-write\n"+
		"index-location:products lwps://h1:1/p\n", dialer)

	gen, idx := resolveIndex(t, e, "products")

	req := &lwps.BitmapRequest{IndexName: "p", BitmapName: "deleted"}
	first, err := e.Bitmap(context.Background(), gen, idx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00}, first.Bits)
	assert.Equal(t, 1, backend.Bitmaps)

	second, err := e.Bitmap(context.Background(), gen, idx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Bits, second.Bits)
	assert.Equal(t, 1, backend.Bitmaps, "second identical fetch should be served from the bitmap cache")
}
