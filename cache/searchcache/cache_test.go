package searchcache

import (
	"errors"
	"os"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/lwps"
)

// failWriteFS wraps a billy.Filesystem so Create returns a file whose
// Write always fails, simulating a disk-full/IO error mid-save.
type failWriteFS struct {
	billy.Filesystem
}

func (f *failWriteFS) Create(filename string) (billy.File, error) {
	real, err := f.Filesystem.Create(filename)
	if err != nil {
		return nil, err
	}
	return &failWriteFile{File: real}, nil
}

type failWriteFile struct {
	billy.File
}

func (f *failWriteFile) Write(p []byte) (int, error) {
	return 0, errors.New("disk full")
}

func newTestCache(mode Mode, compress bool) *Cache {
	return New(memfs.New(), Config{
		Mode:             mode,
		Root:             "short-results",
		SubdirectoryMask: "0/1",
		Compress:         compress,
	})
}

func TestSaveThenGetRoundTripsShortResults(t *testing.T) {
	for _, compress := range []bool{false, true} {
		c := newTestCache(ReadWrite, compress)
		key := ShortResultsKey{IndexName: "products", LastUpdateTime: 100, SearchText: "shoes"}
		in := &ShortResults{
			IndexName:      key.IndexName,
			LastUpdateTime: key.LastUpdateTime,
			SearchText:     key.SearchText,
			TotalResults:   2,
			MaxSortKey:     9.5,
			Rows: []ShortResultsRow{
				{DocKey: "doc1", SortKey: lwps.SortKey{Type: lwps.SortDoubleDesc, Float: 9.5}},
				{DocKey: "doc2", SortKey: lwps.SortKey{Type: lwps.SortUCharAsc, Str: "abc"}},
			},
		}
		require.NoError(t, c.SaveShortResults(key, in))

		out, ok, err := c.GetShortResults(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, in.TotalResults, out.TotalResults)
		assert.Equal(t, in.Rows, out.Rows)
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c := newTestCache(ReadWrite, false)
	_, ok, err := c.GetShortResults(ShortResultsKey{IndexName: "x", SearchText: "nope"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadOnlyModeRejectsSave(t *testing.T) {
	c := newTestCache(ReadOnly, false)
	err := c.SaveShortResults(ShortResultsKey{IndexName: "x"}, &ShortResults{})
	assert.ErrorIs(t, err, gwerrors.ErrCacheInvalidMode)
}

func TestOffModeAlwaysMisses(t *testing.T) {
	rw := newTestCache(ReadWrite, false)
	key := ShortResultsKey{IndexName: "x", SearchText: "present"}
	require.NoError(t, rw.SaveShortResults(key, &ShortResults{TotalResults: 1}))

	off := New(rw.fs, Config{Mode: Off, Root: "short-results", SubdirectoryMask: "0/1"})
	_, ok, err := off.GetShortResults(key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveRemovesPartialFileOnWriteError(t *testing.T) {
	base := memfs.New()
	c := New(&failWriteFS{Filesystem: base}, Config{Mode: ReadWrite, Root: "short-results", SubdirectoryMask: "0/1"})
	key := ShortResultsKey{IndexName: "x", SearchText: "q"}

	err := c.SaveShortResults(key, &ShortResults{})
	require.Error(t, err)

	path := "short-results/" + recordPath("0/1", key.Digest(), key.IndexName, key.LastUpdateTime)
	_, statErr := base.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPostingsRoundTrip(t *testing.T) {
	c := New(memfs.New(), Config{Mode: ReadWrite, Root: "postings", SubdirectoryMask: "0/1/2"})
	key := PostingsKey{IndexName: "products", Term: "shoe", FieldName: "body"}
	in := &Postings{
		IndexName:     key.IndexName,
		Term:          key.Term,
		FieldName:     key.FieldName,
		DocumentCount: 3,
		Rows: []PostingsRow{
			{DocID: 1, TermPosition: 4, Weight: 0.5},
			{DocID: 2, TermPosition: 9, Weight: 1.25},
		},
	}
	require.NoError(t, c.SavePostings(key, in))

	out, ok, err := c.GetPostings(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Rows, out.Rows)
	assert.Equal(t, in.DocumentCount, out.DocumentCount)
}

func TestWeightVectorRoundTrip(t *testing.T) {
	c := New(memfs.New(), Config{Mode: ReadWrite, Root: "weights", SubdirectoryMask: ""})
	key := WeightVectorKey{IndexName: "products", WeightName: "idf"}
	in := &WeightVector{IndexName: key.IndexName, WeightName: key.WeightName, Weights: []float32{1.5, 2.25, 0}}
	require.NoError(t, c.SaveWeightVector(key, in))

	out, ok, err := c.GetWeightVector(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Weights, out.Weights)
}

func TestBitmapRoundTrip(t *testing.T) {
	c := New(memfs.New(), Config{Mode: ReadWrite, Root: "bitmaps", SubdirectoryMask: "0"})
	key := BitmapKey{IndexName: "products", BitmapName: "deleted"}
	in := &Bitmap{IndexName: key.IndexName, BitmapName: key.BitmapName, Bits: []byte{0xff, 0x00, 0x1a}}
	require.NoError(t, c.SaveBitmap(key, in))

	out, ok, err := c.GetBitmap(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Bits, out.Bits)
}
