// Package searchcache implements the content-addressed, lock-coordinated
// on-disk cache for the four artifact classes named in spec.md §4.3: short
// result lists, postings lists, term-weight vectors, and document
// bitmaps.
package searchcache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/fschiettecatte/mps-sub005/lwps"
)

// Mode controls which operations the cache permits (spec.md §4.3).
type Mode int

const (
	Off Mode = iota
	ReadOnly
	ReadWrite
)

func sha1Hex(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortResultsKey hashes the inputs for the short-results artifact class
// (spec.md §4.3 table).
type ShortResultsKey struct {
	IndexName      string
	LastUpdateTime int64
	SearchText     string
	PositiveFB     string
	NegativeFB     string
}

func (k ShortResultsKey) Digest() string {
	return sha1Hex(k.IndexName, fmt.Sprint(k.LastUpdateTime), k.SearchText, k.PositiveFB, k.NegativeFB)
}

// ShortResultsRow is one (doc_key, sort_key) pair in a short-results
// artifact. DocKey mirrors lwps.Row.DocKey (an opaque, possibly
// mirror-prefixed string), not a numeric document id, so a cached row
// round-trips into exactly the row a live search would have returned.
type ShortResultsRow struct {
	DocKey  string
	SortKey lwps.SortKey
}

// ShortResults is the short-results artifact payload.
type ShortResults struct {
	IndexName      string
	LastUpdateTime int64
	SearchText     string
	PositiveFB     string
	NegativeFB     string
	TotalResults   uint64
	MaxSortKey     float64
	Rows           []ShortResultsRow
}

// PostingsKey hashes the inputs for the postings-list artifact class.
type PostingsKey struct {
	IndexName      string
	LastUpdateTime int64
	LanguageID     int
	Term           string
	FieldName      string
	FunctionID     int
	RangeID        int
	WildcardFlag   bool
	TermWeight     float64
	RequiredFlag   bool
}

func (k PostingsKey) Digest() string {
	return sha1Hex(
		k.IndexName, fmt.Sprint(k.LastUpdateTime), fmt.Sprint(k.LanguageID), k.Term,
		k.FieldName, fmt.Sprint(k.FunctionID), fmt.Sprint(k.RangeID), fmt.Sprint(k.WildcardFlag),
		fmt.Sprintf("%8.2f", k.TermWeight), fmt.Sprint(k.RequiredFlag),
	)
}

// PostingsRow is one (doc_id, term_position, weight) triple.
type PostingsRow struct {
	DocID        uint64
	TermPosition uint64
	Weight       float64
}

// Postings is the postings-list artifact payload.
type Postings struct {
	IndexName      string
	LastUpdateTime int64
	Term           string
	FieldName      string
	TermType       uint64
	TermCount      uint64
	DocumentCount  uint64
	RequiredFlag   bool
	Rows           []PostingsRow
}

// WeightVectorKey hashes the inputs for the term-weight-vector artifact
// class.
type WeightVectorKey struct {
	IndexName      string
	LastUpdateTime int64
	WeightName     string
}

func (k WeightVectorKey) Digest() string {
	return sha1Hex(k.IndexName, fmt.Sprint(k.LastUpdateTime), k.WeightName)
}

// WeightVector is the term-weight-vector artifact payload.
type WeightVector struct {
	IndexName      string
	LastUpdateTime int64
	WeightName     string
	Weights        []float32
}

// BitmapKey hashes the inputs for the document-bitmap artifact class.
type BitmapKey struct {
	IndexName        string
	LastUpdateTime   int64
	BitmapName       string
	BitmapLastUpdate int64
}

func (k BitmapKey) Digest() string {
	return sha1Hex(k.IndexName, fmt.Sprint(k.LastUpdateTime), k.BitmapName, fmt.Sprint(k.BitmapLastUpdate))
}

// Bitmap is the document-bitmap artifact payload.
type Bitmap struct {
	IndexName      string
	LastUpdateTime int64
	BitmapName     string
	Bits           []byte
}
