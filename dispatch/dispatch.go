// Package dispatch implements the fan-out/merge/splice request engine
// described in spec.md §4.7: it resolves a request's logical indices
// through the gateway, searches each (with early-completion where
// applicable), merges per-index responses, and splices the combined
// result set to the caller's requested window.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/index"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/mirror"
)

// Request is one logical search spanning one or more indices.
type Request struct {
	IndexNames []string
	Language   string
	SearchText string
	PositiveFB string
	NegativeFB string
	Start      int64
	End        int64
}

// Row is one merged result row, with its originating logical index name
// attached (spec.md §4.7 "override every returned result's index_name").
type Row struct {
	DocKey    string
	SortKey   lwps.SortKey
	IndexName string
}

// Response is the merged, sorted, spliced result of a Search.
type Response struct {
	Rows         []Row
	TotalResults uint64
	MaxSortKey   float64
	SortType     lwps.SortType
	SearchTimeMs int64
}

// Engine runs requests against a Gateway.
type Engine struct {
	gw *gateway.Gateway
}

// New returns an Engine bound to gw.
func New(gw *gateway.Gateway) *Engine {
	return &Engine{gw: gw}
}

// Search implements spec.md §4.7's prologue, per-index fan-out, merge, and
// sort/splice.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	gen := e.gw.EnterRequest(ctx)

	if len(req.IndexNames) == 0 {
		return nil, gwerrors.ErrInvalidIndex
	}

	cleanText, parsedOpts := ParseSearchText(req.SearchText)
	req.SearchText = cleanText

	// spec.md §6: "Overrides are only applied when
	// gateway-allow-search-overrides = yes" — with overrides disallowed,
	// every modifier (including {sort:...}) is stripped from the search
	// text but has no effect on index behavior.
	opts := parsedOpts
	if !gen.AllowOverrides() {
		opts = Options{}
	}

	indices := make([]*index.Index, 0, len(req.IndexNames))
	for _, name := range req.IndexNames {
		idx, err := gen.Acquire(e.gw.Dialer(), name)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve index %q: %w", name, err)
		}
		idx.ResetTemporaryErrors()
		idx.ResetSearchOverrides(gen.Defaults(), index.ResolveBounds(gen.Config(), name, len(idx.Segments)))
		idx.LastAccess = time.Now()

		if gen.AllowOverrides() {
			applyOverrides(idx, opts)
		}
		if err := idx.Open(gen.Defaults().Protocol, gen.Defaults().SendInit); err != nil {
			return nil, fmt.Errorf("dispatch: open index %q: %w", name, err)
		}
		indices = append(indices, idx)
	}

	multiGatewayIndex := len(indices) > 1
	multiIndex := multiGatewayIndex
	if !multiIndex {
		multiIndex = len(indices[0].Segments) > 1
	}

	startIndex := req.Start
	if multiIndex {
		startIndex = 0
	}

	type outcome struct {
		name string
		res  *indexSearchResult
		err  error
	}

	results := make([]outcome, len(indices))
	if !multiGatewayIndex {
		res, err := e.searchIndex(ctx, gen, indices[0], req, opts, startIndex)
		results[0] = outcome{name: indices[0].Name, res: res, err: err}
	} else {
		var wg sync.WaitGroup
		for i, idx := range indices {
			wg.Add(1)
			go func(i int, idx *index.Index) {
				defer wg.Done()
				res, err := e.searchIndex(ctx, gen, idx, req, opts, startIndex)
				results[i] = outcome{name: idx.Name, res: res, err: err}
			}(i, idx)
		}
		wg.Wait()
	}

	var errs error
	var rows []Row
	var totalResults uint64
	var maxSortKey float64
	sortTypes := map[lwps.SortType]bool{}

	for _, o := range results {
		if o.err != nil {
			if indexIgnoresSearchErrors(indices, o.name) {
				logging.Warnf("dispatch: index %s search failed, ignoring: %v", o.name, o.err)
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("index %s: %w", o.name, o.err))
			continue
		}
		if o.res == nil {
			continue
		}
		totalResults += o.res.totalResults
		if o.res.maxSortKey > maxSortKey {
			maxSortKey = o.res.maxSortKey
		}
		sortTypes[o.res.sortType] = true
		for _, r := range o.res.rows {
			rows = append(rows, Row{DocKey: r.DocKey, SortKey: r.SortKey, IndexName: o.name})
		}
	}
	if errs != nil {
		return nil, errs
	}

	commonSortType := lwps.SortUnknown
	if len(sortTypes) == 1 {
		for t := range sortTypes {
			commonSortType = t
		}
	}
	if commonSortType == lwps.SortUnknown {
		for i := range rows {
			if rows[i].SortKey.Type == lwps.SortUCharAsc || rows[i].SortKey.Type == lwps.SortUCharDesc {
				rows[i].SortKey = lwps.SortKey{}
			}
		}
	}

	if multiIndex && len(rows) > 0 {
		sortRows(rows, commonSortType)
		rows = splice(rows, req.Start, req.End)
	}

	return &Response{
		Rows:         rows,
		TotalResults: totalResults,
		MaxSortKey:   maxSortKey,
		SortType:     commonSortType,
		SearchTimeMs: time.Since(started).Milliseconds(),
	}, nil
}

func indexIgnoresSearchErrors(indices []*index.Index, name string) bool {
	for _, idx := range indices {
		if idx.Name == name {
			return idx.Flags.IgnoreSearchError
		}
	}
	return false
}

func applyOverrides(idx *index.Index, opts Options) {
	if opts.HasConnectionTimeout {
		idx.Timeouts.Connection = time.Duration(opts.ConnectionTimeoutMS) * time.Millisecond
	}
	if opts.HasSearchTimeout {
		idx.Timeouts.Search = time.Duration(opts.SearchTimeoutMS) * time.Millisecond
	}
	if opts.HasRetrievalTimeout {
		idx.Timeouts.Retrieval = time.Duration(opts.RetrievalTimeoutMS) * time.Millisecond
	}
	if opts.HasInformationTimeout {
		idx.Timeouts.Information = time.Duration(opts.InformationTimeoutMS) * time.Millisecond
	}
	if opts.HasMirrorAffinity && opts.MirrorAffinity >= -1 {
		idx.MirrorAffinity = opts.MirrorAffinity
	}
	bounds := idx.Bounds
	if opts.HasMaxSegmentsSearched {
		bounds.Max = opts.MaxSegmentsSearched
	}
	if opts.HasMinSegmentsSearched {
		bounds.Min = opts.MinSegmentsSearched
	}
	idx.Bounds = clampToSegments(bounds, len(idx.Segments))
}

func clampToSegments(b index.Bounds, segmentCount int) index.Bounds {
	if b.Max < 0 || b.Max > segmentCount {
		b.Max = segmentCount
	}
	if b.Min < 0 || b.Min > segmentCount {
		b.Min = 0
	}
	if b.Max > 0 && b.Min > b.Max {
		b.Min = b.Max
	}
	return b
}

func sortRows(rows []Row, sortType lwps.SortType) {
	less := func(i, j int) bool { return false }
	switch sortType {
	case lwps.SortUIntAsc:
		less = func(i, j int) bool { return rows[i].SortKey.UInt < rows[j].SortKey.UInt }
	case lwps.SortUIntDesc:
		less = func(i, j int) bool { return rows[i].SortKey.UInt > rows[j].SortKey.UInt }
	case lwps.SortDoubleAsc:
		less = func(i, j int) bool { return rows[i].SortKey.Float < rows[j].SortKey.Float }
	case lwps.SortDoubleDesc:
		less = func(i, j int) bool { return rows[i].SortKey.Float > rows[j].SortKey.Float }
	case lwps.SortUCharAsc:
		less = func(i, j int) bool { return rows[i].SortKey.Str < rows[j].SortKey.Str }
	case lwps.SortUCharDesc:
		less = func(i, j int) bool { return rows[i].SortKey.Str > rows[j].SortKey.Str }
	default:
		return
	}
	sort.SliceStable(rows, less)
}

func splice(rows []Row, start, end int64) []Row {
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > int64(len(rows)) {
		end = int64(len(rows))
	}
	if start >= int64(len(rows)) || start >= end {
		return nil
	}
	return rows[start:end]
}

// newRequestID generates a per-search request identifier (google/uuid),
// attached to every outbound lwps.Request.
func newRequestID() string {
	return uuid.NewString()
}

// parseCanonicalDocKey reverses the "<canonical_mirror_url>/<key>" rewrite
// applied to from_config index results (spec.md §4.7), returning the
// mirror identity and original key when docKey carries the prefix.
func parseCanonicalDocKey(docKey string, protocol lwps.Protocol) (mirror.Identity, string, bool) {
	prefix := protocol.String() + "://"
	if !strings.HasPrefix(docKey, prefix) {
		return mirror.Identity{}, "", false
	}
	rest := docKey[len(prefix):]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return mirror.Identity{}, "", false
	}
	hostport, remainder := rest[:slash], rest[slash+1:]
	slash2 := strings.Index(remainder, "/")
	if slash2 < 0 {
		return mirror.Identity{}, "", false
	}
	remoteIndex, key := remainder[:slash2], remainder[slash2+1:]

	host, port := hostport, 0
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		host = hostport[:i]
		p, err := strconv.Atoi(hostport[i+1:])
		if err != nil {
			return mirror.Identity{}, "", false
		}
		port = p
	}
	return mirror.Identity{Host: host, Port: port, RemoteIndexName: remoteIndex}, key, true
}

// Retrieve implements spec.md §4.7 "Retrieval dispatch": routes to the
// mirror encoded in a from_config document key, or to the first segment
// otherwise.
func (e *Engine) Retrieve(ctx context.Context, gen *gateway.Generation, idx *index.Index, req *lwps.RetrievalRequest) ([]byte, error) {
	protocol := gen.Defaults().Protocol
	policy := idx.Policy(protocol, gen.Defaults().SendInit)

	if id, originalKey, ok := parseCanonicalDocKey(req.Key, protocol); ok {
		for _, seg := range idx.Segments {
			for _, m := range seg.Mirrors {
				if m.Identity.Host == id.Host && m.Identity.Port == id.Port && m.Identity.RemoteIndexName == id.RemoteIndexName {
					out := *req
					out.Key = originalKey
					var preferred *mirror.Mirror
					if req.ChunkType == lwps.ChunkSearchReport {
						preferred = m
					}
					return seg.Retrieve(ctx, policy, &out, idx.Timeouts.Retrieval, preferred)
				}
			}
		}
	}

	if len(idx.Segments) == 0 {
		return nil, gwerrors.ErrInvalidDocumentKey
	}
	return idx.Segments[0].Retrieve(ctx, policy, req, idx.Timeouts.Retrieval, nil)
}
