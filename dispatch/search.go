package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fschiettecatte/mps-sub005/cache/searchcache"
	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/index"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/mirror"
	"github.com/fschiettecatte/mps-sub005/segment"
)

func segmentSearchFailed(name string) error {
	return fmt.Errorf("%w: index %s: one or more segments failed", gwerrors.ErrTransportConnFailed, name)
}

// indexSearchResult is one index's merged-across-segments search outcome,
// before the document-key rewrite for from_config origins and before the
// cross-index merge.
type indexSearchResult struct {
	rows         []lwps.Row
	totalResults uint64
	maxSortKey   float64
	sortType     lwps.SortType
}

type segmentOutcome struct {
	seg  *segment.Segment
	resp *lwps.Response
	m    *mirror.Mirror
	err  error
}

// searchIndex implements spec.md §4.7's per-index search worker: it decides
// whether early-completion applies, runs Phase A or Phase B accordingly,
// and rewrites from_config result keys to their canonical mirror URL.
func (e *Engine) searchIndex(ctx context.Context, gen *gateway.Generation, idx *index.Index, req Request, opts Options, startIndex int64) (*indexSearchResult, error) {
	protocol := gen.Defaults().Protocol
	policy := idx.Policy(protocol, gen.Defaults().SendInit)

	if startIndex == 0 && req.End == 0 && gen.Caches().ShortResults.Enabled() {
		e.warmIndexInfo(ctx, gen, idx, policy)
	}

	cacheKey, cacheable := shortResultsKey(gen, idx, protocol, req, startIndex)
	if cacheable {
		cached, ok, err := gen.Caches().ShortResults.GetShortResults(cacheKey)
		if err != nil {
			logging.Warnf("dispatch: short-results cache lookup failed for index %s: %v", idx.Name, err)
		} else if ok {
			return shortResultsToOutcome(cached), nil
		}
	}

	res, err := e.searchIndexUncached(ctx, gen, idx, req, opts, startIndex, protocol, policy)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := gen.Caches().ShortResults.SaveShortResults(cacheKey, outcomeToShortResults(cacheKey, res)); err != nil {
			logging.Warnf("dispatch: short-results cache save failed for index %s: %v", idx.Name, err)
		}
	}
	return res, nil
}

func (e *Engine) searchIndexUncached(ctx context.Context, gen *gateway.Generation, idx *index.Index, req Request, opts Options, startIndex int64, protocol lwps.Protocol, policy segment.Policy) (*indexSearchResult, error) {
	lwpsReq := func(seg *segment.Segment, start, end int64) *lwps.Request {
		remoteName := seg.Mirrors[0].Identity.RemoteIndexName
		r := &lwps.Request{
			RequestID:  newRequestID(),
			IndexName:  remoteName,
			Language:   req.Language,
			SearchText: req.SearchText,
			PositiveFB: req.PositiveFB,
			NegativeFB: req.NegativeFB,
			Start:      start,
			End:        end,
		}
		if opts.SortSet && !opts.SortNone {
			r.SortField = opts.SortField
			r.SortOrder = opts.SortOrder.String()
		}
		return r
	}

	segmentCount := len(idx.Segments)
	earlyApplicable := !opts.EarlyCompletionDisabled &&
		len(idx.SortOrders) > 0 &&
		idx.Bounds.Min > 0 && idx.Bounds.Min < segmentCount &&
		opts.SortSet

	if !earlyApplicable {
		return e.searchPhaseB(ctx, idx, policy, lwpsReq, startIndex, req.End, protocol)
	}

	reverseOrder := false
	if !opts.SortNone {
		if declared, ok := idx.EffectiveSortOrder(opts.SortField); ok {
			reverseOrder = declared != opts.SortOrder
		}
	}

	order := make([]int, segmentCount)
	for i := range order {
		if reverseOrder {
			order[i] = segmentCount - 1 - i
		} else {
			order[i] = i
		}
	}

	return e.searchPhaseA(ctx, gen, idx, policy, lwpsReq, order, startIndex, req.End, protocol)
}

func (e *Engine) searchPhaseB(ctx context.Context, idx *index.Index, policy segment.Policy, lwpsReq func(*segment.Segment, int64, int64) *lwps.Request, start, end int64, protocol lwps.Protocol) (*indexSearchResult, error) {
	outcomes := make([]segmentOutcome, len(idx.Segments))
	var wg sync.WaitGroup
	for i, seg := range idx.Segments {
		wg.Add(1)
		go func(i int, seg *segment.Segment) {
			defer wg.Done()
			resp, m, err := seg.Search(ctx, policy, lwpsReq(seg, start, end), idx.Timeouts.Search)
			outcomes[i] = segmentOutcome{seg: seg, resp: resp, m: m, err: err}
		}(i, seg)
	}
	wg.Wait()

	return e.mergeSegmentOutcomes(idx, outcomes, protocol)
}

func (e *Engine) searchPhaseA(ctx context.Context, gen *gateway.Generation, idx *index.Index, policy segment.Policy, lwpsReq func(*segment.Segment, int64, int64) *lwps.Request, order []int, start, end int64, protocol lwps.Protocol) (*indexSearchResult, error) {
	budget := idx.Timeouts.Search
	minSeg := idx.Bounds.Min
	maxSeg := idx.Bounds.Max
	if maxSeg <= 0 || maxSeg > len(order) {
		maxSeg = len(order)
	}

	var outcomes []segmentOutcome
	searched := make(map[int]bool)

	phaseStart := time.Now()
	parallel := order[:minSeg]
	parallelOutcomes := make([]segmentOutcome, len(parallel))
	var wg sync.WaitGroup
	for i, segIdx := range parallel {
		wg.Add(1)
		go func(i, segIdx int) {
			defer wg.Done()
			seg := idx.Segments[segIdx]
			resp, m, err := seg.Search(ctx, policy, lwpsReq(seg, start, end), budget)
			parallelOutcomes[i] = segmentOutcome{seg: seg, resp: resp, m: m, err: err}
		}(i, segIdx)
	}
	wg.Wait()
	for i, segIdx := range parallel {
		searched[segIdx] = true
		outcomes = append(outcomes, parallelOutcomes[i])
	}
	budget -= time.Since(phaseStart)

	accumulated := sumOutcomeRows(outcomes)

	for _, segIdx := range order[minSeg:] {
		if budget <= 0 {
			break
		}
		if int64(accumulated) > end && end > 0 {
			break
		}
		if len(searched) >= maxSeg {
			break
		}
		seg := idx.Segments[segIdx]
		stepStart := time.Now()
		resp, m, err := seg.Search(ctx, policy, lwpsReq(seg, start, end), budget)
		budget -= time.Since(stepStart)
		searched[segIdx] = true
		outcomes = append(outcomes, segmentOutcome{seg: seg, resp: resp, m: m, err: err})
		accumulated = sumOutcomeRows(outcomes)
	}

	res, err := e.mergeSegmentOutcomes(idx, outcomes, protocol)
	if err != nil {
		return nil, err
	}

	if len(searched) < len(idx.Segments) {
		res.totalResults = estimateTotalResults(gen, idx, protocol, searched, res.totalResults)
	}

	return res, nil
}

func sumOutcomeRows(outcomes []segmentOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.resp != nil {
			n += len(o.resp.Rows)
		}
	}
	return n
}

func (e *Engine) mergeSegmentOutcomes(idx *index.Index, outcomes []segmentOutcome, protocol lwps.Protocol) (*indexSearchResult, error) {
	res := &indexSearchResult{sortType: lwps.SortUnknown}
	sortTypes := map[lwps.SortType]bool{}
	hardFail := false

	for _, o := range outcomes {
		if o.err != nil {
			if idx.Flags.IgnoreSearchError {
				continue
			}
			hardFail = true
			continue
		}
		if o.resp == nil {
			continue
		}
		res.totalResults += o.resp.TotalResults
		if o.resp.MaxSortKey > res.maxSortKey {
			res.maxSortKey = o.resp.MaxSortKey
		}
		sortTypes[o.resp.SortType] = true

		for _, row := range o.resp.Rows {
			if idx.Origin == index.FromConfig && o.m != nil {
				row.DocKey = o.m.Identity.CanonicalURL(protocol) + "/" + row.DocKey
			}
			res.rows = append(res.rows, row)
		}
	}

	if hardFail {
		return nil, segmentSearchFailed(idx.Name)
	}

	if len(sortTypes) == 1 {
		for t := range sortTypes {
			res.sortType = t
		}
	}
	return res, nil
}

// estimateTotalResults implements spec.md §4.7 Phase A.3: scale the
// observed total by the ratio of the index's full document count to the
// searched subset's, using only already-cached index_info (never
// triggering a new remote call), falling back to a plain segment-count
// ratio when cached data is incomplete.
func estimateTotalResults(gen *gateway.Generation, idx *index.Index, protocol lwps.Protocol, searched map[int]bool, observed uint64) uint64 {
	var searchedDocs, totalDocs uint64
	complete := true
	for i, seg := range idx.Segments {
		info, ok := cachedIndexInfo(gen, seg, protocol)
		if !ok {
			complete = false
			break
		}
		totalDocs += info.DocumentCount
		if searched[i] {
			searchedDocs += info.DocumentCount
		}
	}

	if complete && searchedDocs > 0 {
		return uint64(float64(observed) * float64(totalDocs) / float64(searchedDocs))
	}

	if len(searched) == 0 {
		return observed
	}
	return observed * uint64(len(idx.Segments)) / uint64(len(searched))
}

func cachedIndexInfo(gen *gateway.Generation, seg *segment.Segment, protocol lwps.Protocol) (*lwps.IndexInfo, bool) {
	if len(seg.Mirrors) == 0 {
		return nil, false
	}
	key := seg.Mirrors[0].Identity.CanonicalURL(protocol)
	payload, ok := gen.Info().Get(key, lwps.InfoIndexInfo)
	if !ok {
		return nil, false
	}
	info, ok := payload.(*lwps.IndexInfo)
	return info, ok
}

// warmIndexInfo fetches and caches index_info for every segment of idx that
// the info cache doesn't already hold a live entry for (spec.md §4.2). It is
// the population side of cachedIndexInfo: without it the info cache would
// only ever be read from, never written to, and estimateTotalResults and the
// short-results cache's freshness key would never have anything to read.
// Fetch failures are logged and skipped; a segment that can't report its
// freshness just keeps both consumers' "unknown" fallback behavior.
func (e *Engine) warmIndexInfo(ctx context.Context, gen *gateway.Generation, idx *index.Index, policy segment.Policy) {
	for _, seg := range idx.Segments {
		if _, ok := cachedIndexInfo(gen, seg, policy.Protocol); ok {
			continue
		}
		if len(seg.Mirrors) == 0 {
			continue
		}
		if err := seg.Open(ctx, policy); err != nil {
			logging.Warnf("dispatch: index_info warm-up: open failed for index %s: %v", idx.Name, err)
			continue
		}
		m := seg.Connected()
		if m == nil {
			continue
		}
		infoCtx, cancel := context.WithTimeout(ctx, idx.Timeouts.Information)
		info, err := m.Conn().IndexInfo(infoCtx, m.Identity.RemoteIndexName)
		cancel()
		if err != nil {
			logging.Warnf("dispatch: index_info warm-up: fetch failed for index %s: %v", idx.Name, err)
			continue
		}
		gen.Info().Add(m.Identity.CanonicalURL(policy.Protocol), lwps.InfoIndexInfo, info)
	}
}

// indexLastUpdateTime returns the newest LastUpdateTime among idx's
// segments' cached index_info (spec.md §4.3's "index.last_update_time"
// key input), or (0, false) if any segment's freshness is unknown. A
// backend re-index changes this value, which changes the short-results
// cache key, so stale entries are bypassed by construction rather than by
// explicit invalidation.
func indexLastUpdateTime(gen *gateway.Generation, idx *index.Index, protocol lwps.Protocol) (int64, bool) {
	var newest int64
	found := false
	for _, seg := range idx.Segments {
		info, ok := cachedIndexInfo(gen, seg, protocol)
		if !ok {
			return 0, false
		}
		found = true
		if info.LastUpdateTime > newest {
			newest = info.LastUpdateTime
		}
	}
	return newest, found
}

// shortResultsKey derives the persistent short-results cache key for this
// request (spec.md §4.3 table), reporting cacheable=false when caching
// cannot be safely attempted: freshness is unknown (some segment has no
// cached index_info), or the request is a deep-pagination window.
// The cache key carries no start/end (per the spec's table), so only the
// paginate-free shape (startIndex==0, req.End==0, meaning "give me the
// natural top of the result set") is safe to serve from or populate into
// the cache without truncating or duplicating rows across distinct
// windows of the same query.
func shortResultsKey(gen *gateway.Generation, idx *index.Index, protocol lwps.Protocol, req Request, startIndex int64) (searchcache.ShortResultsKey, bool) {
	if startIndex != 0 || req.End != 0 {
		return searchcache.ShortResultsKey{}, false
	}
	lastUpdate, ok := indexLastUpdateTime(gen, idx, protocol)
	if !ok {
		return searchcache.ShortResultsKey{}, false
	}
	return searchcache.ShortResultsKey{
		IndexName:      idx.Name,
		LastUpdateTime: lastUpdate,
		SearchText:     req.SearchText,
		PositiveFB:     req.PositiveFB,
		NegativeFB:     req.NegativeFB,
	}, true
}

// deriveSortType reports rows' common sort-key type, or SortUnknown when
// they disagree or there are none — mirroring how the live merge path
// derives a response's common sort type from per-row SortKey.Type.
func deriveSortType(rows []lwps.Row) lwps.SortType {
	if len(rows) == 0 {
		return lwps.SortUnknown
	}
	t := rows[0].SortKey.Type
	for _, row := range rows[1:] {
		if row.SortKey.Type != t {
			return lwps.SortUnknown
		}
	}
	return t
}

// outcomeToShortResults converts a freshly computed indexSearchResult into
// the persisted short-results artifact shape.
func outcomeToShortResults(key searchcache.ShortResultsKey, res *indexSearchResult) *searchcache.ShortResults {
	rows := make([]searchcache.ShortResultsRow, len(res.rows))
	for i, row := range res.rows {
		rows[i] = searchcache.ShortResultsRow{DocKey: row.DocKey, SortKey: row.SortKey}
	}
	return &searchcache.ShortResults{
		IndexName:      key.IndexName,
		LastUpdateTime: key.LastUpdateTime,
		SearchText:     key.SearchText,
		PositiveFB:     key.PositiveFB,
		NegativeFB:     key.NegativeFB,
		TotalResults:   res.totalResults,
		MaxSortKey:     res.maxSortKey,
		Rows:           rows,
	}
}

// shortResultsToOutcome converts a cached short-results artifact back into
// an indexSearchResult, as if it had just been computed live.
func shortResultsToOutcome(v *searchcache.ShortResults) *indexSearchResult {
	rows := make([]lwps.Row, len(v.Rows))
	for i, row := range v.Rows {
		rows[i] = lwps.Row{DocKey: row.DocKey, SortKey: row.SortKey}
	}
	return &indexSearchResult{
		rows:         rows,
		totalResults: v.TotalResults,
		maxSortKey:   v.MaxSortKey,
		sortType:     deriveSortType(rows),
	}
}
