package dispatch

import (
	"context"

	"github.com/fschiettecatte/mps-sub005/cache/searchcache"
	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/gateway"
	"github.com/fschiettecatte/mps-sub005/index"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/segment"
)

// artifactRoute resolves the segment and policy an out-of-band artifact
// fetch (postings, weight vector, bitmap) is issued against. These requests
// carry no mirror-routing hint of their own the way a search result's
// Retrieve does, so they fall back to the first segment (spec.md §4.7's
// Retrieve fallback, reused here for consistency).
func artifactRoute(gen *gateway.Generation, idx *index.Index) (*segment.Segment, segment.Policy, error) {
	if len(idx.Segments) == 0 {
		return nil, segment.Policy{}, gwerrors.ErrInvalidIndex
	}
	protocol := gen.Defaults().Protocol
	return idx.Segments[0], idx.Policy(protocol, gen.Defaults().SendInit), nil
}

// artifactLastUpdateTime reports the routed segment's cached freshness
// stamp, warming it with a live index_info fetch on a miss. Artifact
// caching is keyed on this value (spec.md §4.3), so a segment whose
// freshness can't be determined makes the artifact uncacheable rather than
// wrong: callers still get the live fetch, just without a cache entry.
func (e *Engine) artifactLastUpdateTime(ctx context.Context, gen *gateway.Generation, idx *index.Index, seg *segment.Segment, policy segment.Policy) (int64, bool) {
	if info, ok := cachedIndexInfo(gen, seg, policy.Protocol); ok {
		return info.LastUpdateTime, true
	}
	e.warmIndexInfo(ctx, gen, &index.Index{Name: idx.Name, Segments: []*segment.Segment{seg}, Timeouts: idx.Timeouts}, policy)
	info, ok := cachedIndexInfo(gen, seg, policy.Protocol)
	if !ok {
		return 0, false
	}
	return info.LastUpdateTime, true
}

// Postings fetches one term's postings list, serving a fresh on-disk cache
// entry when one exists and populating the cache on a live fetch (spec.md
// §4.3's postings artifact class).
func (e *Engine) Postings(ctx context.Context, gen *gateway.Generation, idx *index.Index, req *lwps.PostingsRequest) (*lwps.Postings, error) {
	seg, policy, err := artifactRoute(gen, idx)
	if err != nil {
		return nil, err
	}

	cache := gen.Caches().Postings
	lastUpdate, cacheable := int64(0), false
	if cache.Enabled() {
		lastUpdate, cacheable = e.artifactLastUpdateTime(ctx, gen, idx, seg, policy)
	}

	var key searchcache.PostingsKey
	if cacheable {
		key = searchcache.PostingsKey{
			IndexName:      req.IndexName,
			LastUpdateTime: lastUpdate,
			LanguageID:     req.LanguageID,
			Term:           req.Term,
			FieldName:      req.FieldName,
			FunctionID:     req.FunctionID,
			RangeID:        req.RangeID,
			WildcardFlag:   req.WildcardFlag,
			TermWeight:     req.TermWeight,
			RequiredFlag:   req.RequiredFlag,
		}
		if cached, ok, err := cache.GetPostings(key); err != nil {
			logging.Warnf("dispatch: postings cache lookup failed for index %s: %v", idx.Name, err)
		} else if ok {
			return postingsFromCache(cached), nil
		}
	}

	resp, err := seg.Postings(ctx, policy, req, idx.Timeouts.Information)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := cache.SavePostings(key, postingsToCache(key, resp)); err != nil {
			logging.Warnf("dispatch: postings cache save failed for index %s: %v", idx.Name, err)
		}
	}
	return resp, nil
}

// WeightVector fetches one named term-weight vector, caching it the same
// way Postings does.
func (e *Engine) WeightVector(ctx context.Context, gen *gateway.Generation, idx *index.Index, req *lwps.WeightVectorRequest) (*lwps.WeightVector, error) {
	seg, policy, err := artifactRoute(gen, idx)
	if err != nil {
		return nil, err
	}

	cache := gen.Caches().WeightVectors
	lastUpdate, cacheable := int64(0), false
	if cache.Enabled() {
		lastUpdate, cacheable = e.artifactLastUpdateTime(ctx, gen, idx, seg, policy)
	}

	var key searchcache.WeightVectorKey
	if cacheable {
		key = searchcache.WeightVectorKey{
			IndexName:      req.IndexName,
			LastUpdateTime: lastUpdate,
			WeightName:     req.WeightName,
		}
		if cached, ok, err := cache.GetWeightVector(key); err != nil {
			logging.Warnf("dispatch: weight vector cache lookup failed for index %s: %v", idx.Name, err)
		} else if ok {
			return weightVectorFromCache(cached), nil
		}
	}

	resp, err := seg.WeightVector(ctx, policy, req, idx.Timeouts.Information)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := cache.SaveWeightVector(key, weightVectorToCache(key, resp)); err != nil {
			logging.Warnf("dispatch: weight vector cache save failed for index %s: %v", idx.Name, err)
		}
	}
	return resp, nil
}

// Bitmap fetches one named document bitmap, caching it the same way
// Postings does; BitmapRequest.BitmapLastUpdate additionally scopes the key
// to the caller's known bitmap generation, since a named bitmap can change
// independently of the index's own last-update stamp.
func (e *Engine) Bitmap(ctx context.Context, gen *gateway.Generation, idx *index.Index, req *lwps.BitmapRequest) (*lwps.Bitmap, error) {
	seg, policy, err := artifactRoute(gen, idx)
	if err != nil {
		return nil, err
	}

	cache := gen.Caches().Bitmaps
	lastUpdate, cacheable := int64(0), false
	if cache.Enabled() {
		lastUpdate, cacheable = e.artifactLastUpdateTime(ctx, gen, idx, seg, policy)
	}

	var key searchcache.BitmapKey
	if cacheable {
		key = searchcache.BitmapKey{
			IndexName:        req.IndexName,
			LastUpdateTime:   lastUpdate,
			BitmapName:       req.BitmapName,
			BitmapLastUpdate: req.BitmapLastUpdate,
		}
		if cached, ok, err := cache.GetBitmap(key); err != nil {
			logging.Warnf("dispatch: bitmap cache lookup failed for index %s: %v", idx.Name, err)
		} else if ok {
			return bitmapFromCache(cached), nil
		}
	}

	resp, err := seg.Bitmap(ctx, policy, req, idx.Timeouts.Information)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := cache.SaveBitmap(key, bitmapToCache(key, resp)); err != nil {
			logging.Warnf("dispatch: bitmap cache save failed for index %s: %v", idx.Name, err)
		}
	}
	return resp, nil
}

func postingsFromCache(v *searchcache.Postings) *lwps.Postings {
	rows := make([]lwps.PostingsRow, len(v.Rows))
	for i, r := range v.Rows {
		rows[i] = lwps.PostingsRow{DocID: r.DocID, TermPosition: r.TermPosition, Weight: r.Weight}
	}
	return &lwps.Postings{
		TermType:      v.TermType,
		TermCount:     v.TermCount,
		DocumentCount: v.DocumentCount,
		Rows:          rows,
	}
}

func postingsToCache(key searchcache.PostingsKey, v *lwps.Postings) *searchcache.Postings {
	rows := make([]searchcache.PostingsRow, len(v.Rows))
	for i, r := range v.Rows {
		rows[i] = searchcache.PostingsRow{DocID: r.DocID, TermPosition: r.TermPosition, Weight: r.Weight}
	}
	return &searchcache.Postings{
		IndexName:      key.IndexName,
		LastUpdateTime: key.LastUpdateTime,
		Term:           key.Term,
		FieldName:      key.FieldName,
		TermType:       v.TermType,
		TermCount:      v.TermCount,
		DocumentCount:  v.DocumentCount,
		RequiredFlag:   key.RequiredFlag,
		Rows:           rows,
	}
}

func weightVectorFromCache(v *searchcache.WeightVector) *lwps.WeightVector {
	return &lwps.WeightVector{Weights: v.Weights}
}

func weightVectorToCache(key searchcache.WeightVectorKey, v *lwps.WeightVector) *searchcache.WeightVector {
	return &searchcache.WeightVector{
		IndexName:      key.IndexName,
		LastUpdateTime: key.LastUpdateTime,
		WeightName:     key.WeightName,
		Weights:        v.Weights,
	}
}

func bitmapFromCache(v *searchcache.Bitmap) *lwps.Bitmap {
	return &lwps.Bitmap{Bits: v.Bits}
}

func bitmapToCache(key searchcache.BitmapKey, v *lwps.Bitmap) *searchcache.Bitmap {
	return &searchcache.Bitmap{
		IndexName:      key.IndexName,
		LastUpdateTime: key.LastUpdateTime,
		BitmapName:     key.BitmapName,
		Bits:           v.Bits,
	}
}
