// Package segment models an ordered set of mirrors holding identical
// content (spec.md §3, §4.5): mirror selection at open time, and the
// retry/failover semantics for search and retrieval.
package segment

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/mirror"
)

// Policy carries the subset of a logical index's configuration a segment
// needs to open and search itself.
type Policy struct {
	Protocol       lwps.Protocol
	SendInit       bool
	ConnectTimeout time.Duration
	MirrorAffinity int // -1 == random by priority, else preferred offset
}

// Segment is an ordered array of equivalent mirrors; at most one is
// connected at a time (spec.md invariant).
type Segment struct {
	Mirrors []*mirror.Mirror

	mu     sync.Mutex
	dialer lwps.Dialer
	rng    *rand.Rand
}

// New returns a segment over mirrors, using dialer to open connections.
func New(mirrors []*mirror.Mirror, dialer lwps.Dialer) *Segment {
	return &Segment{
		Mirrors: mirrors,
		dialer:  dialer,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dialer returns the segment's lwps.Dialer, used by index.Duplicate to
// wire up cloned segments without aliasing mutable state.
func (s *Segment) Dialer() lwps.Dialer {
	return s.dialer
}

// Connected returns the sole connected mirror, or nil.
func (s *Segment) Connected() *mirror.Mirror {
	for _, m := range s.Mirrors {
		if m.State() == mirror.Connected {
			return m
		}
	}
	return nil
}

// IsOpen reports the segment's effective liveness: some mirror connected.
func (s *Segment) IsOpen() bool {
	return s.Connected() != nil
}

// availability builds the weighted offset list described in spec.md
// §4.5 step 1: every non-error mirror's offset appears Priority times.
func (s *Segment) availability() []int {
	var list []int
	for i, m := range s.Mirrors {
		switch m.State() {
		case mirror.PermanentError, mirror.TemporaryError:
			continue
		}
		weight := m.Priority
		if weight < 1 {
			weight = 1
		}
		for j := 0; j < weight; j++ {
			list = append(list, i)
		}
	}
	return list
}

// Open implements spec.md §4.5 open(segment, index): short-circuits if
// already open, otherwise tries the affinity mirror once, then draws
// uniformly from the shrinking availability list until one opens or the
// list is exhausted.
func (s *Segment) Open(ctx context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsOpen() {
		return nil
	}

	triedAffinity := false
	if p.MirrorAffinity >= 0 && p.MirrorAffinity < len(s.Mirrors) {
		affinityMirror := s.Mirrors[p.MirrorAffinity]
		switch affinityMirror.State() {
		case mirror.PermanentError, mirror.TemporaryError:
			// skip
		default:
			triedAffinity = true
			if err := affinityMirror.Open(ctx, s.dialer, p.Protocol, p.ConnectTimeout, p.SendInit); err == nil {
				return nil
			}
		}
	}

	for {
		list := s.availability()
		if p.MirrorAffinity >= 0 && triedAffinity {
			list = removeAll(list, p.MirrorAffinity)
		}
		if len(list) == 0 {
			return gwerrors.ErrNoAvailableMirror
		}
		offset := list[s.rng.Intn(len(list))]
		m := s.Mirrors[offset]
		if err := m.Open(ctx, s.dialer, p.Protocol, p.ConnectTimeout, p.SendInit); err == nil {
			return nil
		}
		// m.Open already recorded the failure on the mirror itself; the
		// next availability() call naturally shrinks the candidate set.
	}
}

func removeAll(list []int, v int) []int {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Close closes every mirror in the segment.
func (s *Segment) Close() {
	for _, m := range s.Mirrors {
		m.Close()
	}
}

// Search implements spec.md §4.5 search(): ensures the segment is open,
// issues against the connected mirror, and on a non-timeout transport or
// protocol error rotates to another mirror and retries. A timeout is
// surfaced immediately without retry, since the search wall-clock budget
// has been consumed.
func (s *Segment) Search(ctx context.Context, p Policy, req *lwps.Request, searchTimeout time.Duration) (*lwps.Response, *mirror.Mirror, error) {
	for {
		if err := s.Open(ctx, p); err != nil {
			return nil, nil, err
		}
		m := s.Connected()
		if m == nil {
			return nil, nil, gwerrors.ErrNoAvailableMirror
		}

		searchStart := time.Now()
		searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		resp, err := m.Conn().Search(searchCtx, req)
		cancel()
		if err == nil {
			m.RecordLatency(time.Since(searchStart))
			return resp, m, nil
		}

		if errors.Is(err, gwerrors.ErrTransportTimeout) {
			return nil, m, err
		}

		logging.Warnf("segment: search failed on mirror %s: %v; rotating", m.Identity.CanonicalURL(p.Protocol), err)
		m.MarkTemporaryError(err)
	}
}

// Postings fetches one term's postings list from the segment's connected
// mirror, for the postings-list artifact cache (spec.md §4.3). Follows the
// same open/rotate/timeout semantics as Search; there is no preferred-
// mirror variant because postings are not addressed by a prior search
// result's mirror routing.
func (s *Segment) Postings(ctx context.Context, p Policy, req *lwps.PostingsRequest, timeout time.Duration) (*lwps.Postings, error) {
	for {
		if err := s.Open(ctx, p); err != nil {
			return nil, err
		}
		m := s.Connected()
		if m == nil {
			return nil, gwerrors.ErrNoAvailableMirror
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := m.Conn().Postings(fetchCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gwerrors.ErrTransportTimeout) {
			return nil, err
		}
		logging.Warnf("segment: postings failed on mirror %s: %v; rotating", m.Identity.CanonicalURL(p.Protocol), err)
		m.MarkTemporaryError(err)
	}
}

// WeightVector fetches one named term-weight vector from the segment's
// connected mirror, for the weight-vector artifact cache (spec.md §4.3).
func (s *Segment) WeightVector(ctx context.Context, p Policy, req *lwps.WeightVectorRequest, timeout time.Duration) (*lwps.WeightVector, error) {
	for {
		if err := s.Open(ctx, p); err != nil {
			return nil, err
		}
		m := s.Connected()
		if m == nil {
			return nil, gwerrors.ErrNoAvailableMirror
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := m.Conn().WeightVector(fetchCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gwerrors.ErrTransportTimeout) {
			return nil, err
		}
		logging.Warnf("segment: weight vector failed on mirror %s: %v; rotating", m.Identity.CanonicalURL(p.Protocol), err)
		m.MarkTemporaryError(err)
	}
}

// Bitmap fetches one named document bitmap from the segment's connected
// mirror, for the bitmap artifact cache (spec.md §4.3).
func (s *Segment) Bitmap(ctx context.Context, p Policy, req *lwps.BitmapRequest, timeout time.Duration) (*lwps.Bitmap, error) {
	for {
		if err := s.Open(ctx, p); err != nil {
			return nil, err
		}
		m := s.Connected()
		if m == nil {
			return nil, gwerrors.ErrNoAvailableMirror
		}
		fetchCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := m.Conn().Bitmap(fetchCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, gwerrors.ErrTransportTimeout) {
			return nil, err
		}
		logging.Warnf("segment: bitmap failed on mirror %s: %v; rotating", m.Identity.CanonicalURL(p.Protocol), err)
		m.MarkTemporaryError(err)
	}
}

// Retrieve implements spec.md §4.5 retrieve(): targets a specific mirror
// when preferred is non-nil (the caller already knows which mirror
// served the original search result), otherwise discovers the connected
// mirror as in Search. Without preferred it follows the same
// retry/timeout semantics as Search; with preferred, a failure is
// returned without rotating to another mirror.
func (s *Segment) Retrieve(ctx context.Context, p Policy, req *lwps.RetrievalRequest, retrievalTimeout time.Duration, preferred *mirror.Mirror) ([]byte, error) {
	if preferred != nil {
		if preferred.State() != mirror.Connected {
			if err := preferred.Open(ctx, s.dialer, p.Protocol, p.ConnectTimeout, p.SendInit); err != nil {
				return nil, err
			}
		}
		retrieveCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
		defer cancel()
		return preferred.Conn().Retrieve(retrieveCtx, req)
	}

	for {
		if err := s.Open(ctx, p); err != nil {
			return nil, err
		}
		m := s.Connected()
		if m == nil {
			return nil, gwerrors.ErrNoAvailableMirror
		}

		retrieveCtx, cancel := context.WithTimeout(ctx, retrievalTimeout)
		data, err := m.Conn().Retrieve(retrieveCtx, req)
		cancel()
		if err == nil {
			return data, nil
		}
		if errors.Is(err, gwerrors.ErrTransportTimeout) {
			return nil, err
		}
		logging.Warnf("segment: retrieve failed on mirror %s: %v; rotating", m.Identity.CanonicalURL(p.Protocol), err)
		m.MarkTemporaryError(err)
	}
}
