// Package index models a logical index: an ordered array of segments plus
// sort metadata and policy flags (spec.md §3, §4.6).
package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/config"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/mirror"
	"github.com/fschiettecatte/mps-sub005/segment"
)

// Origin records how a logical index's location string was resolved.
type Origin int

const (
	FromURL Origin = iota
	FromConfig
)

// Order is a sort direction.
type Order int

const (
	Asc Order = iota
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// SortOrder is one (field, order) pair from an index's declared native
// ordering (spec.md §3).
type SortOrder struct {
	Field string
	Order Order
}

// Flags are the per-index error-handling and connection policy flags
// (spec.md §3).
type Flags struct {
	IgnoreConnectionError bool
	IgnoreSearchError     bool
	IgnoreRetrievalError  bool
	LazyConnection        bool
}

// Timeouts holds the effective per-operation timeouts, either gateway defaults or per-index/request overrides (spec.md §3).
type Timeouts struct {
	Connection  time.Duration
	Search      time.Duration
	Retrieval   time.Duration
	Information time.Duration
}

// Bounds are the segment-count search bounds (spec.md §3); 0 means
// unbounded.
type Bounds struct {
	Min int
	Max int
}

// Index is a logical, fully-initialized index. The registry holds one
// template Index per name; every call path works on a Duplicate.
type Index struct {
	Name     string
	Origin   Origin
	Segments []*segment.Segment

	Flags          Flags
	Timeouts       Timeouts
	MirrorAffinity int
	Bounds         Bounds
	SortOrders     []SortOrder

	LastAccess time.Time
}

// Defaults is the gateway-resolved defaults an index falls back to.
type Defaults struct {
	ConnectTimeout     time.Duration
	SearchTimeout      time.Duration
	RetrievalTimeout   time.Duration
	InformationTimeout time.Duration
	MirrorAffinity     int
	Protocol           lwps.Protocol
	SendInit           bool
}

// LocationResolver resolves a logical index name to a location string
// when it is not a literal LWPS URL and no "index-location:NAME" config
// entry exists; the gateway's autodiscovery trie implements this.
type LocationResolver interface {
	Resolve(name string) (string, bool)
}

// Initialize implements spec.md §4.6 initialize(name): resolves the
// location string, parses it into segments/mirrors, parses sort-orders
// and error-handling flags from config, and returns a fresh template
// Index (mirrors start Disconnected, priority 1).
func Initialize(name string, cfg *config.Config, defaults Defaults, resolver LocationResolver, dialer lwps.Dialer) (*Index, error) {
	location, origin, err := resolveLocation(name, cfg, resolver)
	if err != nil {
		return nil, err
	}

	segs, err := parseLocation(location, name, dialer)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		Name:     name,
		Origin:   origin,
		Segments: segs,
		Timeouts: Timeouts{
			Connection:  defaults.ConnectTimeout,
			Search:      defaults.SearchTimeout,
			Retrieval:   defaults.RetrievalTimeout,
			Information: defaults.InformationTimeout,
		},
		MirrorAffinity: defaults.MirrorAffinity,
	}

	idx.SortOrders = parseSortOrders(cfg, name)
	idx.Flags = resolveFlags(cfg, name)
	idx.Bounds = resolveBounds(cfg, name, len(segs))

	if v, ok := cfg.GetAppender("index-connection-policy", name); ok && strings.EqualFold(v.String(), "lazy") {
		idx.Flags.LazyConnection = true
	}

	return idx, nil
}

func resolveLocation(name string, cfg *config.Config, resolver LocationResolver) (string, Origin, error) {
	if strings.Contains(name, "://") {
		return name, FromURL, nil
	}
	if v, ok := cfg.GetAppender("index-location", name); ok {
		return v.String(), FromConfig, nil
	}
	if resolver != nil {
		if loc, ok := resolver.Resolve(name); ok {
			return loc, FromConfig, nil
		}
	}
	return "", FromURL, fmt.Errorf("%w: no location for index %q", gwerrors.ErrInvalidIndex, name)
}

// parseLocation implements the grammar from spec.md §6:
// SEGMENTS := SEGMENT ("," SEGMENT)*; SEGMENT := MIRROR ("|" MIRROR)*;
// MIRROR := protocol "://" host [":" port] "/" index_name.
func parseLocation(location, canonicalName string, dialer lwps.Dialer) ([]*segment.Segment, error) {
	segStrs := strings.Split(location, ",")
	segs := make([]*segment.Segment, 0, len(segStrs))
	for _, segStr := range segStrs {
		segStr = strings.TrimSpace(segStr)
		if segStr == "" {
			continue
		}
		mirrorStrs := strings.Split(segStr, "|")
		mirrors := make([]*mirror.Mirror, 0, len(mirrorStrs))
		for _, mirrorStr := range mirrorStrs {
			id, err := parseMirrorURL(strings.TrimSpace(mirrorStr), canonicalName)
			if err != nil {
				return nil, err
			}
			mirrors = append(mirrors, mirror.New(id))
		}
		if len(mirrors) == 0 {
			continue
		}
		segs = append(segs, segment.New(mirrors, dialer))
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: %q", gwerrors.ErrConfigMalformedLoc, location)
	}
	return segs, nil
}

const defaultLWPSPort = 8080

func parseMirrorURL(raw, canonicalName string) (mirror.Identity, error) {
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return mirror.Identity{}, fmt.Errorf("%w: %q", gwerrors.ErrConfigInvalidMirror, raw)
	}
	rest := raw[schemeSep+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return mirror.Identity{}, fmt.Errorf("%w: %q", gwerrors.ErrConfigInvalidMirror, raw)
	}
	hostport, remoteIndex := rest[:slash], rest[slash+1:]
	if remoteIndex == "" {
		return mirror.Identity{}, fmt.Errorf("%w: %q", gwerrors.ErrConfigInvalidMirror, raw)
	}

	host, port := hostport, defaultLWPSPort
	if i := strings.LastIndex(hostport, ":"); i >= 0 {
		host = hostport[:i]
		p, err := strconv.Atoi(hostport[i+1:])
		if err != nil {
			return mirror.Identity{}, fmt.Errorf("%w: %q", gwerrors.ErrConfigInvalidMirror, raw)
		}
		port = p
	}
	if host == "" {
		return mirror.Identity{}, fmt.Errorf("%w: %q", gwerrors.ErrConfigInvalidMirror, raw)
	}

	return mirror.Identity{
		CanonicalIndexName: canonicalName,
		Host:               host,
		Port:               port,
		RemoteIndexName:    remoteIndex,
	}, nil
}

var sortOrderAliases = map[string]string{
	"r": "relevance", "relevance": "relevance",
	"rk": "rank", "rank": "rank",
	"d": "date", "date": "date",
}

// parseSortOrders reads "index-sort-orders:NAME" as a space/comma list of
// "{sort:FIELD:ORDER}" (or abbreviated "{s:f:o}") clauses. Unrecognized
// clauses warn and are ignored, per spec.md §4.6.
func parseSortOrders(cfg *config.Config, name string) []SortOrder {
	v, ok := cfg.GetAppender("index-sort-orders", name)
	if !ok {
		return nil
	}
	fields := strings.FieldsFunc(v.String(), func(r rune) bool { return r == ' ' || r == ',' })
	var out []SortOrder
	for _, clause := range fields {
		clause = strings.TrimSpace(clause)
		clause = strings.TrimPrefix(clause, "{")
		clause = strings.TrimSuffix(clause, "}")
		parts := strings.Split(clause, ":")
		if len(parts) != 3 || (parts[0] != "sort" && parts[0] != "s") {
			logging.Warnf("index %s: ignoring malformed sort-order clause %q", name, clause)
			continue
		}
		field := parts[1]
		orderTok := strings.ToLower(parts[2])
		var order Order
		switch orderTok {
		case "asc", "a":
			order = Asc
		case "desc", "d":
			order = Desc
		default:
			logging.Warnf("index %s: ignoring sort-order clause with unknown order %q", name, clause)
			continue
		}
		if canon, ok := sortOrderAliases[strings.ToLower(field)]; ok {
			field = canon
		}
		out = append(out, SortOrder{Field: field, Order: order})
	}
	return out
}

func resolveFlags(cfg *config.Config, name string) Flags {
	ignore := func(key string) bool {
		v, ok := cfg.GetAppender(key, name)
		return ok && strings.EqualFold(v.String(), "ignore")
	}
	return Flags{
		IgnoreConnectionError: ignore("index-connection-error"),
		IgnoreSearchError:     ignore("index-search-error"),
		IgnoreRetrievalError:  ignore("index-retrieval-error"),
	}
}

func resolveBounds(cfg *config.Config, name string, segmentCount int) Bounds {
	return ResolveBounds(cfg, name, segmentCount)
}

// ResolveBounds reads "index-{max,min}-segments-searched:NAME" and clamps
// the result into [0, segmentCount] with Min <= Max (spec.md §4.6
// reset_search_overrides), exported so the dispatch layer can recompute
// config-supplied bounds on every request entry.
func ResolveBounds(cfg *config.Config, name string, segmentCount int) Bounds {
	b := Bounds{}
	if v, ok := cfg.GetAppender("index-max-segments-searched", name); ok {
		b.Max = v.Int()
	}
	if v, ok := cfg.GetAppender("index-min-segments-searched", name); ok {
		b.Min = v.Int()
	}
	return clampBounds(b, segmentCount)
}

func clampBounds(b Bounds, segmentCount int) Bounds {
	if b.Max < 0 {
		b.Max = 0
	}
	if b.Max > segmentCount {
		b.Max = segmentCount
	}
	if b.Min < 0 {
		b.Min = 0
	}
	if b.Min > segmentCount {
		b.Min = segmentCount
	}
	if b.Max > 0 && b.Min > b.Max {
		b.Min = b.Max
	}
	return b
}

// Duplicate produces a deep copy carrying its own mirror-state vectors,
// per spec.md §4.6 duplicate(index): every mutating call path works on a
// duplicate, never the registry template.
func (idx *Index) Duplicate() *Index {
	segs := make([]*segment.Segment, len(idx.Segments))
	for i, s := range idx.Segments {
		mirrors := make([]*mirror.Mirror, len(s.Mirrors))
		for j, m := range s.Mirrors {
			mirrors[j] = m.Clone()
		}
		segs[i] = segment.New(mirrors, s.Dialer())
	}
	dup := *idx
	dup.Segments = segs
	dup.SortOrders = append([]SortOrder(nil), idx.SortOrders...)
	return &dup
}

// ResetSearchOverrides implements spec.md §4.6 reset_search_overrides:
// resets per-request settings to the supplied defaults and config-derived
// bounds, then clamps Min/Max into [0, segment_count] with Min <= Max.
func (idx *Index) ResetSearchOverrides(defaults Defaults, configuredBounds Bounds) {
	idx.Timeouts = Timeouts{
		Connection:  defaults.ConnectTimeout,
		Search:      defaults.SearchTimeout,
		Retrieval:   defaults.RetrievalTimeout,
		Information: defaults.InformationTimeout,
	}
	idx.MirrorAffinity = defaults.MirrorAffinity
	idx.Bounds = clampBounds(configuredBounds, len(idx.Segments))
}

// ResetTemporaryErrors implements spec.md §4.6 reset_temporary_errors:
// every mirror in TemporaryError moves to Disconnected so the next open
// retries it; PermanentError mirrors are untouched.
func (idx *Index) ResetTemporaryErrors() {
	for _, s := range idx.Segments {
		for _, m := range s.Mirrors {
			m.ResetTemporaryError()
		}
	}
}

// Policy returns the segment.Policy derived from this index's current
// effective settings.
func (idx *Index) Policy(protocol lwps.Protocol, sendInit bool) segment.Policy {
	return segment.Policy{
		Protocol:       protocol,
		SendInit:       sendInit,
		ConnectTimeout: idx.Timeouts.Connection,
		MirrorAffinity: idx.MirrorAffinity,
	}
}

// Open implements spec.md §4.6 open(index): under lazy policy, returns nil
// without opening any segment; Index keeps no separate connection-state
// field, so nothing is marked. Otherwise opens every
// segment (in parallel when there is more than one). If every segment
// fails and the index does not ignore connection errors, Open fails;
// otherwise it proceeds with whatever subset opened.
func (idx *Index) Open(protocol lwps.Protocol, sendInit bool) error {
	if idx.Flags.LazyConnection {
		return nil
	}

	policy := idx.Policy(protocol, sendInit)
	if len(idx.Segments) == 1 {
		if err := idx.Segments[0].Open(context.Background(), policy); err != nil {
			if idx.Flags.IgnoreConnectionError {
				return nil
			}
			return err
		}
		return nil
	}

	type result struct {
		err error
	}
	results := make(chan result, len(idx.Segments))
	for _, s := range idx.Segments {
		s := s
		go func() {
			results <- result{err: s.Open(context.Background(), policy)}
		}()
	}

	failures := 0
	for range idx.Segments {
		if r := <-results; r.err != nil {
			failures++
		}
	}
	if failures == len(idx.Segments) && !idx.Flags.IgnoreConnectionError {
		return fmt.Errorf("%w: all segments failed to open for index %s", gwerrors.ErrTransportConnFailed, idx.Name)
	}
	return nil
}

// EffectiveSortOrder returns the declared order for field, and whether
// one is declared.
func (idx *Index) EffectiveSortOrder(field string) (Order, bool) {
	for _, so := range idx.SortOrders {
		if strings.EqualFold(so.Field, field) {
			return so.Order, true
		}
	}
	return Asc, false
}
