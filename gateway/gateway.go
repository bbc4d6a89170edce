// Package gateway owns the session-root state described in spec.md §3/§5:
// the config reader, the logical-index registry, the autodiscovery trie,
// the info cache, and the four on-disk search caches. It also serializes
// reinitialization against request entry.
package gateway

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/fschiettecatte/mps-sub005/autodiscover"
	"github.com/fschiettecatte/mps-sub005/cache/infocache"
	"github.com/fschiettecatte/mps-sub005/cache/searchcache"
	"github.com/fschiettecatte/mps-sub005/config"
	"github.com/fschiettecatte/mps-sub005/index"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
)

// artifactClasses enumerates the four cache subdirectories, in the order
// spec.md §4.3 lists their key tuples.
var artifactClasses = []string{"short-results", "postings", "weight-vectors", "bitmaps"}

// Caches bundles one searchcache.Cache per artifact class.
type Caches struct {
	ShortResults  *searchcache.Cache
	Postings      *searchcache.Cache
	WeightVectors *searchcache.Cache
	Bitmaps       *searchcache.Cache
}

// Generation is one immutable snapshot of the gateway's config-derived
// state (spec.md §5 "Reinitialization"). A new Generation is built whenever
// the config file's status-change timestamp advances; requests already in
// flight keep using the Generation pointer they captured at entry.
type Generation struct {
	cfg            *config.Config
	defaults       index.Defaults
	allowOverrides bool
	trie           *autodiscover.Trie
	info           *infocache.Cache
	caches         Caches

	registryMu sync.Mutex
	registry   map[string]*index.Index
}

func newGeneration(cfg *config.Config, defaults index.Defaults, allowOverrides bool, trie *autodiscover.Trie, info *infocache.Cache, caches Caches) *Generation {
	return &Generation{
		cfg:            cfg,
		defaults:       defaults,
		allowOverrides: allowOverrides,
		trie:           trie,
		info:           info,
		caches:         caches,
		registry:       make(map[string]*index.Index),
	}
}

// Acquire resolves name to a working-copy *index.Index (spec.md §4.6
// duplicate(index)): the first resolution for a name initializes and
// caches a template in the registry; every call, including the first,
// returns an independent Duplicate so no caller can mutate shared state.
func (gen *Generation) Acquire(dialer lwps.Dialer, name string) (*index.Index, error) {
	gen.registryMu.Lock()
	tmpl, ok := gen.registry[name]
	gen.registryMu.Unlock()
	if ok {
		return tmpl.Duplicate(), nil
	}

	tmpl, err := index.Initialize(name, gen.cfg, gen.defaults, gen.trie, dialer)
	if err != nil {
		return nil, err
	}

	gen.registryMu.Lock()
	if existing, ok := gen.registry[name]; ok {
		tmpl = existing
	} else {
		gen.registry[name] = tmpl
	}
	gen.registryMu.Unlock()
	return tmpl.Duplicate(), nil
}

// Free clears this Generation's info cache. The index registry and the
// autodiscovery trie are left as they are.
func (gen *Generation) Free() {
	gen.info.FreeCache()
}

// Info returns this Generation's info cache.
func (gen *Generation) Info() *infocache.Cache { return gen.info }

// Caches returns this Generation's on-disk artifact caches.
func (gen *Generation) Caches() Caches { return gen.caches }

// AllowOverrides reports whether "gateway-allow-search-overrides" is set,
// gating the dispatch layer's search-text modifier overrides (spec.md §6).
func (gen *Generation) AllowOverrides() bool { return gen.allowOverrides }

// Defaults returns this Generation's resolved gateway-level defaults.
func (gen *Generation) Defaults() index.Defaults { return gen.defaults }

// Config returns this Generation's configuration snapshot.
func (gen *Generation) Config() *config.Config { return gen.cfg }

// Gateway is the long-lived handle a request-dispatch layer opens once and
// reuses across requests, re-entering EnterRequest at the top of each one.
type Gateway struct {
	dialer lwps.Dialer

	mu  sync.RWMutex // read lock for request-entry snapshot, write lock for reinit swap
	gen *Generation

	watcher     *fsnotify.Watcher
	forceReinit atomic.Bool
}

// Open loads the config at path and builds the first Generation.
func Open(ctx context.Context, path string, dialer lwps.Dialer) (*Gateway, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	gen, err := buildGeneration(ctx, cfg, dialer)
	if err != nil {
		return nil, err
	}
	return &Gateway{dialer: dialer, gen: gen}, nil
}

// EnterRequest implements spec.md §5 "on each request entry, the gateway
// re-stats its config file": if the status-change time has advanced, the
// current Generation is replaced; otherwise the existing Generation is
// returned unchanged. The returned Generation is stable for the lifetime
// of one request regardless of later reinitializations (spec.md §5:
// in-flight requests finish against the Generation they captured at
// entry).
func (gw *Gateway) EnterRequest(ctx context.Context) *Generation {
	gw.mu.RLock()
	cur := gw.gen
	gw.mu.RUnlock()

	changed, err := cur.cfg.StatusChanged()
	if err != nil {
		return cur
	}
	if !changed && !gw.forceReinit.Load() {
		return cur
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.forceReinit.Store(false)
	if gw.gen != cur {
		return gw.gen // someone else already reinitialized
	}
	if err := cur.cfg.Reload(); err != nil {
		logging.Warnf("gateway: reinit: reload config: %v", err)
		return cur
	}
	next, err := buildGeneration(ctx, cur.cfg, gw.dialer)
	if err != nil {
		logging.Warnf("gateway: reinit: rebuild failed, keeping previous Generation: %v", err)
		return cur
	}
	cur.Free()
	gw.gen = next
	return next
}

// Acquire is a convenience that enters a request and resolves name in one
// step.
func (gw *Gateway) Acquire(ctx context.Context, name string) (*index.Index, *Generation, error) {
	gen := gw.EnterRequest(ctx)
	idx, err := gen.Acquire(gw.dialer, name)
	return idx, gen, err
}

// Dialer returns the transport dialer the gateway was opened with, so the
// dispatch layer can resolve indices through a Generation without reaching
// into unexported fields.
func (gw *Gateway) Dialer() lwps.Dialer {
	return gw.dialer
}

// Info returns the current Generation's info cache.
func (gw *Gateway) Info() *infocache.Cache {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.gen.info
}

// SearchCaches returns the current Generation's on-disk caches.
func (gw *Gateway) SearchCaches() Caches {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.gen.caches
}

// WatchConfig supplements the stat-on-request-entry poll (spec.md §5) with
// an fsnotify watch on the config file's directory: a write or rename is
// noticed between requests, not just at the next request's entry, which
// matters for a gateway sitting idle between bursts of traffic. It is
// best-effort — a watch failure only means reinit falls back to the
// stat-poll, so errors are logged, not returned to the caller's caller.
func (gw *Gateway) WatchConfig(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	gw.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					gw.forceReinit.Store(true)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warnf("gateway: config watch: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the config watcher, if one was started.
func (gw *Gateway) Close() error {
	if gw.watcher == nil {
		return nil
	}
	return gw.watcher.Close()
}

func buildGeneration(ctx context.Context, cfg *config.Config, dialer lwps.Dialer) (*Generation, error) {
	defaults := resolveDefaults(cfg)
	allowOverrides := boolOr(cfg, "gateway-allow-search-overrides", false)

	trie, err := buildTrie(ctx, cfg, defaults, dialer)
	if err != nil {
		logging.Warnf("gateway: autodiscovery failed, continuing without it: %v", err)
		trie = autodiscover.NewTrie()
	}

	ttl := time.Duration(intOr(cfg, "gateway-information-cache-timeout", 600)) * time.Second
	info := infocache.New(ttl)

	caches := buildCaches(cfg)

	return newGeneration(cfg, defaults, allowOverrides, trie, info, caches), nil
}

func buildTrie(ctx context.Context, cfg *config.Config, defaults index.Defaults, dialer lwps.Dialer) (*autodiscover.Trie, error) {
	hosts, ok := cfg.Get("index-hosts")
	if !ok || strings.TrimSpace(hosts.String()) == "" {
		trie := autodiscover.NewTrie()
		return trie, nil
	}
	return autodiscover.Scan(ctx, hosts.String(), defaults.Protocol, defaults.SendInit, defaults.ConnectTimeout, dialer, cfg)
}

func buildCaches(cfg *config.Config) Caches {
	dir, ok := cfg.Get("gateway-cache-directory")
	compress := boolOr(cfg, "gateway-cache-compress", false)

	var fs billy.Filesystem
	if ok && strings.TrimSpace(dir.String()) != "" {
		fs = osfs.New(dir.String())
	}

	build := func(class string) *searchcache.Cache {
		mode := searchcache.Off
		if fs != nil {
			mode = cacheMode(cfg, class)
		}
		mask := ""
		if v, ok := cfg.GetAppender("gateway-cache-subdirectory-mask", class); ok {
			mask = v.String()
		}
		return searchcache.New(fs, searchcache.Config{
			Mode:             mode,
			Root:             class,
			SubdirectoryMask: mask,
			Compress:         compress,
		})
	}

	return Caches{
		ShortResults:  build(artifactClasses[0]),
		Postings:      build(artifactClasses[1]),
		WeightVectors: build(artifactClasses[2]),
		Bitmaps:       build(artifactClasses[3]),
	}
}

func cacheMode(cfg *config.Config, class string) searchcache.Mode {
	v, ok := cfg.GetAppender("gateway-cache-mode", class)
	if !ok {
		return searchcache.Off
	}
	switch strings.ToLower(strings.TrimSpace(v.String())) {
	case "read-only", "readonly", "ro":
		return searchcache.ReadOnly
	case "read-write", "readwrite", "rw":
		return searchcache.ReadWrite
	default:
		return searchcache.Off
	}
}

func resolveDefaults(cfg *config.Config) index.Defaults {
	protocol := lwps.TCP
	if v, ok := cfg.GetAppender("gateway-network-protocol", "lwps"); ok && strings.EqualFold(v.String(), "udp") {
		protocol = lwps.UDP
	}
	sendInit := false
	if v, ok := cfg.GetAppender("gateway-send-init", "lwps"); ok {
		sendInit = v.Bool()
	}
	return index.Defaults{
		ConnectTimeout:     durationMS(cfg, "gateway-connection-timeout", 10),
		SearchTimeout:      durationMS(cfg, "gateway-search-timeout", 60_000),
		RetrievalTimeout:   durationMS(cfg, "gateway-retrieval-timeout", 5_000),
		InformationTimeout: durationMS(cfg, "gateway-information-timeout", 5_000),
		MirrorAffinity:     intOr(cfg, "gateway-mirror-affinity", -1),
		Protocol:           protocol,
		SendInit:           sendInit,
	}
}

func durationMS(cfg *config.Config, key string, def int) time.Duration {
	return time.Duration(intOr(cfg, key, def)) * time.Millisecond
}

func intOr(cfg *config.Config, key string, def int) int {
	v, ok := cfg.Get(key)
	if !ok {
		return def
	}
	s := strings.TrimSpace(v.String())
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func boolOr(cfg *config.Config, key string, def bool) bool {
	v, ok := cfg.Get(key)
	if !ok {
		return def
	}
	return v.Bool()
}
