package searchcache

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/logging"
)

// Config configures a Cache instance (SPEC_FULL.md §4.3, "gateway-cache-*"
// keys).
type Config struct {
	Mode              Mode
	Root              string // e.g. "short-results", relative to FS's root
	SubdirectoryMask  string // e.g. "0/1/2", or "" for a flat directory
	Compress          bool
	SharedLockTimeout time.Duration
	ExclusiveTimeout  time.Duration
}

// Cache is one artifact class's on-disk cache (spec.md §4.3). A Gateway
// holds four of these, one per artifact class, sharing one billy
// filesystem rooted at the configured cache directory.
type Cache struct {
	fs  billy.Filesystem
	cfg Config

	hits   uint64
	misses uint64
	saves  uint64
}

// New returns a Cache backed by fs, rooted at cfg.Root within it.
func New(fs billy.Filesystem, cfg Config) *Cache {
	if cfg.SharedLockTimeout == 0 {
		cfg.SharedLockTimeout = 2 * time.Second
	}
	if cfg.ExclusiveTimeout == 0 {
		cfg.ExclusiveTimeout = 5 * time.Second
	}
	return &Cache{fs: fs, cfg: cfg}
}

// get returns the raw frame stored at hexDigest, or (nil, false, nil) on a
// clean miss. Mode Off always misses without touching the filesystem.
func (c *Cache) get(hexDigest, indexName string, lastUpdateTime int64) ([]byte, bool, error) {
	if c.cfg.Mode == Off {
		return nil, false, nil
	}
	path := c.cfg.Root + "/" + recordPath(c.cfg.SubdirectoryMask, hexDigest, indexName, lastUpdateTime)

	f, err := c.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.misses++
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("searchcache: open %s: %w", path, err)
	}
	defer f.Close()

	if err := acquireLock(f, false, c.cfg.SharedLockTimeout); err != nil {
		return nil, false, fmt.Errorf("searchcache: lock %s: %w", path, err)
	}
	defer releaseLock(f)

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("searchcache: read %s: %w", path, err)
	}
	c.hits++
	return raw, true, nil
}

// save writes raw to the file addressed by hexDigest, creating any
// intermediate subdirectories with permission 0755 (spec.md §4.3). It
// writes nothing unless the cache is in read-write mode: it returns nil
// when the cache is off and ErrCacheInvalidMode when it is read-only.
func (c *Cache) save(hexDigest, indexName string, lastUpdateTime int64, raw []byte) error {
	switch c.cfg.Mode {
	case Off:
		return nil
	case ReadOnly:
		return gwerrors.ErrCacheInvalidMode
	}

	relPath := recordPath(c.cfg.SubdirectoryMask, hexDigest, indexName, lastUpdateTime)
	path := c.cfg.Root + "/" + relPath
	if dir := dirOf(relPath); dir != "" {
		if err := c.fs.MkdirAll(c.cfg.Root+"/"+dir, 0o755); err != nil {
			return fmt.Errorf("searchcache: mkdir %s: %w", dir, err)
		}
	}

	f, err := c.fs.Create(path)
	if err != nil {
		return fmt.Errorf("searchcache: create %s: %w", path, err)
	}

	if err := acquireLock(f, true, c.cfg.ExclusiveTimeout); err != nil {
		f.Close()
		c.removePartial(path)
		return fmt.Errorf("searchcache: lock %s: %w", path, err)
	}

	if _, err := f.Write(raw); err != nil {
		c.removePartial(path)
		releaseLock(f)
		f.Close()
		return fmt.Errorf("searchcache: write %s: %w", path, err)
	}

	releaseLock(f)
	f.Close()
	c.saves++
	return nil
}

// removePartial deletes a cache file left incomplete by a failed write or
// lock acquisition (spec.md §3: "a search cache file is either absent, or
// a complete, tag-terminated record"; §5: writers remove partially written
// files on error while still holding the exclusive lock). Best-effort: a
// removal failure is logged, not propagated, since the write error is what
// the caller needs to see.
func (c *Cache) removePartial(path string) {
	if err := c.fs.Remove(path); err != nil {
		logging.Warnf("searchcache: remove partial file %s: %v", path, err)
	}
}

func dirOf(relPath string) string {
	for i := len(relPath) - 1; i >= 0; i-- {
		if relPath[i] == '/' {
			return relPath[:i]
		}
	}
	return ""
}

// Stats returns cumulative hit/miss/save counters, for the admin/metrics
// surface.
func (c *Cache) Stats() (hits, misses, saves uint64) {
	return c.hits, c.misses, c.saves
}

// Enabled reports whether the cache is configured to do anything at all,
// letting callers skip cache-key derivation (and its prerequisites, like
// warming the freshness data a key depends on) when the cache is Off.
func (c *Cache) Enabled() bool {
	return c.cfg.Mode != Off
}

// GetShortResults looks up a cached short-results artifact.
func (c *Cache) GetShortResults(key ShortResultsKey) (*ShortResults, bool, error) {
	raw, ok, err := c.get(key.Digest(), key.IndexName, key.LastUpdateTime)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := DecodeShortResults(raw)
	return v, err == nil, err
}

// SaveShortResults stores a short-results artifact.
func (c *Cache) SaveShortResults(key ShortResultsKey, v *ShortResults) error {
	return c.save(key.Digest(), key.IndexName, key.LastUpdateTime, EncodeShortResults(v, c.cfg.Compress))
}

// GetPostings looks up a cached postings-list artifact.
func (c *Cache) GetPostings(key PostingsKey) (*Postings, bool, error) {
	raw, ok, err := c.get(key.Digest(), key.IndexName, key.LastUpdateTime)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := DecodePostings(raw)
	return v, err == nil, err
}

// SavePostings stores a postings-list artifact.
func (c *Cache) SavePostings(key PostingsKey, v *Postings) error {
	return c.save(key.Digest(), key.IndexName, key.LastUpdateTime, EncodePostings(v, c.cfg.Compress))
}

// GetWeightVector looks up a cached term-weight-vector artifact.
func (c *Cache) GetWeightVector(key WeightVectorKey) (*WeightVector, bool, error) {
	raw, ok, err := c.get(key.Digest(), key.IndexName, key.LastUpdateTime)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := DecodeWeightVector(raw)
	return v, err == nil, err
}

// SaveWeightVector stores a term-weight-vector artifact.
func (c *Cache) SaveWeightVector(key WeightVectorKey, v *WeightVector) error {
	return c.save(key.Digest(), key.IndexName, key.LastUpdateTime, EncodeWeightVector(v, c.cfg.Compress))
}

// GetBitmap looks up a cached document-bitmap artifact.
func (c *Cache) GetBitmap(key BitmapKey) (*Bitmap, bool, error) {
	raw, ok, err := c.get(key.Digest(), key.IndexName, key.LastUpdateTime)
	if err != nil || !ok {
		return nil, ok, err
	}
	v, err := DecodeBitmap(raw)
	return v, err == nil, err
}

// SaveBitmap stores a document-bitmap artifact.
func (c *Cache) SaveBitmap(key BitmapKey, v *Bitmap) error {
	return c.save(key.Digest(), key.IndexName, key.LastUpdateTime, EncodeBitmap(v, c.cfg.Compress))
}
