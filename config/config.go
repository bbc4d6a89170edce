// Package config reads the gateway's flat key/value configuration file
// (spec.md §6). Lines are "key value" or "key:appender value"; a line
// beginning with '#' is a comment. The format is bespoke to this system
// (not YAML/TOML/etc.) so it is hand-parsed here rather than reached for
// a third-party config-file library — see DESIGN.md for the
// standard-library justification.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fschiettecatte/mps-sub005/errors"
)

// BuildVersion is this gateway build's own version. A configuration
// file's "version" key (spec.md §6) is checked against it: a config
// written for a newer minor release than this build understands is
// rejected at load time rather than silently misinterpreted.
const BuildVersion = "1.4.0"

// Value is a single configuration entry's raw string, exposing the
// typed-getter surface the rest of the module uses (mirrors the
// teacher's config["key"].Int()/.String() access pattern).
type Value string

func (v Value) String() string { return string(v) }

func (v Value) Int() int {
	n, _ := strconv.Atoi(strings.TrimSpace(string(v)))
	return n
}

func (v Value) Int64() int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	return n
}

func (v Value) Bool() bool {
	s := strings.ToLower(strings.TrimSpace(string(v)))
	return s == "yes" || s == "true" || s == "1"
}

// entryKey identifies one config line: a base key, optionally qualified
// by an appender ("index-sort-orders:NAME" -> key="index-sort-orders",
// appender="NAME").
type entryKey struct {
	key      string
	appender string
}

// Config is a parsed, in-memory snapshot of the configuration file.
// Safe for concurrent reads; Reload replaces the snapshot atomically.
type Config struct {
	path string

	mu       sync.RWMutex
	entries  map[entryKey]Value
	modTime  int64
	fileSize int64
}

// Load parses the file at path into a new Config.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the configuration file from disk, replacing the
// in-memory snapshot. Safe to call concurrently with Get/GetAppender.
func (c *Config) Reload() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrConfigMissing, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrConfigMissing, err)
	}

	entries := make(map[entryKey]Value)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		rawKey, rawVal := fields[0], strings.TrimSpace(fields[1])
		ek := entryKey{key: rawKey}
		if idx := strings.Index(rawKey, ":"); idx >= 0 {
			ek.key, ek.appender = rawKey[:idx], rawKey[idx+1:]
		}
		entries[ek] = Value(rawVal)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	versionVal, ok := entries[entryKey{key: "version"}]
	if !ok {
		return fmt.Errorf("%w: missing required \"version\" key", errors.ErrConfigBadVersion)
	}
	if err := checkVersion(string(versionVal)); err != nil {
		return err
	}

	c.mu.Lock()
	c.entries = entries
	c.modTime = info.ModTime().UnixNano()
	c.fileSize = info.Size()
	c.mu.Unlock()
	return nil
}

// checkVersion parses raw as "major.minor.patch" and rejects it if its
// minor component exceeds this build's own minor version (spec.md §6:
// "minor must be ≤ build's minor"). A malformed version string is
// likewise rejected as ErrConfigBadVersion.
func checkVersion(raw string) error {
	_, minor, _, err := parseVersion(raw)
	if err != nil {
		return err
	}
	_, buildMinor, _, err := parseVersion(BuildVersion)
	if err != nil {
		return err
	}
	if minor > buildMinor {
		return fmt.Errorf("%w: %q (build supports up to minor %d)", errors.ErrConfigBadVersion, raw, buildMinor)
	}
	return nil
}

func parseVersion(raw string) (major, minor, patch int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q", errors.ErrConfigBadVersion, raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return 0, 0, 0, fmt.Errorf("%w: %q", errors.ErrConfigBadVersion, raw)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// StatusChanged reports whether the on-disk file's modification time or
// size differs from the values recorded at the last Load/Reload, without
// re-parsing; StatusChanged itself does not update the recorded values.
// This is the "status-change timestamp" the gateway polls on
// every request entry (spec.md §3, Lifecycle).
func (c *Config) StatusChanged() (bool, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return false, err
	}
	c.mu.RLock()
	changed := info.ModTime().UnixNano() != c.modTime || info.Size() != c.fileSize
	c.mu.RUnlock()
	return changed, nil
}

// Get looks up a plain (non-appended) key, returning (value, ok).
func (c *Config) Get(key string) (Value, bool) {
	return c.GetAppender(key, "")
}

// GetAppender looks up key qualified by appender (e.g. key="index-location",
// appender="products" for "index-location:products"). appender="" looks
// up the bare key.
func (c *Config) GetAppender(key, appender string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[entryKey{key: key, appender: appender}]
	return v, ok
}

// Appenders returns every distinct appender registered against key (e.g.
// every NAME for which "index-location:NAME" appears), in no particular
// order.
func (c *Config) Appenders(key string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for ek := range c.entries {
		if ek.key == key && ek.appender != "" {
			out = append(out, ek.appender)
		}
	}
	return out
}

// Path returns the configuration file's path.
func (c *Config) Path() string {
	return c.path
}
