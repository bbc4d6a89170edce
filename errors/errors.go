// Package errors declares the gateway's error taxonomy (spec.md §7):
// sentinel values for each error class, grouped by subsystem, in the
// same style the teacher declares package-level Error* sentinels
// (queryport/client.ErrorNoHost, ErrorInvalidConsistency, ...).
package errors

import "errors"

// Configuration errors.
var (
	ErrConfigMissing       = errors.New("gateway: configuration file missing")
	ErrConfigInvalidDir    = errors.New("gateway: invalid or unreadable cache directory")
	ErrConfigMalformedLoc  = errors.New("gateway: malformed index location string")
	ErrConfigBadVersion    = errors.New("gateway: unsupported configuration version")
	ErrConfigInvalidSort   = errors.New("gateway: malformed sort-order clause")
	ErrConfigInvalidMirror = errors.New("gateway: malformed mirror URL")
)

// Transport errors.
var (
	ErrTransportConnFailed  = errors.New("gateway: transport connection failed")
	ErrTransportProtocol    = errors.New("gateway: transport protocol error")
	ErrTransportTimeout     = errors.New("gateway: transport timeout")
	ErrMirrorPermanentError = errors.New("gateway: mirror in permanent error state")
	ErrMirrorTemporaryError = errors.New("gateway: mirror in temporary error state")
	ErrNoAvailableMirror    = errors.New("gateway: no available mirror in segment")
)

// Cache errors.
var (
	ErrCacheInvalid      = errors.New("cache: invalid cache")
	ErrCacheInvalidMode  = errors.New("cache: invalid mode")
	ErrCacheInvalidType  = errors.New("cache: invalid artifact type")
	ErrCacheSaveFailed   = errors.New("cache: save failed")
	ErrCacheGetFailed    = errors.New("cache: get failed")
	ErrCacheLockFailed   = errors.New("cache: lock acquisition failed")
	ErrCacheUnlockFailed = errors.New("cache: unlock failed")
	ErrCacheCreateDir    = errors.New("cache: create directory failed")
	ErrCacheSHA1Failed   = errors.New("cache: sha1 digest failed")
	ErrCacheMiss         = errors.New("cache: miss")
)

// Request errors.
var (
	ErrInvalidIndex           = errors.New("gateway: invalid index")
	ErrInvalidSession         = errors.New("gateway: invalid session")
	ErrInvalidResultsRange    = errors.New("gateway: invalid search results range")
	ErrInvalidDocumentKey     = errors.New("gateway: invalid document key")
	ErrInvalidChunkRange      = errors.New("gateway: invalid chunk type or range")
	ErrInvalidReturnParameter = errors.New("gateway: invalid return parameter")
)
