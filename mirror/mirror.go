// Package mirror models one backend replica inside a segment (spec.md
// §3, §4.4): a single LWPS connection plus the state machine governing
// its reuse, failure isolation, and weighted-random selection priority.
package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
	"github.com/fschiettecatte/mps-sub005/logging"
	"github.com/fschiettecatte/mps-sub005/lwps"
)

// State is a mirror's connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	TemporaryError
	PermanentError
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case TemporaryError:
		return "temporary_error"
	case PermanentError:
		return "permanent_error"
	default:
		return "disconnected"
	}
}

// Identity is the immutable (canonical_index_name, host, port,
// remote_index_name) tuple identifying a mirror (spec.md §3).
type Identity struct {
	CanonicalIndexName string
	Host               string
	Port               int
	RemoteIndexName    string
}

// CanonicalURL returns the "protocol://host:port/index" form used as a
// cache key and as the document-key rewrite prefix (spec.md §4.7).
func (id Identity) CanonicalURL(protocol lwps.Protocol) string {
	return fmt.Sprintf("%s://%s:%d/%s", protocol, id.Host, id.Port, id.RemoteIndexName)
}

// Mirror is one backend replica. Only the owning segment may mutate its
// state (spec.md §3); callers outside the owning segment must treat a
// *Mirror as read-only.
type Mirror struct {
	Identity Identity
	Priority int // weighted-random selection weight, >= 1

	mu        sync.Mutex
	state     State
	conn      lwps.Conn
	lastError string
	latency   metrics.EWMA // 1-minute decaying average response time, in nanoseconds
}

// New returns a disconnected mirror with priority 1, per spec.md §4.6
// (mirrors "start disconnected with priority 1").
func New(id Identity) *Mirror {
	return &Mirror{Identity: id, Priority: 1, state: Disconnected, latency: metrics.NewEWMA1()}
}

// RecordLatency feeds a completed search/retrieval's wall-clock time into
// the mirror's rolling average, surfaced for diagnostics by Latency.
func (m *Mirror) RecordLatency(d time.Duration) {
	m.latency.Update(d.Nanoseconds())
	m.latency.Tick()
}

// Latency returns the mirror's current 1-minute EWMA response time, or 0
// before any sample has been recorded.
func (m *Mirror) Latency() time.Duration {
	return time.Duration(m.latency.Rate())
}

func (m *Mirror) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mirror) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Conn returns the mirror's live connection, or nil if not connected.
func (m *Mirror) Conn() lwps.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return nil
	}
	return m.conn
}

// Open implements spec.md §4.4 open(mirror, index): idempotent success
// when already connected, immediate failure when in any error state,
// otherwise dials, optionally performs the init handshake, and
// transitions state accordingly.
func (m *Mirror) Open(ctx context.Context, dialer lwps.Dialer, protocol lwps.Protocol, connectTimeout time.Duration, sendInit bool) error {
	m.mu.Lock()
	switch m.state {
	case Connected:
		m.mu.Unlock()
		return nil
	case PermanentError:
		m.mu.Unlock()
		return gwerrors.ErrMirrorPermanentError
	case TemporaryError:
		m.mu.Unlock()
		return gwerrors.ErrMirrorTemporaryError
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, protocol, m.Identity.Host, m.Identity.Port, connectTimeout)
	if err != nil {
		m.markError(PermanentError, err)
		return err
	}

	if sendInit {
		if err := conn.Init(dialCtx); err != nil {
			_ = conn.Close()
			m.markError(TemporaryError, err)
			return err
		}
	}

	m.mu.Lock()
	m.conn = conn
	m.state = Connected
	m.lastError = ""
	m.mu.Unlock()
	return nil
}

// Close releases transport resources. If the mirror is not in
// PermanentError, it transitions to Disconnected (spec.md §4.4).
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			logging.Warnf("mirror %s: close: %v", m.Identity.CanonicalURL(lwps.TCP), err)
		}
		m.conn = nil
	}
	if m.state != PermanentError {
		m.state = Disconnected
	}
}

// MarkTemporaryError transitions the mirror to TemporaryError, releasing
// its connection. Used by the segment layer on a search/retrieval
// failure that should be retried against a different mirror.
func (m *Mirror) MarkTemporaryError(err error) {
	m.Close()
	m.markError(TemporaryError, err)
}

// ResetTemporaryError transitions a TemporaryError mirror back to
// Disconnected so the next open attempt retries it (spec.md §4.6
// reset_temporary_errors). PermanentError mirrors are untouched.
func (m *Mirror) ResetTemporaryError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == TemporaryError {
		m.state = Disconnected
		m.lastError = ""
	}
}

func (m *Mirror) markError(state State, err error) {
	m.mu.Lock()
	m.state = state
	if err != nil {
		m.lastError = err.Error()
	}
	m.mu.Unlock()
}

// Clone produces an independent copy carrying its own state, used by
// index.Duplicate to keep per-call working copies from aliasing the
// registry template (spec.md §3 Lifecycle).
func (m *Mirror) Clone() *Mirror {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Mirror{
		Identity: m.Identity,
		Priority: m.Priority,
		state:    m.state,
		latency:  metrics.NewEWMA1(),
	}
}
