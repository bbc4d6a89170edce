package segment

import (
	"context"
	"testing"
	"time"

	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/lwps/lwpstest"
	"github.com/fschiettecatte/mps-sub005/mirror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{Protocol: lwps.TCP, ConnectTimeout: time.Second, MirrorAffinity: -1}
}

func TestOpenFailsOverToSecondMirror(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("a", 1, &lwpstest.Backend{FailConnect: true})
	dialer.Register("b", 1, &lwpstest.Backend{})

	s := New([]*mirror.Mirror{
		mirror.New(mirror.Identity{Host: "a", Port: 1}),
		mirror.New(mirror.Identity{Host: "b", Port: 1}),
	}, dialer)

	// Affinity 0 makes mirror a the first one tried.
	policy := testPolicy()
	policy.MirrorAffinity = 0
	require.NoError(t, s.Open(context.Background(), policy))
	assert.Equal(t, mirror.PermanentError, s.Mirrors[0].State())
	assert.Equal(t, mirror.Connected, s.Mirrors[1].State())
}

func TestOpenFailsWhenAllMirrorsError(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("a", 1, &lwpstest.Backend{FailConnect: true})
	dialer.Register("b", 1, &lwpstest.Backend{FailConnect: true})

	s := New([]*mirror.Mirror{
		mirror.New(mirror.Identity{Host: "a", Port: 1}),
		mirror.New(mirror.Identity{Host: "b", Port: 1}),
	}, dialer)

	err := s.Open(context.Background(), testPolicy())
	require.Error(t, err)
}

func TestOpenShortCircuitsWhenAlreadyOpen(t *testing.T) {
	dialer := lwpstest.NewDialer()
	backend := &lwpstest.Backend{}
	dialer.Register("a", 1, backend)

	m := mirror.New(mirror.Identity{Host: "a", Port: 1})
	require.NoError(t, m.Open(context.Background(), dialer, lwps.TCP, time.Second, false))

	s := New([]*mirror.Mirror{m}, dialer)
	require.NoError(t, s.Open(context.Background(), testPolicy()))
}

func TestSearchRotatesOnProtocolError(t *testing.T) {
	dialer := lwpstest.NewDialer()
	failing := &lwpstest.Backend{FailSearch: assertError{}}
	ok := &lwpstest.Backend{SearchResponse: &lwps.Response{TotalResults: 3}}
	dialer.Register("a", 1, failing)
	dialer.Register("b", 1, ok)

	s := New([]*mirror.Mirror{
		mirror.New(mirror.Identity{Host: "a", Port: 1}),
		mirror.New(mirror.Identity{Host: "b", Port: 1}),
	}, dialer)

	resp, m, err := s.Search(context.Background(), testPolicy(), &lwps.Request{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.TotalResults)
	assert.Equal(t, "b", m.Identity.Host)
}

func TestRetrieveTargetsPreferredMirror(t *testing.T) {
	dialer := lwpstest.NewDialer()
	a := &lwpstest.Backend{RetrieveBytes: []byte("A")}
	b := &lwpstest.Backend{RetrieveBytes: []byte("B")}
	dialer.Register("a", 1, a)
	dialer.Register("b", 1, b)

	ma := mirror.New(mirror.Identity{Host: "a", Port: 1})
	mb := mirror.New(mirror.Identity{Host: "b", Port: 1})
	s := New([]*mirror.Mirror{ma, mb}, dialer)

	require.NoError(t, ma.Open(context.Background(), dialer, lwps.TCP, time.Second, false))

	data, err := s.Retrieve(context.Background(), testPolicy(), &lwps.RetrievalRequest{}, time.Second, ma)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
}

type assertError struct{}

func (assertError) Error() string { return "search failed" }
