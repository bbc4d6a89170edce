package infocache

import (
	"testing"
	"time"

	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/stretchr/testify/assert"
)

func TestAddThenGetHits(t *testing.T) {
	c := New(time.Minute)
	c.Add("foo", lwps.InfoIndexInfo, &lwps.IndexInfo{DocumentCount: 10})

	v, ok := c.Get("foo", lwps.InfoIndexInfo)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), v.(*lwps.IndexInfo).DocumentCount)
}

func TestAddIsIdempotentWhileLive(t *testing.T) {
	c := New(time.Minute)
	c.Add("foo", lwps.InfoIndexInfo, &lwps.IndexInfo{DocumentCount: 1})
	c.Add("foo", lwps.InfoIndexInfo, &lwps.IndexInfo{DocumentCount: 2})

	v, ok := c.Get("foo", lwps.InfoIndexInfo)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), v.(*lwps.IndexInfo).DocumentCount)
}

func TestGetExpiresEntry(t *testing.T) {
	c := New(time.Minute)
	c.AddWithTTL("foo", lwps.InfoIndexInfo, &lwps.IndexInfo{}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("foo", lwps.InfoIndexInfo)
	assert.False(t, ok)

	// The expired entry was freed; a fresh Add should succeed, not
	// short-circuit as idempotent.
	c.Add("foo", lwps.InfoIndexInfo, &lwps.IndexInfo{DocumentCount: 99})
	v, ok := c.Get("foo", lwps.InfoIndexInfo)
	assert.True(t, ok)
	assert.Equal(t, uint64(99), v.(*lwps.IndexInfo).DocumentCount)
}

func TestFreeCacheClearsEverything(t *testing.T) {
	c := New(time.Minute)
	c.Add("foo", lwps.InfoIndexInfo, &lwps.IndexInfo{})
	c.FreeCache()

	_, ok := c.Get("foo", lwps.InfoIndexInfo)
	assert.False(t, ok)
}
