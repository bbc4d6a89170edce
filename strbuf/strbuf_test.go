package strbuf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendNoopOnEmpty(t *testing.T) {
	b := New()
	b.Append("")
	assert.Equal(t, 0, b.Length())
	assert.Equal(t, "", b.String())
}

func TestAppendAccumulates(t *testing.T) {
	b := NewFromString("hello")
	b.Append(" world")
	assert.Equal(t, "hello world", b.String())
	assert.Equal(t, 11, b.Length())
}

func TestGrowthIsAmortized(t *testing.T) {
	b := New()
	// Appending well past one chunk should only ever reallocate in
	// chunk-sized (or larger, for oversized single appends) increments,
	// never byte-by-byte.
	big := strings.Repeat("x", chunk*3)
	b.Append(big)
	require.Equal(t, len(big), b.Length())
	assert.GreaterOrEqual(t, cap(b.Bytes()), len(big))
}

func TestClearKeepsCapacity(t *testing.T) {
	b := NewFromString(strings.Repeat("a", 100))
	capBefore := cap(b.Bytes())
	b.Clear()
	assert.Equal(t, 0, b.Length())
	assert.Equal(t, capBefore, cap(b.Bytes()))
}

func TestFreeTransfersOwnership(t *testing.T) {
	b := NewFromString("payload")
	out := b.Free(true)
	assert.Equal(t, "payload", string(out))
	assert.Equal(t, 0, b.Length())
}

func TestWideBufferRuneAware(t *testing.T) {
	b := NewWideFromString("café")
	assert.Equal(t, 4, b.Length())
	assert.Equal(t, "café", b.String())
}
