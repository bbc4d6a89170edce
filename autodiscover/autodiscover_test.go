package autodiscover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fschiettecatte/mps-sub005/config"
	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/fschiettecatte/mps-sub005/lwps/lwpstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	c, err := config.Load(p)
	require.NoError(t, err)
	return c
}

func TestScanDiscoversIndexesAndMergesMirrors(t *testing.T) {
	dialer := lwpstest.NewDialer()
	dialer.Register("10.0.0.2", 8080, &lwpstest.Backend{ServerIndex: &lwps.ServerIndexInfo{IndexNames: []string{"products"}}})
	dialer.Register("10.0.0.3", 8080, &lwpstest.Backend{ServerIndex: &lwps.ServerIndexInfo{IndexNames: []string{"products"}}})

	cfg := loadConfig(t, "version 1.0.0\n")
	trie, err := Scan(context.Background(), "10.0.0.0/30", lwps.TCP, false, time.Second, dialer, cfg)
	require.NoError(t, err)

	loc, ok := trie.Resolve("products")
	require.True(t, ok)
	assert.Contains(t, loc, "10.0.0.2")
	assert.Contains(t, loc, "10.0.0.3")
	assert.Contains(t, loc, "|")
}

func TestExpandHostMaskSkipsReservedAddresses(t *testing.T) {
	addrs, port, err := expandHostMask("10.0.0.0/29:9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
	for _, a := range addrs {
		assert.NotEqual(t, "10.0.0.0", a)
		assert.NotEqual(t, "10.0.0.1", a)
	}
}

func TestApplyIndexSegmentConfigLiteralAndRegex(t *testing.T) {
	trie := NewTrie()
	trie.add("products-a", "lwps://h1:1/a")
	trie.add("products-b", "lwps://h2:1/b")

	cfg := loadConfig(t, "version 1.0.0\nindex:catalog [products-.*]\n")
	applyIndexSegmentConfig(trie, cfg)

	loc, ok := trie.Resolve("catalog")
	require.True(t, ok)
	assert.Contains(t, loc, "h1")
	assert.Contains(t, loc, "h2")
}
