package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gwerrors "github.com/fschiettecatte/mps-sub005/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "gateway.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "version 1.0.0\ngateway-connection-timeout 25\nindex-location:foo lwps://h:1/foo\n")

	c, err := Load(p)
	require.NoError(t, err)

	v, ok := c.Get("gateway-connection-timeout")
	require.True(t, ok)
	require.Equal(t, 25, v.Int())

	v, ok = c.GetAppender("index-location", "foo")
	require.True(t, ok)
	require.Equal(t, "lwps://h:1/foo", v.String())

	_, ok = c.Get("nonexistent")
	require.False(t, ok)
}

func TestStatusChangedOnReload(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "version 1.0.0\n")
	c, err := Load(p)
	require.NoError(t, err)

	changed, err := c.StatusChanged()
	require.NoError(t, err)
	require.False(t, changed)

	// Ensure the mtime actually advances on filesystems with coarse
	// resolution.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte("version 1.0.1\n"), 0o644))

	changed, err = c.StatusChanged()
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, c.Reload())
	v, ok := c.Get("version")
	require.True(t, ok)
	require.Equal(t, "1.0.1", v.String())
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "gateway-connection-timeout 25\n")

	_, err := Load(p)
	require.ErrorIs(t, err, gwerrors.ErrConfigBadVersion)
}

func TestLoadRejectsMalformedVersion(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "version 1.0\n")

	_, err := Load(p)
	require.ErrorIs(t, err, gwerrors.ErrConfigBadVersion)
}

func TestLoadRejectsVersionNewerThanBuild(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "version 1.99.0\n")

	_, err := Load(p)
	require.ErrorIs(t, err, gwerrors.ErrConfigBadVersion)
}

func TestLoadAcceptsVersionAtOrBelowBuildMinor(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "version 1.0.7\n")

	_, err := Load(p)
	require.NoError(t, err)
}

func TestAppenders(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, "version 1.0.0\nindex-location:foo a\nindex-location:bar b\ngateway-mirror-affinity -1\n")
	c, err := Load(p)
	require.NoError(t, err)

	got := c.Appenders("index-location")
	require.ElementsMatch(t, []string{"foo", "bar"}, got)
}
