package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	s := Default()
	require.NoError(t, s.Validate())
	assert.Equal(t, 100, s.MaxPeersReply)
	assert.Equal(t, 5, s.SearchBranching)
	assert.Equal(t, 500, s.MaxPeers)
	assert.Equal(t, 6*time.Hour, s.SampleInfohashesInterval)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadOverridesAndClampsLifetime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	data := []byte(`
listen_addr: 127.0.0.1:7000
bootstrap:
  - router.example.org:6881
read_only: true
max_peers: 50
item_lifetime: 10m
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", s.ListenAddr)
	assert.Equal(t, []string{"router.example.org:6881"}, s.Bootstrap)
	assert.True(t, s.ReadOnly)
	assert.Equal(t, 50, s.MaxPeers)
	assert.Equal(t, MinItemLifetime, s.ItemLifetime)
	// Untouched keys keep their defaults.
	assert.Equal(t, 700, s.MaxDHTItems)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_branching: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("max_peers: [1, 2\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
