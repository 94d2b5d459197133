package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherMissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent.toml"), nil)
	assert.Error(t, err)
}

func TestWatcherRegistersCallbacks(t *testing.T) {
	path := writeConfigFile(t, "[storage]\npath = \"test.db\"\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()

	w.OnReload(func(old, new *Config) error { return nil })
	w.OnReload(func(old, new *Config) error { return nil })
	assert.Len(t, w.callbacks, 2)
}

func TestWatcherCloseIsSafe(t *testing.T) {
	path := writeConfigFile(t, "[storage]\npath = \"test.db\"\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.Start()
	assert.NoError(t, w.Close())
}
