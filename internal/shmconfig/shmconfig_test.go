package shmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, path, err := Load(dir, "")
	require.NoError(t, err)
	require.Empty(t, path)
	require.Equal(t, Default(), cfg)
}

func TestLoadMergesOverridesWithComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// bump the default log buffer
		"buffer_size": 2097152,
		"shared_lock": true,
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644))

	cfg, path, err := Load(dir, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ConfigFileName), path)
	require.Equal(t, uint32(2097152), cfg.BufferSize)
	require.True(t, cfg.SharedLock)
	require.Equal(t, Default().ReadMaxRetries, cfg.ReadMaxRetries)
}

func TestLoadExplicitMissingPathErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(dir, "does-not-exist.json")
	require.Error(t, err)
}

func TestLoadInvalidJSONErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, _, err := Load(dir, "")
	require.Error(t, err)
}
