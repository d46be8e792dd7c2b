package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, defaultFrameLimit, cfg.FrameLimit)
	require.Equal(t, uint32(defaultSwapSectors), cfg.SwapSectors)
	require.True(t, cfg.SyncOnClose)
}

func TestLoadRespectsEnvOverride(t *testing.T) {
	t.Setenv("PINTFS_FRAME_LIMIT", "64")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 64, cfg.FrameLimit)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/pintfs.yaml"
	require.NoError(t, os.WriteFile(path, []byte("frame_limit: 128\nswap_sectors: 4096\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 128, cfg.FrameLimit)
	require.Equal(t, uint32(4096), cfg.SwapSectors)
}
