// Package config loads pintfs's mount-time settings: the frame limit the
// virtual memory subsystem is capped to, a swap device size, and whether
// to sync on unmount. It follows the same env-plus-file layering viper gives the
// rest of the dependency pack's CLI tools.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds everything a mount needs beyond the two device paths
// themselves, which are always given explicitly on the command line.
type Config struct {
	// FrameLimit caps how many pages the frame table keeps resident at
	// once across every open address space.
	FrameLimit int `mapstructure:"frame_limit"`
	// SwapSectors is a swap device size, in sectors. It is loaded but not
	// read anywhere in this module; mkpintfs sizes the swap image from its
	// own --swap-sectors flag.
	SwapSectors uint32 `mapstructure:"swap_sectors"`
	// SyncOnClose fsyncs both devices on unmount when true.
	SyncOnClose bool `mapstructure:"sync_on_close"`
}

const (
	defaultFrameLimit  = 256
	defaultSwapSectors = 8192
	envPrefix          = "PINTFS"
)

// Load reads configuration from (in ascending priority) built-in
// defaults, an optional config file, and PINTFS_-prefixed environment
// variables. configPath may be empty, in which case only defaults and
// the environment apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("frame_limit", defaultFrameLimit)
	v.SetDefault("swap_sectors", defaultSwapSectors)
	v.SetDefault("sync_on_close", true)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.FrameLimit <= 0 {
		return nil, fmt.Errorf("config: frame_limit must be positive, got %d", cfg.FrameLimit)
	}
	return &cfg, nil
}
