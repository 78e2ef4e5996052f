// Package config is used to load the configuration file
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/blacktop/camroll/internal/device"
	"github.com/blacktop/camroll/internal/media"
	"github.com/blacktop/camroll/internal/transfer"
	"github.com/blacktop/camroll/pkg/usb/lockdownd"
	"github.com/spf13/viper"
)

// AppName names the config, data and output directories.
const AppName = "camroll"

type poll struct {
	Interval time.Duration `mapstructure:"interval"`
}

type scan struct {
	Root          string `mapstructure:"root"`
	ProgressEvery int    `mapstructure:"progress-every"`
	PreviewCache  int    `mapstructure:"preview-cache"`
}

type pull struct {
	Dest          string        `mapstructure:"dest"`
	ChunkSize     int           `mapstructure:"chunk-size"`
	SpeedInterval time.Duration `mapstructure:"speed-interval"`
}

type pairing struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	// Store is where pair records live: "usbmuxd" or "file".
	Store string `mapstructure:"store"`
	Dir   string `mapstructure:"dir"`
}

// Config is the configuration struct
type Config struct {
	Poll    poll    `mapstructure:"poll"`
	Scan    scan    `mapstructure:"scan"`
	Pull    pull    `mapstructure:"pull"`
	Pairing pairing `mapstructure:"pairing"`
}

// File returns the default config file location.
func File() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("poll.interval", device.DefaultInterval)
	v.SetDefault("scan.root", media.DefaultRoot)
	v.SetDefault("scan.progress-every", media.DefaultProgressEvery)
	v.SetDefault("scan.preview-cache", 128)
	v.SetDefault("pull.dest", filepath.Join(xdg.UserDirs.Pictures, AppName))
	v.SetDefault("pull.chunk-size", transfer.DefaultChunkSize)
	v.SetDefault("pull.speed-interval", transfer.DefaultSpeedInterval)
	v.SetDefault("pairing.timeout", lockdownd.DefaultPairTimeout)
	v.SetDefault("pairing.poll-interval", lockdownd.DefaultPollInterval)
	v.SetDefault("pairing.store", "usbmuxd")
	v.SetDefault("pairing.dir", "")
}

func (c *Config) verify() error {
	if c.Poll.Interval < 100*time.Millisecond {
		return fmt.Errorf("poll.interval must be at least 100ms, got %s", c.Poll.Interval)
	}
	if c.Scan.Root == "" {
		c.Scan.Root = media.DefaultRoot
	}
	if c.Scan.ProgressEvery <= 0 {
		return fmt.Errorf("scan.progress-every must be positive, got %d", c.Scan.ProgressEvery)
	}
	if c.Scan.PreviewCache <= 0 {
		return fmt.Errorf("scan.preview-cache must be positive, got %d", c.Scan.PreviewCache)
	}
	if c.Pull.Dest == "" {
		return fmt.Errorf("pull.dest must be set")
	}
	if c.Pull.ChunkSize < 4096 || c.Pull.ChunkSize > 64<<20 {
		return fmt.Errorf("pull.chunk-size must be between 4KiB and 64MiB, got %d", c.Pull.ChunkSize)
	}
	if c.Pull.SpeedInterval <= 0 {
		c.Pull.SpeedInterval = transfer.DefaultSpeedInterval
	}
	if c.Pairing.Timeout <= 0 {
		return fmt.Errorf("pairing.timeout must be positive, got %s", c.Pairing.Timeout)
	}
	if c.Pairing.PollInterval <= 0 {
		c.Pairing.PollInterval = lockdownd.DefaultPollInterval
	}
	switch c.Pairing.Store {
	case "usbmuxd":
	case "file":
		if c.Pairing.Dir == "" {
			c.Pairing.Dir = lockdownd.DefaultRecordDir()
		}
	default:
		return fmt.Errorf("pairing.store must be usbmuxd or file, got %q", c.Pairing.Store)
	}

	return nil
}

// Load reads the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	var c *Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}
