package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	Beamline         string `toml:"beamline"`
	Endstation       string `toml:"endstation"`
	StoreURL         string `toml:"store_url"`
	BrokerURL        string `toml:"broker_url"`
	FacilityURL      string `toml:"facility_url"`
	AuthKey          string `toml:"auth_key"`
	QueueCapacity    int    `toml:"queue_capacity"`
	MaxAttempts      int    `toml:"max_attempts"`
	BaseDelay        string `toml:"base_delay"`
	MaxDelay         string `toml:"max_delay"`
	HTTPTimeout      string `toml:"http_timeout"`
	StopFlushTimeout string `toml:"stop_flush_timeout"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.beamsync/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".beamsync", "config.toml")
	}
	return ""
}

// FileExists reports whether path names an existing file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("beamline", fc.Beamline, &cfg.Beamline)
	s.setString("endstation", fc.Endstation, &cfg.Endstation)
	s.setString("store-url", fc.StoreURL, &cfg.StoreURL)
	s.setString("broker-url", fc.BrokerURL, &cfg.BrokerURL)
	s.setString("facility-url", fc.FacilityURL, &cfg.FacilityURL)
	s.setString("auth-key", fc.AuthKey, &cfg.AuthKey)
	s.setInt("queue-capacity", fc.QueueCapacity, &cfg.QueueCapacity)
	s.setInt("max-attempts", fc.MaxAttempts, &cfg.MaxAttempts)

	if err := s.setDuration("base-delay", fc.BaseDelay, &cfg.BaseDelay); err != nil {
		return err
	}
	if err := s.setDuration("max-delay", fc.MaxDelay, &cfg.MaxDelay); err != nil {
		return err
	}
	if err := s.setDuration("http-timeout", fc.HTTPTimeout, &cfg.HTTPTimeout); err != nil {
		return err
	}
	return s.setDuration("stop-flush-timeout", fc.StopFlushTimeout, &cfg.StopFlushTimeout)
}
