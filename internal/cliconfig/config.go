// Package cliconfig holds the beamsync configuration surface and the
// file/env/flag layering used by the CLI.
package cliconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultFacilityURL is the default endpoint of the facility proposal API.
const DefaultFacilityURL = "https://api.nsls2.bnl.gov"

// Config holds configuration for beamsync.
type Config struct {
	// Beamline is the beamline acronym, e.g. "CSX".
	Beamline string

	// Endstation optionally scopes the namespace to one endstation,
	// e.g. "opls".
	Endstation string

	// StoreURL is the base URL of the remote key-value service.
	StoreURL string

	// BrokerURL is the base URL of the message bus produce endpoint.
	BrokerURL string

	// FacilityURL is the base URL of the facility proposal API.
	FacilityURL string

	// AuthKey is the bearer token for the store and broker.
	AuthKey string

	// QueueCapacity bounds the publisher's pending-delivery buffer.
	QueueCapacity int

	// MaxAttempts bounds delivery attempts per document.
	MaxAttempts int

	// BaseDelay and MaxDelay parameterize the publish retry backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// HTTPTimeout bounds each remote call (store, broker, facility).
	HTTPTimeout time.Duration

	// StopFlushTimeout bounds the queue drain triggered by a stop document.
	StopFlushTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FacilityURL:      DefaultFacilityURL,
		QueueCapacity:    1024,
		MaxAttempts:      5,
		BaseDelay:        500 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		HTTPTimeout:      15 * time.Second,
		StopFlushTimeout: 30 * time.Second,
		AuthKey:          os.Getenv("BEAMSYNC_AUTH_KEY"),
	}
}

// Namespace derives the beamline namespace prefix from the beamline and
// optional endstation, e.g. "csx" or "csx-opls".
func (c *Config) Namespace() string {
	ns := strings.ToLower(c.Beamline)
	if c.Endstation != "" {
		ns = ns + "-" + strings.ToLower(c.Endstation)
	}
	return ns
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.Beamline == "" {
		return fmt.Errorf("beamline is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("store-url is required")
	}
	if c.BrokerURL == "" {
		return fmt.Errorf("broker-url is required")
	}
	if c.FacilityURL == "" {
		c.FacilityURL = DefaultFacilityURL
	}

	c.StoreURL = strings.TrimRight(c.StoreURL, "/")
	c.BrokerURL = strings.TrimRight(c.BrokerURL, "/")
	c.FacilityURL = strings.TrimRight(c.FacilityURL, "/")

	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("backoff delays must satisfy 0 < base <= max")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}
