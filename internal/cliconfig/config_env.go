package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (BEAMSYNC_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("beamline", os.Getenv("BEAMSYNC_BEAMLINE"), &cfg.Beamline)
	s.setString("endstation", os.Getenv("BEAMSYNC_ENDSTATION"), &cfg.Endstation)
	s.setString("store-url", os.Getenv("BEAMSYNC_STORE_URL"), &cfg.StoreURL)
	s.setString("broker-url", os.Getenv("BEAMSYNC_BROKER_URL"), &cfg.BrokerURL)
	s.setString("facility-url", os.Getenv("BEAMSYNC_FACILITY_URL"), &cfg.FacilityURL)
	s.setString("auth-key", os.Getenv("BEAMSYNC_AUTH_KEY"), &cfg.AuthKey)

	if err := s.setIntFromString("queue-capacity", os.Getenv("BEAMSYNC_QUEUE_CAPACITY"), &cfg.QueueCapacity); err != nil {
		return err
	}
	if err := s.setIntFromString("max-attempts", os.Getenv("BEAMSYNC_MAX_ATTEMPTS"), &cfg.MaxAttempts); err != nil {
		return err
	}
	if err := s.setDuration("base-delay", os.Getenv("BEAMSYNC_BASE_DELAY"), &cfg.BaseDelay); err != nil {
		return err
	}
	if err := s.setDuration("max-delay", os.Getenv("BEAMSYNC_MAX_DELAY"), &cfg.MaxDelay); err != nil {
		return err
	}
	if err := s.setDuration("http-timeout", os.Getenv("BEAMSYNC_HTTP_TIMEOUT"), &cfg.HTTPTimeout); err != nil {
		return err
	}
	return s.setDuration("stop-flush-timeout", os.Getenv("BEAMSYNC_STOP_FLUSH_TIMEOUT"), &cfg.StopFlushTimeout)
}
