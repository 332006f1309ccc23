package handlers

import (
	"fmt"
	"sync"

	"github.com/autotest/device-agent/pkg/config"
)

// Settings is the closed set of runtime-adjustable knobs exposed through
// system.configure. Everything else in the configuration is fixed at startup.
type Settings struct {
	mu sync.RWMutex

	heartbeatIntervalMs int
	heartbeatTimeoutMs  int
	waitPollMs          int
	waitTimeoutMs       int
}

// NewSettings seeds the runtime settings from the startup configuration.
func NewSettings(cfg *config.Config) *Settings {
	return &Settings{
		heartbeatIntervalMs: cfg.HeartbeatIntervalMs,
		heartbeatTimeoutMs:  cfg.HeartbeatTimeoutMs,
		waitPollMs:          cfg.WaitPollMs,
		waitTimeoutMs:       cfg.WaitTimeoutMs,
	}
}

// Apply sets one knob by its configuration key. Unknown keys and
// non-positive values are rejected.
func (s *Settings) Apply(key string, value int) error {
	if value <= 0 {
		return fmt.Errorf("value for %q must be positive, got %d", key, value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case "heartbeat_interval_ms":
		s.heartbeatIntervalMs = value
	case "heartbeat_timeout_ms":
		s.heartbeatTimeoutMs = value
	case "wait_poll_ms":
		s.waitPollMs = value
	case "wait_timeout_ms":
		s.waitTimeoutMs = value
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// HeartbeatDefaults returns the live keepalive cadence for the transport's
// ping loops; system.configure changes take effect on the next tick.
func (s *Settings) HeartbeatDefaults() (intervalMs, timeoutMs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeatIntervalMs, s.heartbeatTimeoutMs
}

// WaitDefaults returns the current polling defaults for ui.waitFor.
func (s *Settings) WaitDefaults() (pollMs, timeoutMs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.waitPollMs, s.waitTimeoutMs
}

// View returns the current values keyed by configuration name.
func (s *Settings) View() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"heartbeat_interval_ms": s.heartbeatIntervalMs,
		"heartbeat_timeout_ms":  s.heartbeatTimeoutMs,
		"wait_poll_ms":          s.waitPollMs,
		"wait_timeout_ms":       s.waitTimeoutMs,
	}
}
