package session

import "time"

// State is the lifecycle state of a Manager.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Code returns a stable numeric code for gauges.
func (s State) Code() int {
	switch s {
	case StateIdle:
		return 0
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	case StateClosed:
		return 4
	default:
		return -1
	}
}

// ReconnectConfig bounds the reconnection policy.
type ReconnectConfig struct {
	// MaxAttempts caps consecutive failed attempts before the manager gives
	// up. Default: 3.
	MaxAttempts int

	// BaseDelay is multiplied by the attempt number to produce each backoff
	// delay. Default: 2s.
	BaseDelay time.Duration
}

// HealthConfig tunes the dead-connection detector.
type HealthConfig struct {
	// CheckInterval is how often inactivity is evaluated. Default: 30s.
	CheckInterval time.Duration

	// InactivityThreshold is how long a connection may stay silent before it
	// is presumed dead. Default: 5m.
	InactivityThreshold time.Duration
}

// Config configures a Manager.
type Config struct {
	Reconnect ReconnectConfig
	Health    HealthConfig

	// GoAwaySafetyMargin is how long before a termination deadline the
	// manager reconnects proactively. Default: 10s.
	GoAwaySafetyMargin time.Duration

	// DialTimeout bounds each connect attempt. Default: 15s.
	DialTimeout time.Duration

	// EventBuffer sizes the Events() channel. Default: 64.
	EventBuffer int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:       30 * time.Second,
			InactivityThreshold: 5 * time.Minute,
		},
		GoAwaySafetyMargin: 10 * time.Second,
		DialTimeout:        15 * time.Second,
		EventBuffer:        64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = def.Reconnect.BaseDelay
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = def.Health.CheckInterval
	}
	if c.Health.InactivityThreshold <= 0 {
		c.Health.InactivityThreshold = def.Health.InactivityThreshold
	}
	if c.GoAwaySafetyMargin <= 0 {
		c.GoAwaySafetyMargin = def.GoAwaySafetyMargin
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	return c
}
