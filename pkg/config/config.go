// Package config loads and validates the livelink configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration.
type Config struct {
	Endpoint   EndpointConfig   `yaml:"endpoint"`
	Credential CredentialConfig `yaml:"credential"`
	Audio      AudioConfig      `yaml:"audio"`
	Video      VideoConfig      `yaml:"video"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Health     HealthConfig     `yaml:"health"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// EndpointConfig selects the realtime endpoint.
type EndpointConfig struct {
	// Kind is "gemini" for the Gemini Live API or "websocket" for a raw
	// realtime websocket endpoint.
	Kind string `yaml:"kind"`

	// URL is required for the websocket kind.
	URL string `yaml:"url"`

	// Model is the live model name for the gemini kind.
	Model string `yaml:"model"`

	// SystemInstruction optionally primes the model.
	SystemInstruction string `yaml:"system_instruction"`
}

// CredentialConfig points at the token-minting endpoint.
type CredentialConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	RefreshLeadMS  int    `yaml:"refresh_lead_ms"`
	SafetyBufferMS int    `yaml:"safety_buffer_ms"`
}

// AudioConfig contains audio capture parameters.
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
	BitDepth      int `yaml:"bit_depth"`
	ChunkPeriodMS int `yaml:"chunk_period_ms"`
}

// VideoConfig contains video capture parameters. FrameRate 0 disables video.
type VideoConfig struct {
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	FrameRate int `yaml:"frame_rate"`
}

// ReconnectConfig bounds the reconnection policy.
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
}

// HealthConfig tunes the dead-connection detector.
type HealthConfig struct {
	CheckIntervalMS       int `yaml:"check_interval_ms"`
	InactivityThresholdMS int `yaml:"inactivity_threshold_ms"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Kind:  "gemini",
			Model: "gemini-2.0-flash-live-001",
		},
		Credential: CredentialConfig{
			RefreshLeadMS:  180_000,
			SafetyBufferMS: 30_000,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			BitDepth:      16,
			ChunkPeriodMS: 500,
		},
		Video: VideoConfig{
			Width:     640,
			Height:    480,
			FrameRate: 1,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 3,
			BaseDelayMS: 2000,
		},
		Health: HealthConfig{
			CheckIntervalMS:       30_000,
			InactivityThresholdMS: 300_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9109",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses the configuration file. Defaults fill any section
// the file leaves zero, then environment overrides and validation apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// ApplyEnv overrides secrets and endpoints from the environment. Values in
// the file lose to the environment so deployments never need keys on disk.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LIVELINK_API_KEY"); v != "" {
		c.Credential.APIKey = v
	}
	if v := os.Getenv("LIVELINK_TOKEN_ENDPOINT"); v != "" {
		c.Credential.Endpoint = v
	}
	if v := os.Getenv("LIVELINK_ENDPOINT_URL"); v != "" {
		c.Endpoint.URL = v
	}
	if v := os.Getenv("LIVELINK_MODEL"); v != "" {
		c.Endpoint.Model = v
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("endpoint config: %w", err)
	}
	if err := c.Credential.Validate(); err != nil {
		return fmt.Errorf("credential config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Video.Validate(); err != nil {
		return fmt.Errorf("video config: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect config: %w", err)
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the endpoint selection.
func (e *EndpointConfig) Validate() error {
	switch e.Kind {
	case "gemini":
		if e.Model == "" {
			return fmt.Errorf("model cannot be empty for the gemini endpoint")
		}
	case "websocket":
		if e.URL == "" {
			return fmt.Errorf("url cannot be empty for the websocket endpoint")
		}
	default:
		return fmt.Errorf("kind must be 'gemini' or 'websocket', got '%s'", e.Kind)
	}
	return nil
}

// Validate validates credential configuration.
func (cr *CredentialConfig) Validate() error {
	if cr.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if cr.RefreshLeadMS < 1 {
		return fmt.Errorf("refresh_lead_ms must be positive, got %d", cr.RefreshLeadMS)
	}
	if cr.SafetyBufferMS < 1 {
		return fmt.Errorf("safety_buffer_ms must be positive, got %d", cr.SafetyBufferMS)
	}
	return nil
}

// Validate validates audio configuration.
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 16000, 24000, 44100, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 24000, 44100, 48000], got %d", a.SampleRate)
	}
	if a.Channels != 1 && a.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", a.Channels)
	}
	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}
	if a.ChunkPeriodMS < 10 {
		return fmt.Errorf("chunk_period_ms must be at least 10, got %d", a.ChunkPeriodMS)
	}
	return nil
}

// Validate validates video configuration.
func (v *VideoConfig) Validate() error {
	if v.FrameRate == 0 {
		return nil
	}
	if v.FrameRate < 0 {
		return fmt.Errorf("frame_rate cannot be negative, got %d", v.FrameRate)
	}
	if v.Width < 1 || v.Height < 1 {
		return fmt.Errorf("width and height must be positive, got %dx%d", v.Width, v.Height)
	}
	return nil
}

// Validate validates reconnection configuration.
func (r *ReconnectConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", r.MaxAttempts)
	}
	if r.BaseDelayMS < 1 {
		return fmt.Errorf("base_delay_ms must be positive, got %d", r.BaseDelayMS)
	}
	return nil
}

// Validate validates health configuration.
func (h *HealthConfig) Validate() error {
	if h.CheckIntervalMS < 1 {
		return fmt.Errorf("check_interval_ms must be positive, got %d", h.CheckIntervalMS)
	}
	if h.InactivityThresholdMS <= h.CheckIntervalMS {
		return fmt.Errorf("inactivity_threshold_ms (%d) must exceed check_interval_ms (%d)",
			h.InactivityThresholdMS, h.CheckIntervalMS)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

// RefreshLead returns the proactive refresh lead as a time.Duration.
func (cr *CredentialConfig) RefreshLead() time.Duration {
	return time.Duration(cr.RefreshLeadMS) * time.Millisecond
}

// SafetyBuffer returns the validity safety buffer as a time.Duration.
func (cr *CredentialConfig) SafetyBuffer() time.Duration {
	return time.Duration(cr.SafetyBufferMS) * time.Millisecond
}

// ChunkPeriod returns the audio chunk period as a time.Duration.
func (a *AudioConfig) ChunkPeriod() time.Duration {
	return time.Duration(a.ChunkPeriodMS) * time.Millisecond
}

// BaseDelay returns the backoff base delay as a time.Duration.
func (r *ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// CheckInterval returns the health check interval as a time.Duration.
func (h *HealthConfig) CheckInterval() time.Duration {
	return time.Duration(h.CheckIntervalMS) * time.Millisecond
}

// InactivityThreshold returns the inactivity threshold as a time.Duration.
func (h *HealthConfig) InactivityThreshold() time.Duration {
	return time.Duration(h.InactivityThresholdMS) * time.Millisecond
}
