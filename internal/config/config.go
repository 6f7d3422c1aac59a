// Package config holds the runtime tuning configuration for the telemetry
// core. The schema is a flat JSON object so the same file can seed startup
// configuration and partial overrides: fields omitted from the JSON retain
// their defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the tunable parameters of the ingestion pipeline.
// All fields are pointers so a partial JSON file can override only the
// values it names.
type Config struct {
	// Connection manager
	ConnectionCeiling      *int    `json:"connection_ceiling,omitempty"`
	HeartbeatInterval      *string `json:"heartbeat_interval,omitempty"` // duration string like "30s"
	ValidationFailureLimit *int    `json:"validation_failure_limit,omitempty"`

	// Backpressure
	QueueCapacity     *int `json:"queue_capacity,omitempty"`
	GlobalInflightMax *int `json:"global_inflight_max,omitempty"`

	// Signal processing
	KalmanProcessNoise      *float64 `json:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise  *float64 `json:"kalman_measurement_noise,omitempty"`
	AnomalySigmaMultiplier  *float64 `json:"anomaly_sigma_multiplier,omitempty"`
	SmoothingWindowFraction *float64 `json:"smoothing_window_fraction,omitempty"`
	SessionLength           *string  `json:"session_length,omitempty"`
	LatencyBudget           *string  `json:"latency_budget,omitempty"`
	DeviceCacheSize         *int     `json:"device_cache_size,omitempty"`

	// Circuit breaker
	BreakerFailureThreshold *int     `json:"breaker_failure_threshold,omitempty"`
	BreakerFailureRate      *float64 `json:"breaker_failure_rate,omitempty"`
	BreakerWindowSize       *int     `json:"breaker_window_size,omitempty"`
	BreakerResetTimeout     *string  `json:"breaker_reset_timeout,omitempty"`
	BreakerCallTimeout      *string  `json:"breaker_call_timeout,omitempty"`

	// Sync/retry queue
	RetryAttempts  *int    `json:"retry_attempts,omitempty"`
	RetryBaseDelay *string `json:"retry_base_delay,omitempty"`

	// Fan-out
	SubscriberBuffer *int `json:"subscriber_buffer,omitempty"`

	// Aggregator
	MetricsFlushInterval *string `json:"metrics_flush_interval,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		ConnectionCeiling:       ptrInt(1000),
		HeartbeatInterval:       ptrString("30s"),
		ValidationFailureLimit:  ptrInt(5),
		QueueCapacity:           ptrInt(1024),
		GlobalInflightMax:       ptrInt(10000),
		KalmanProcessNoise:      ptrFloat64(0.1),
		KalmanMeasurementNoise:  ptrFloat64(0.1),
		AnomalySigmaMultiplier:  ptrFloat64(2.0),
		SmoothingWindowFraction: ptrFloat64(0.05),
		SessionLength:           ptrString("5m"),
		LatencyBudget:           ptrString("100ms"),
		DeviceCacheSize:         ptrInt(2048),
		BreakerFailureThreshold: ptrInt(5),
		BreakerFailureRate:      ptrFloat64(0.5),
		BreakerWindowSize:       ptrInt(10),
		BreakerResetTimeout:     ptrString("30s"),
		BreakerCallTimeout:      ptrString("3s"),
		RetryAttempts:           ptrInt(3),
		RetryBaseDelay:          ptrString("500ms"),
		SubscriberBuffer:        ptrInt(1000),
		MetricsFlushInterval:    ptrString("10s"),
	}
}

// Load reads a Config from a JSON file and overlays it on the defaults.
// Fields omitted from the file keep their default values, so partial
// configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", cleanPath, err)
	}

	return cfg, nil
}

// Validate checks that every set value is inside its legal range.
func (c *Config) Validate() error {
	if c.GetConnectionCeiling() < 1 {
		return fmt.Errorf("connection_ceiling must be >= 1, got %d", c.GetConnectionCeiling())
	}
	if c.GetQueueCapacity() < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", c.GetQueueCapacity())
	}
	if c.GetGlobalInflightMax() < 1 {
		return fmt.Errorf("global_inflight_max must be >= 1, got %d", c.GetGlobalInflightMax())
	}
	if c.GetKalmanProcessNoise() <= 0 {
		return fmt.Errorf("kalman_process_noise must be > 0, got %f", c.GetKalmanProcessNoise())
	}
	if c.GetKalmanMeasurementNoise() <= 0 {
		return fmt.Errorf("kalman_measurement_noise must be > 0, got %f", c.GetKalmanMeasurementNoise())
	}
	if c.GetAnomalySigmaMultiplier() <= 0 {
		return fmt.Errorf("anomaly_sigma_multiplier must be > 0, got %f", c.GetAnomalySigmaMultiplier())
	}
	if f := c.GetSmoothingWindowFraction(); f <= 0 || f > 1 {
		return fmt.Errorf("smoothing_window_fraction must be in (0,1], got %f", f)
	}
	if r := c.GetBreakerFailureRate(); r <= 0 || r > 1 {
		return fmt.Errorf("breaker_failure_rate must be in (0,1], got %f", r)
	}
	if c.GetRetryAttempts() < 1 {
		return fmt.Errorf("retry_attempts must be >= 1, got %d", c.GetRetryAttempts())
	}
	if c.GetSubscriberBuffer() < 1 {
		return fmt.Errorf("subscriber_buffer must be >= 1, got %d", c.GetSubscriberBuffer())
	}
	for name, s := range map[string]string{
		"heartbeat_interval":     c.GetHeartbeatIntervalRaw(),
		"session_length":         c.GetSessionLengthRaw(),
		"latency_budget":         c.GetLatencyBudgetRaw(),
		"breaker_reset_timeout":  c.GetBreakerResetTimeoutRaw(),
		"breaker_call_timeout":   c.GetBreakerCallTimeoutRaw(),
		"retry_base_delay":       c.GetRetryBaseDelayRaw(),
		"metrics_flush_interval": c.GetMetricsFlushIntervalRaw(),
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, s)
		}
	}
	return nil
}

// durationOrDefault parses s as a duration, falling back to def when unset
// or unparseable. Validate catches bad strings at load time; the fallback
// keeps zero-value Configs usable in tests.
func durationOrDefault(s *string, def time.Duration) time.Duration {
	if s == nil {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOrDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func stringOrDefault(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

// Getters. Each returns the configured value or the documented default.

func (c *Config) GetConnectionCeiling() int { return intOrDefault(c.ConnectionCeiling, 1000) }
func (c *Config) GetHeartbeatInterval() time.Duration {
	return durationOrDefault(c.HeartbeatInterval, 30*time.Second)
}
func (c *Config) GetValidationFailureLimit() int { return intOrDefault(c.ValidationFailureLimit, 5) }
func (c *Config) GetQueueCapacity() int          { return intOrDefault(c.QueueCapacity, 1024) }
func (c *Config) GetGlobalInflightMax() int      { return intOrDefault(c.GlobalInflightMax, 10000) }
func (c *Config) GetKalmanProcessNoise() float64 {
	return floatOrDefault(c.KalmanProcessNoise, 0.1)
}
func (c *Config) GetKalmanMeasurementNoise() float64 {
	return floatOrDefault(c.KalmanMeasurementNoise, 0.1)
}
func (c *Config) GetAnomalySigmaMultiplier() float64 {
	return floatOrDefault(c.AnomalySigmaMultiplier, 2.0)
}
func (c *Config) GetSmoothingWindowFraction() float64 {
	return floatOrDefault(c.SmoothingWindowFraction, 0.05)
}
func (c *Config) GetSessionLength() time.Duration {
	return durationOrDefault(c.SessionLength, 5*time.Minute)
}
func (c *Config) GetLatencyBudget() time.Duration {
	return durationOrDefault(c.LatencyBudget, 100*time.Millisecond)
}
func (c *Config) GetDeviceCacheSize() int { return intOrDefault(c.DeviceCacheSize, 2048) }
func (c *Config) GetBreakerFailureThreshold() int {
	return intOrDefault(c.BreakerFailureThreshold, 5)
}
func (c *Config) GetBreakerFailureRate() float64 {
	return floatOrDefault(c.BreakerFailureRate, 0.5)
}
func (c *Config) GetBreakerWindowSize() int { return intOrDefault(c.BreakerWindowSize, 10) }
func (c *Config) GetBreakerResetTimeout() time.Duration {
	return durationOrDefault(c.BreakerResetTimeout, 30*time.Second)
}
func (c *Config) GetBreakerCallTimeout() time.Duration {
	return durationOrDefault(c.BreakerCallTimeout, 3*time.Second)
}
func (c *Config) GetRetryAttempts() int { return intOrDefault(c.RetryAttempts, 3) }
func (c *Config) GetRetryBaseDelay() time.Duration {
	return durationOrDefault(c.RetryBaseDelay, 500*time.Millisecond)
}
func (c *Config) GetSubscriberBuffer() int { return intOrDefault(c.SubscriberBuffer, 1000) }
func (c *Config) GetMetricsFlushInterval() time.Duration {
	return durationOrDefault(c.MetricsFlushInterval, 10*time.Second)
}

// Raw duration-string getters used by Validate.

func (c *Config) GetHeartbeatIntervalRaw() string { return stringOrDefault(c.HeartbeatInterval, "30s") }
func (c *Config) GetSessionLengthRaw() string     { return stringOrDefault(c.SessionLength, "5m") }
func (c *Config) GetLatencyBudgetRaw() string     { return stringOrDefault(c.LatencyBudget, "100ms") }
func (c *Config) GetBreakerResetTimeoutRaw() string {
	return stringOrDefault(c.BreakerResetTimeout, "30s")
}
func (c *Config) GetBreakerCallTimeoutRaw() string {
	return stringOrDefault(c.BreakerCallTimeout, "3s")
}
func (c *Config) GetRetryBaseDelayRaw() string { return stringOrDefault(c.RetryBaseDelay, "500ms") }
func (c *Config) GetMetricsFlushIntervalRaw() string {
	return stringOrDefault(c.MetricsFlushInterval, "10s")
}
