// Package config loads runtime configuration for the commerce core from the
// environment, optionally overlaid with a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ya-xyz/aesp-sub001/pkg/observability"
)

// Config holds runtime configuration.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	SQLitePath  string `yaml:"sqlite_path"`
	PolicyDir   string `yaml:"policy_dir"`

	// PolicyVendor names the vendor the policy directory is registered under.
	PolicyVendor string `yaml:"policy_vendor"`

	HighRiskMultiple float64       `yaml:"high_risk_multiple"`
	DefaultMaxRounds int           `yaml:"default_max_rounds"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	HoldTTL          time.Duration `yaml:"hold_ttl"`
	EscalationTTL    time.Duration `yaml:"escalation_ttl"`

	SweepSchedule   string  `yaml:"sweep_schedule"`
	RedeliveryRate  float64 `yaml:"redelivery_rate"`
	RedeliveryBurst int     `yaml:"redelivery_burst"`

	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ArchiveConfig selects where finished negotiation sessions are kept.
type ArchiveConfig struct {
	Type     string `yaml:"type"` // none, sqlite, s3, gcs
	Path     string `yaml:"path"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// TelemetryConfig controls the OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

// Load loads configuration from environment variables, applying defaults for
// anything unset or unparsable.
func Load() *Config {
	return &Config{
		LogLevel:    envString("LOG_LEVEL", "INFO"),
		DatabaseURL: envString("DATABASE_URL", ""),
		RedisAddr:   envString("REDIS_ADDR", ""),
		SQLitePath:  envString("AESP_SQLITE_PATH", "aesp.db"),
		PolicyDir:   envString("AESP_POLICY_DIR", ""),

		PolicyVendor: envString("AESP_POLICY_VENDOR", "local"),

		HighRiskMultiple: envFloat("AESP_HIGH_RISK_MULTIPLE", 2.0),
		DefaultMaxRounds: envInt("AESP_MAX_ROUNDS", 10),
		SessionTTL:       envDuration("AESP_SESSION_TTL", 24*time.Hour),
		HoldTTL:          envDuration("AESP_HOLD_TTL", 15*time.Minute),
		EscalationTTL:    envDuration("AESP_ESCALATION_TTL", 5*time.Minute),

		SweepSchedule:   envString("AESP_SWEEP_SCHEDULE", "@every 1m"),
		RedeliveryRate:  envFloat("AESP_REDELIVERY_RATE", 5),
		RedeliveryBurst: envInt("AESP_REDELIVERY_BURST", 10),

		Archive: ArchiveConfig{
			Type:     envString("AESP_ARCHIVE_TYPE", "none"),
			Path:     envString("AESP_ARCHIVE_PATH", "aesp-archive.db"),
			Bucket:   envString("AESP_ARCHIVE_BUCKET", ""),
			Region:   envString("AWS_REGION", "us-east-1"),
			Endpoint: envString("AESP_ARCHIVE_ENDPOINT", ""),
			Prefix:   envString("AESP_ARCHIVE_PREFIX", "sessions/"),
		},

		Telemetry: TelemetryConfig{
			Enabled:      os.Getenv("OTEL_ENABLED") == "true",
			OTLPEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     os.Getenv("OTEL_INSECURE") == "true",
			SampleRate:   envFloat("OTEL_SAMPLE_RATE", 1.0),
			ServiceName:  envString("OTEL_SERVICE_NAME", "aesp-core"),
		},
	}
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HighRiskMultiple < 1 {
		errs = append(errs, fmt.Errorf("high_risk_multiple must be >= 1, got %v", c.HighRiskMultiple))
	}
	if c.DefaultMaxRounds < 1 {
		errs = append(errs, fmt.Errorf("default_max_rounds must be >= 1, got %d", c.DefaultMaxRounds))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("session_ttl must be positive"))
	}
	if c.HoldTTL <= 0 {
		errs = append(errs, fmt.Errorf("hold_ttl must be positive"))
	}
	if c.EscalationTTL <= 0 {
		errs = append(errs, fmt.Errorf("escalation_ttl must be positive"))
	}
	if c.RedeliveryRate <= 0 || c.RedeliveryBurst < 1 {
		errs = append(errs, fmt.Errorf("redelivery rate and burst must be positive"))
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sweep_schedule %q: %w", c.SweepSchedule, err))
	}
	switch c.Archive.Type {
	case "", "none", "sqlite", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("archive.type %q is not one of none, sqlite, s3, gcs", c.Archive.Type))
	}
	if (c.Archive.Type == "s3" || c.Archive.Type == "gcs") && c.Archive.Bucket == "" {
		errs = append(errs, fmt.Errorf("archive.bucket is required for %s", c.Archive.Type))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1]"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Observability converts the telemetry section into a provider config.
func (c *Config) Observability() *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = c.Telemetry.Enabled
	oc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	oc.Insecure = c.Telemetry.Insecure
	oc.SampleRate = c.Telemetry.SampleRate
	if c.Telemetry.ServiceName != "" {
		oc.ServiceName = c.Telemetry.ServiceName
	}
	return oc
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
