// Package config loads taskcore's JSON configuration file and
// overlays environment-variable overrides via viper, the way
// 88lin-divinesense's cmd/divinesense wires viper.BindPFlag /
// viper.SetDefault on top of its profile struct — generalized here
// from cobra-flag binding to a TASKCORE_-prefixed environment overlay
// on top of a JSON base, since this module's composition root isn't
// itself a flag-heavy CLI surface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of knobs the composition root needs to wire
// every component.
type Config struct {
	DataDir    string `json:"data_dir"`
	ControlDir string `json:"control_dir"`
	LogLevel   string `json:"log_level"`

	DispatchPollIntervalMS int `json:"dispatch_poll_interval_ms"`
	DefaultMaxConcurrent   int `json:"default_max_concurrent"`
	ReapGraceSeconds       int `json:"reap_grace_seconds"`
	SnapshotIntervalSeconds int `json:"snapshot_interval_seconds"`
	ScheduleTickSeconds     int `json:"schedule_tick_seconds"`
	SampleIntervalSeconds   int `json:"sample_interval_seconds"`

	MetricsAddr string `json:"metrics_addr"`
}

// Default returns the built-in configuration baseline.
func Default() Config {
	return Config{
		DataDir:                 "./data",
		ControlDir:              "./control",
		LogLevel:                "info",
		DispatchPollIntervalMS:  200,
		DefaultMaxConcurrent:    4,
		ReapGraceSeconds:        5,
		SnapshotIntervalSeconds: 30,
		ScheduleTickSeconds:     5,
		SampleIntervalSeconds:   5,
		MetricsAddr:             ":9090",
	}
}

// ConfigError wraps a configuration load failure with the offending
// path so callers can report it without string-matching the message.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads path (if non-empty) as JSON on top of Default(), then
// overlays any TASKCORE_* environment variables present.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &ConfigError{Path: path, Err: err}
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, &ConfigError{Path: path, Err: err}
		}
	}

	overlayEnv(&cfg)
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("TASKCORE")
	v.AutomaticEnv()

	overlayString(v, "data_dir", &cfg.DataDir)
	overlayString(v, "control_dir", &cfg.ControlDir)
	overlayString(v, "log_level", &cfg.LogLevel)
	overlayString(v, "metrics_addr", &cfg.MetricsAddr)
	overlayInt(v, "dispatch_poll_interval_ms", &cfg.DispatchPollIntervalMS)
	overlayInt(v, "default_max_concurrent", &cfg.DefaultMaxConcurrent)
	overlayInt(v, "reap_grace_seconds", &cfg.ReapGraceSeconds)
	overlayInt(v, "snapshot_interval_seconds", &cfg.SnapshotIntervalSeconds)
	overlayInt(v, "schedule_tick_seconds", &cfg.ScheduleTickSeconds)
	overlayInt(v, "sample_interval_seconds", &cfg.SampleIntervalSeconds)
}

func overlayString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

func overlayInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

// DispatchPollInterval is a convenience accessor mirroring the
// taskmanager.Config field it feeds.
func (c Config) DispatchPollInterval() time.Duration {
	return time.Duration(c.DispatchPollIntervalMS) * time.Millisecond
}

// ReapGrace is a convenience accessor mirroring taskmanager.Config.
func (c Config) ReapGrace() time.Duration {
	return time.Duration(c.ReapGraceSeconds) * time.Second
}

// SnapshotInterval is a convenience accessor mirroring
// snapshot.Config.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// ScheduleTick is a convenience accessor mirroring scheduler.Config.
func (c Config) ScheduleTick() time.Duration {
	return time.Duration(c.ScheduleTickSeconds) * time.Second
}

// SampleInterval is a convenience accessor mirroring resource.Config.
func (c Config) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSeconds) * time.Second
}
