package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apexhq/apex/pkg/log"
	"github.com/apexhq/apex/pkg/types"
)

// Config is the daemon configuration, loaded from <project>/.apex/config.yaml.
// Missing or malformed files fall back to defaults; the daemon never refuses
// to start over configuration.
type Config struct {
	Daemon    DaemonConfig         `yaml:"daemon"`
	Limits    types.ModeThresholds `yaml:"limits"`
	Workspace WorkspaceConfig      `yaml:"workspace"`
}

// DaemonConfig groups the daemon-proper options.
type DaemonConfig struct {
	PollIntervalMs   int      `yaml:"pollIntervalMs"`
	InstallAsService bool     `yaml:"installAsService"` // installer hint, ignored by the core
	ListenAddr       string   `yaml:"listenAddr"`
	Executor         []string `yaml:"executor"` // agent harness command, task JSON on stdin

	TimeBasedUsage  TimeBasedUsageConfig  `yaml:"timeBasedUsage"`
	SessionRecovery SessionRecoveryConfig `yaml:"sessionRecovery"`
	OrphanDetection OrphanDetectionConfig `yaml:"orphanDetection"`
	HealthCheck     HealthCheckConfig     `yaml:"healthCheck"`
	Watchdog        WatchdogConfig        `yaml:"watchdog"`
}

// TimeBasedUsageConfig switches threshold profiles by local wall-clock hour.
type TimeBasedUsageConfig struct {
	Enabled             bool                  `yaml:"enabled"`
	DayModeHours        []int                 `yaml:"dayModeHours"`
	NightModeHours      []int                 `yaml:"nightModeHours"`
	DayModeThresholds   *types.ModeThresholds `yaml:"dayModeThresholds"`
	NightModeThresholds *types.ModeThresholds `yaml:"nightModeThresholds"`
	WeekendFallback     string                `yaml:"weekendFallback"` // "weekend" or "day"
}

// SessionRecoveryConfig is the master switch for checkpointing and resume.
type SessionRecoveryConfig struct {
	Enabled                       bool `yaml:"enabled"`
	AutoResume                    bool `yaml:"autoResume"`
	MaxResumeAttempts             int  `yaml:"maxResumeAttempts"`
	ContextSummarizationThreshold int  `yaml:"contextSummarizationThreshold"`
	MaxCheckpointAgeHours         int  `yaml:"maxCheckpointAgeHours"`
}

// OrphanDetectionConfig controls startup and periodic orphan healing.
type OrphanDetectionConfig struct {
	Enabled               bool                 `yaml:"enabled"`
	StalenessThreshold    int64                `yaml:"stalenessThreshold"` // ms
	RecoveryPolicy        types.RecoveryPolicy `yaml:"recoveryPolicy"`
	PeriodicCheck         bool                 `yaml:"periodicCheck"`
	PeriodicCheckInterval int64                `yaml:"periodicCheckInterval"` // ms
}

// HealthCheckConfig controls the periodic liveness probe.
type HealthCheckConfig struct {
	Enabled  bool  `yaml:"enabled"`
	Interval int64 `yaml:"interval"` // ms
}

// WatchdogConfig controls automatic restart of the daemon core.
type WatchdogConfig struct {
	Enabled       bool  `yaml:"enabled"`
	MaxRestarts   int   `yaml:"maxRestarts"`
	RestartDelay  int64 `yaml:"restartDelay"`  // ms
	RestartWindow int64 `yaml:"restartWindow"` // ms
}

// WorkspaceConfig controls workspace materialization behavior.
type WorkspaceConfig struct {
	Cleanup bool `yaml:"cleanup"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PollIntervalMs: 1000,
			ListenAddr:     "127.0.0.1:7600",
			TimeBasedUsage: TimeBasedUsageConfig{
				WeekendFallback: "weekend",
			},
			SessionRecovery: SessionRecoveryConfig{
				MaxResumeAttempts:             3,
				ContextSummarizationThreshold: 50,
				MaxCheckpointAgeHours:         24,
			},
			OrphanDetection: OrphanDetectionConfig{
				Enabled:            true,
				StalenessThreshold: 3_600_000,
				RecoveryPolicy:     types.RecoverPending,
			},
			HealthCheck: HealthCheckConfig{
				Interval: 30_000,
			},
			Watchdog: WatchdogConfig{
				MaxRestarts:   5,
				RestartDelay:  5_000,
				RestartWindow: 300_000,
			},
		},
		Limits: types.ModeThresholds{
			MaxConcurrentTasks: 2,
		},
	}
}

// Load reads the config file at path and merges it over the defaults.
// A missing file is not an error; a malformed file logs a warning and the
// defaults are used.
func Load(path string) *Config {
	cfg := Default()
	logger := log.WithComponent("config")

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("cannot read config, using defaults")
		}
		return cfg
	}

	warnUnknownKeys(data, path)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("malformed config, using defaults")
		return Default()
	}
	cfg.normalize()
	return cfg
}

// normalize clamps nonsense values back to usable defaults.
func (c *Config) normalize() {
	d := Default()
	if c.Daemon.PollIntervalMs <= 0 {
		c.Daemon.PollIntervalMs = d.Daemon.PollIntervalMs
	}
	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = d.Daemon.ListenAddr
	}
	if c.Daemon.SessionRecovery.MaxResumeAttempts <= 0 {
		c.Daemon.SessionRecovery.MaxResumeAttempts = d.Daemon.SessionRecovery.MaxResumeAttempts
	}
	if c.Daemon.SessionRecovery.ContextSummarizationThreshold <= 0 {
		c.Daemon.SessionRecovery.ContextSummarizationThreshold = d.Daemon.SessionRecovery.ContextSummarizationThreshold
	}
	if c.Daemon.SessionRecovery.MaxCheckpointAgeHours <= 0 {
		c.Daemon.SessionRecovery.MaxCheckpointAgeHours = d.Daemon.SessionRecovery.MaxCheckpointAgeHours
	}
	if c.Daemon.OrphanDetection.StalenessThreshold <= 0 {
		c.Daemon.OrphanDetection.StalenessThreshold = d.Daemon.OrphanDetection.StalenessThreshold
	}
	switch c.Daemon.OrphanDetection.RecoveryPolicy {
	case types.RecoverPending, types.RecoverFail, types.RecoverRetry:
	default:
		c.Daemon.OrphanDetection.RecoveryPolicy = types.RecoverPending
	}
	if c.Daemon.HealthCheck.Interval <= 0 {
		c.Daemon.HealthCheck.Interval = d.Daemon.HealthCheck.Interval
	}
	if c.Daemon.Watchdog.MaxRestarts <= 0 {
		c.Daemon.Watchdog.MaxRestarts = d.Daemon.Watchdog.MaxRestarts
	}
	if c.Daemon.Watchdog.RestartDelay <= 0 {
		c.Daemon.Watchdog.RestartDelay = d.Daemon.Watchdog.RestartDelay
	}
	if c.Daemon.Watchdog.RestartWindow <= 0 {
		c.Daemon.Watchdog.RestartWindow = d.Daemon.Watchdog.RestartWindow
	}
	if c.Limits.MaxConcurrentTasks <= 0 {
		c.Limits.MaxConcurrentTasks = d.Limits.MaxConcurrentTasks
	}
}

// Duration accessors; YAML carries plain millisecond integers.

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Daemon.PollIntervalMs) * time.Millisecond
}

func (c *Config) OrphanStaleness() time.Duration {
	return time.Duration(c.Daemon.OrphanDetection.StalenessThreshold) * time.Millisecond
}

func (c *Config) OrphanPeriodicInterval() time.Duration {
	return time.Duration(c.Daemon.OrphanDetection.PeriodicCheckInterval) * time.Millisecond
}

func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Daemon.HealthCheck.Interval) * time.Millisecond
}

func (c *Config) WatchdogRestartDelay() time.Duration {
	return time.Duration(c.Daemon.Watchdog.RestartDelay) * time.Millisecond
}

func (c *Config) WatchdogRestartWindow() time.Duration {
	return time.Duration(c.Daemon.Watchdog.RestartWindow) * time.Millisecond
}

func (c *Config) MaxCheckpointAge() time.Duration {
	return time.Duration(c.Daemon.SessionRecovery.MaxCheckpointAgeHours) * time.Hour
}

// Recognized key sets for the unknown-key warning. Nested sections below
// daemon are validated one level deep; deeper unknown keys are silently
// tolerated (they are ignored by the decoder anyway).
var (
	knownTopKeys = map[string]bool{
		"daemon": true, "limits": true, "workspace": true,
	}
	knownDaemonKeys = map[string]bool{
		"pollIntervalMs": true, "installAsService": true, "listenAddr": true, "executor": true,
		"timeBasedUsage": true, "sessionRecovery": true, "orphanDetection": true,
		"healthCheck": true, "watchdog": true,
	}
)

func warnUnknownKeys(data []byte, path string) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	logger := log.WithComponent("config")
	for key := range raw {
		if !knownTopKeys[key] {
			logger.Warn().Str("path", path).Str("key", key).Msg("ignoring unknown config key")
		}
	}
	daemon, ok := raw["daemon"].(map[string]any)
	if !ok {
		return
	}
	for key := range daemon {
		if !knownDaemonKeys[key] {
			logger.Warn().Str("path", path).Str("key", fmt.Sprintf("daemon.%s", key)).Msg("ignoring unknown config key")
		}
	}
}
