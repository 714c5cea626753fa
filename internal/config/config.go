// Package config provides configuration types and loading for agentbus.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Spawn, Bus, Providers, Mirror, Alerts, Log.
type Config struct {
	Paths     PathsConfig               `json:"paths"`
	Spawn     SpawnConfig               `json:"spawn"`
	Bus       BusConfig                 `json:"bus"`
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Mirror    MirrorConfig              `json:"mirror"`
	Alerts    AlertsConfig              `json:"alerts"`
	Log       LogConfig                 `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. Empty values are derived
// from Home when the config is loaded.
type PathsConfig struct {
	Home        string `json:"home" envconfig:"HOME"`
	DBPath      string `json:"dbPath" envconfig:"DB_PATH"`
	ProfilesDir string `json:"profilesDir" envconfig:"PROFILES_DIR"`
	SpawnLogDir string `json:"spawnLogDir" envconfig:"SPAWN_LOG_DIR"`
	WorkDir     string `json:"workDir" envconfig:"WORK_DIR"`
}

// ---------------------------------------------------------------------------
// Spawn – lifecycle supervision
// ---------------------------------------------------------------------------

// SpawnConfig holds the supervision thresholds. Stall and timeout bounds are
// workload dependent, so none of them are baked into the manager.
type SpawnConfig struct {
	HealthIntervalSeconds  int `json:"healthIntervalSeconds" envconfig:"HEALTH_INTERVAL_SECONDS"`
	StallThresholdSeconds  int `json:"stallThresholdSeconds" envconfig:"STALL_THRESHOLD_SECONDS"`
	TimeoutSeconds         int `json:"timeoutSeconds" envconfig:"TIMEOUT_SECONDS"`
	LaunchRetries          int `json:"launchRetries" envconfig:"LAUNCH_RETRIES"`
	LaunchGraceMillis      int `json:"launchGraceMillis" envconfig:"LAUNCH_GRACE_MILLIS"`
	OrphanAfterSeconds     int `json:"orphanAfterSeconds" envconfig:"ORPHAN_AFTER_SECONDS"`
	CleanupIntervalSeconds int `json:"cleanupIntervalSeconds" envconfig:"CLEANUP_INTERVAL_SECONDS"`
	MaxConcurrentLaunches  int `json:"maxConcurrentLaunches" envconfig:"MAX_CONCURRENT_LAUNCHES"`
}

// HealthInterval returns the health-scan period.
func (c SpawnConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSeconds) * time.Second
}

// StallThreshold returns how long a running spawn may go without output.
func (c SpawnConfig) StallThreshold() time.Duration {
	return time.Duration(c.StallThresholdSeconds) * time.Second
}

// Timeout returns the hard running-duration bound.
func (c SpawnConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LaunchGrace returns the window in which an exit counts as a launch failure.
func (c SpawnConfig) LaunchGrace() time.Duration {
	return time.Duration(c.LaunchGraceMillis) * time.Millisecond
}

// OrphanAfter returns the age after which a never-started spawn is swept.
func (c SpawnConfig) OrphanAfter() time.Duration {
	return time.Duration(c.OrphanAfterSeconds) * time.Second
}

// CleanupInterval returns the cleanup sweep period.
func (c SpawnConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Bus – coordination policy
// ---------------------------------------------------------------------------

// BusConfig holds the trigger policy of the coordination bus.
// A zero window disables suppression of re-triggers after a spawn ends.
type BusConfig struct {
	MentionWindowSeconds int `json:"mentionWindowSeconds" envconfig:"MENTION_WINDOW_SECONDS"`
	HandoffWindowSeconds int `json:"handoffWindowSeconds" envconfig:"HANDOFF_WINDOW_SECONDS"`
	RotateThreshold      int `json:"rotateThreshold" envconfig:"ROTATE_THRESHOLD"`
}

// MentionWindow returns the mention suppression window.
func (c BusConfig) MentionWindow() time.Duration {
	return time.Duration(c.MentionWindowSeconds) * time.Second
}

// HandoffWindow returns the handoff suppression window.
func (c BusConfig) HandoffWindow() time.Duration {
	return time.Duration(c.HandoffWindowSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Providers – external execution CLIs
// ---------------------------------------------------------------------------

// ProviderConfig overrides how a provider CLI is invoked.
type ProviderConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ---------------------------------------------------------------------------
// Mirror – Kafka event stream
// ---------------------------------------------------------------------------

// MirrorConfig configures the Kafka event mirror.
type MirrorConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	Topic   string `json:"topic" envconfig:"TOPIC"`
	GroupID string `json:"groupId" envconfig:"GROUP_ID"`
}

// ---------------------------------------------------------------------------
// Alerts – operator notifications
// ---------------------------------------------------------------------------

// AlertsConfig configures Slack notifications for unhealthy spawns.
type AlertsConfig struct {
	SlackEnabled bool   `json:"slackEnabled" envconfig:"SLACK_ENABLED"`
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	SlackAPIBase string `json:"slackApiBase,omitempty" envconfig:"SLACK_API_BASE"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `json:"level" envconfig:"LEVEL"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Spawn: SpawnConfig{
			HealthIntervalSeconds:  15,
			StallThresholdSeconds:  300,
			TimeoutSeconds:         3600,
			LaunchRetries:          1,
			LaunchGraceMillis:      1500,
			OrphanAfterSeconds:     300,
			CleanupIntervalSeconds: 60,
			MaxConcurrentLaunches:  4,
		},
		Bus: BusConfig{
			RotateThreshold: 500,
		},
		Mirror: MirrorConfig{
			Topic:   "agentbus.events",
			GroupID: "agentbus-tail",
		},
		Alerts: AlertsConfig{
			SlackAPIBase: "https://slack.com/api/",
		},
		Log: LogConfig{Level: "info"},
	}
}

// ResolvePaths fills empty path fields from Home.
func (c *Config) ResolvePaths(home string) {
	if c.Paths.Home == "" {
		c.Paths.Home = home
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = filepath.Join(c.Paths.Home, "agentbus.db")
	}
	if c.Paths.ProfilesDir == "" {
		c.Paths.ProfilesDir = filepath.Join(c.Paths.Home, "profiles")
	}
	if c.Paths.SpawnLogDir == "" {
		c.Paths.SpawnLogDir = filepath.Join(c.Paths.Home, "spawns")
	}
}
