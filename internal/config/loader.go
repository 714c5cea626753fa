package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// HomeDir is the default home directory name under the user's home.
	HomeDir = ".agentbus"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("AGENTBUS_CONFIG")); explicit != "" {
		return expandTilde(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFile), nil
}

// resolveHomeDir returns the agentbus home: AGENTBUS_HOME or ~/.agentbus.
func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("AGENTBUS_HOME")); h != "" {
		return expandTilde(h)
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, HomeDir), nil
}

func expandTilde(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	base, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	home, err := resolveHomeDir()
	if err != nil {
		return nil, err
	}
	for _, p := range []*string{&cfg.Paths.Home, &cfg.Paths.DBPath, &cfg.Paths.ProfilesDir, &cfg.Paths.SpawnLogDir, &cfg.Paths.WorkDir} {
		if expanded, err := expandTilde(*p); err == nil {
			*p = expanded
		}
	}
	cfg.ResolvePaths(home)
	normalize(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"AGENTBUS_PATHS", &cfg.Paths},
		{"AGENTBUS_SPAWN", &cfg.Spawn},
		{"AGENTBUS_BUS", &cfg.Bus},
		{"AGENTBUS_MIRROR", &cfg.Mirror},
		{"AGENTBUS_ALERTS", &cfg.Alerts},
		{"AGENTBUS_LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.spec); err != nil {
			return fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	// Slack tokens are commonly exported under their vendor name.
	if cfg.Alerts.SlackToken == "" {
		cfg.Alerts.SlackToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	return nil
}

// normalize replaces nonsensical values with defaults. Zero windows are valid
// and left alone.
func normalize(cfg *Config) {
	def := DefaultConfig()
	if cfg.Spawn.HealthIntervalSeconds <= 0 {
		cfg.Spawn.HealthIntervalSeconds = def.Spawn.HealthIntervalSeconds
	}
	if cfg.Spawn.StallThresholdSeconds <= 0 {
		cfg.Spawn.StallThresholdSeconds = def.Spawn.StallThresholdSeconds
	}
	if cfg.Spawn.TimeoutSeconds <= 0 {
		cfg.Spawn.TimeoutSeconds = def.Spawn.TimeoutSeconds
	}
	if cfg.Spawn.LaunchRetries < 0 {
		cfg.Spawn.LaunchRetries = 0
	}
	if cfg.Spawn.LaunchGraceMillis <= 0 {
		cfg.Spawn.LaunchGraceMillis = def.Spawn.LaunchGraceMillis
	}
	if cfg.Spawn.OrphanAfterSeconds <= 0 {
		cfg.Spawn.OrphanAfterSeconds = def.Spawn.OrphanAfterSeconds
	}
	if cfg.Spawn.CleanupIntervalSeconds <= 0 {
		cfg.Spawn.CleanupIntervalSeconds = def.Spawn.CleanupIntervalSeconds
	}
	if cfg.Spawn.MaxConcurrentLaunches <= 0 {
		cfg.Spawn.MaxConcurrentLaunches = def.Spawn.MaxConcurrentLaunches
	}
	if cfg.Bus.MentionWindowSeconds < 0 {
		cfg.Bus.MentionWindowSeconds = 0
	}
	if cfg.Bus.HandoffWindowSeconds < 0 {
		cfg.Bus.HandoffWindowSeconds = 0
	}
	if strings.TrimSpace(cfg.Mirror.Topic) == "" {
		cfg.Mirror.Topic = def.Mirror.Topic
	}
	if strings.TrimSpace(cfg.Mirror.GroupID) == "" {
		cfg.Mirror.GroupID = def.Mirror.GroupID
	}
	if base := strings.TrimSpace(cfg.Alerts.SlackAPIBase); base == "" {
		cfg.Alerts.SlackAPIBase = def.Alerts.SlackAPIBase
	} else if !strings.HasSuffix(base, "/") {
		cfg.Alerts.SlackAPIBase = base + "/"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = "info"
	}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeConfigFile(path, data)
}

func writeConfigFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads the config file, following "$include" entries and
// substituting ${VAR} references from the environment.
func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
