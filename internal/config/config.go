package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for the Kindred engine.
type Config struct {
	General     GeneralConfig     `json:"general"`
	Storage     StorageConfig     `json:"storage"`
	Memory      MemoryConfig      `json:"memory"`
	Encryption  EncryptionConfig  `json:"encryption"`
	Personality PersonalityConfig `json:"personality"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type GeneralConfig struct {
	CompanionName string `json:"companionName"`
	LogLevel      string `json:"logLevel"` // debug | info | warn | error
}

type StorageConfig struct {
	Backend string `json:"backend"` // "json" | "sqlite"
	DataDir string `json:"dataDir"` // json backend: namespace root
	DBPath  string `json:"dbPath"`  // sqlite backend: database file
}

type MemoryConfig struct {
	// HistoryLimit bounds the per-user message history; oldest messages
	// are evicted first once exceeded.
	HistoryLimit int `json:"historyLimit"`
	// MoodWindow bounds the rolling mood-sample window. Independent of
	// HistoryLimit.
	MoodWindow int `json:"moodWindow"`
	// TrendThreshold is the minimum shift in half-window negative mean
	// that classifies as a mood trend.
	TrendThreshold float64 `json:"trendThreshold"`
}

type EncryptionConfig struct {
	Enabled bool   `json:"enabled"`
	Secret  string `json:"secret,omitempty"` // supports ${ENCRYPTION_KEY} expansion
	Salt    string `json:"salt,omitempty"`
	// SensitivePatterns override the built-in field classifier patterns.
	SensitivePatterns []string `json:"sensitivePatterns,omitempty"`
}

type PersonalityConfig struct {
	// ProfilePath points at a YAML personality profile (trait defaults,
	// stage thresholds). Empty means built-in defaults.
	ProfilePath string `json:"profilePath,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.kindred).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kindred"
	}
	return filepath.Join(home, ".kindred")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DataDir = ExpandPath(cfg.Storage.DataDir)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Personality.ProfilePath = ExpandPath(cfg.Personality.ProfilePath)

	ApplyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv applies plain environment overrides. These take precedence
// over the config file so deployments can steer the engine without
// editing JSON.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = ExpandPath(v)
	}
	if v := os.Getenv("MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Memory.HistoryLimit = n
		}
	}
	if v := os.Getenv("ENCRYPTION_ENABLED"); v != "" {
		cfg.Encryption.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Secret = v
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Storage.Backend {
	case "json", "sqlite":
		// valid
	default:
		errs = append(errs, "storage.backend must be one of: json, sqlite")
	}
	if cfg.Storage.Backend == "json" && cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required for the json backend")
	}
	if cfg.Storage.Backend == "sqlite" && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required for the sqlite backend")
	}

	if cfg.Memory.HistoryLimit < 1 {
		errs = append(errs, "memory.historyLimit must be >= 1")
	}
	if cfg.Memory.MoodWindow < 2 {
		errs = append(errs, "memory.moodWindow must be >= 2")
	}
	if cfg.Memory.TrendThreshold <= 0 || cfg.Memory.TrendThreshold >= 1 {
		errs = append(errs, "memory.trendThreshold must be in (0, 1)")
	}

	if cfg.Encryption.Enabled && cfg.Encryption.Secret == "" {
		errs = append(errs, "encryption.secret is required when encryption is enabled")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
