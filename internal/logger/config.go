package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the handler encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Config is the parsed logging configuration.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[string]slog.Level
	Format          Format
	AddSource       bool
}

// LevelForSubsystem returns the subsystem level or the default.
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

var (
	configCache *Config
	configOnce  sync.Once
)

// ConfigFromEnv parses BEACON_LOG_LEVEL, BEACON_LOG_FORMAT, and
// BEACON_LOG_ADD_SOURCE once per process.
func ConfigFromEnv() *Config {
	configOnce.Do(func() {
		configCache = parseConfig(os.Getenv)
	})
	return configCache
}

func parseConfig(getenv func(string) string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
	}

	if s := getenv("BEACON_LOG_LEVEL"); s != "" {
		parseLevelConfig(cfg, s)
	}
	if strings.EqualFold(getenv("BEACON_LOG_FORMAT"), "json") {
		cfg.Format = FormatJSON
	}
	if s := getenv("BEACON_LOG_ADD_SOURCE"); s != "" {
		cfg.AddSource = s != "false" && s != "0"
	}
	return cfg
}

// parseLevelConfig reads "subsystem=level,...,default".
func parseLevelConfig(cfg *Config, s string) {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, levelName, found := strings.Cut(part, "=")
		if !found {
			if level, ok := parseLevel(part); ok {
				cfg.DefaultLevel = level
			}
			continue
		}
		if level, ok := parseLevel(strings.TrimSpace(levelName)); ok {
			cfg.SubsystemLevels[strings.TrimSpace(name)] = level
		}
	}
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ResetConfig drops the cached configuration. Tests only.
func ResetConfig() {
	configOnce = sync.Once{}
	configCache = nil
}
