package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Runner   RunnerConfig   `yaml:"runner"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Buffer   BufferConfig   `yaml:"buffer"`
	History  HistoryConfig  `yaml:"history"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// RunnerConfig holds process supervisor settings.
type RunnerConfig struct {
	MaxCommands     int           `yaml:"max_commands"`
	CommandTTL      time.Duration `yaml:"command_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	LookupPaths     []string      `yaml:"lookup_paths,omitempty"` // prioritized install locations, searched before PATH
	DefaultTimeout  time.Duration `yaml:"default_timeout"`        // 0 = no timeout
}

// PipelineConfig holds output processing settings.
type PipelineConfig struct {
	ChunkSize          int     `yaml:"chunk_size"`
	Workers            int     `yaml:"workers"`
	Highlight          bool    `yaml:"highlight"`
	HighlightCacheSize int     `yaml:"highlight_cache_size"`
	IssuesPerSec       float64 `yaml:"issues_per_sec"` // issue side-channel rate limit
	IssueBurst         int     `yaml:"issue_burst"`
}

// BufferConfig holds output buffer settings.
type BufferConfig struct {
	MaxBytes int    `yaml:"max_bytes"` // memory tier ceiling
	MaxLines int    `yaml:"max_lines"` // memory tier line cap
	Dir      string `yaml:"dir"`       // spill file directory; empty = os.TempDir()
}

// HistoryConfig holds finished-command history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.runstream/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".runstream", "data")
}

// defaultLookupPaths returns the install locations searched before falling
// back to a PATH lookup. Missing directories are skipped at resolution time.
func defaultLookupPaths() []string {
	paths := []string{
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".local", "bin"))
	}
	return paths
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Runner: RunnerConfig{
			MaxCommands:     16,
			CommandTTL:      30 * time.Minute,
			CleanupInterval: time.Minute,
			LookupPaths:     defaultLookupPaths(),
			DefaultTimeout:  0,
		},
		Pipeline: PipelineConfig{
			ChunkSize:          4096,
			Workers:            4,
			Highlight:          false,
			HighlightCacheSize: 512,
			IssuesPerSec:       10,
			IssueBurst:         20,
		},
		Buffer: BufferConfig{
			MaxBytes: 4 * 1024 * 1024, // 4 MiB
			MaxLines: 10000,
			Dir:      "",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    filepath.Join(dataDir, "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps RUNSTREAM_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RUNSTREAM_RUNNER_MAX_COMMANDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runner.MaxCommands = n
		}
	}
	if v := os.Getenv("RUNSTREAM_RUNNER_COMMAND_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runner.CommandTTL = d
		}
	}
	if v := os.Getenv("RUNSTREAM_RUNNER_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runner.CleanupInterval = d
		}
	}
	if v := os.Getenv("RUNSTREAM_RUNNER_LOOKUP_PATHS"); v != "" {
		cfg.Runner.LookupPaths = splitAndTrim(v, ":")
	}
	if v := os.Getenv("RUNSTREAM_RUNNER_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Runner.DefaultTimeout = d
		}
	}

	if v := os.Getenv("RUNSTREAM_PIPELINE_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.ChunkSize = n
		}
	}
	if v := os.Getenv("RUNSTREAM_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("RUNSTREAM_PIPELINE_HIGHLIGHT"); v == "true" {
		cfg.Pipeline.Highlight = true
	} else if v == "false" {
		cfg.Pipeline.Highlight = false
	}
	if v := os.Getenv("RUNSTREAM_PIPELINE_HIGHLIGHT_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.HighlightCacheSize = n
		}
	}
	if v := os.Getenv("RUNSTREAM_PIPELINE_ISSUES_PER_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Pipeline.IssuesPerSec = f
		}
	}
	if v := os.Getenv("RUNSTREAM_PIPELINE_ISSUE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.IssueBurst = n
		}
	}

	if v := os.Getenv("RUNSTREAM_BUFFER_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Buffer.MaxBytes = n
		}
	}
	if v := os.Getenv("RUNSTREAM_BUFFER_MAX_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Buffer.MaxLines = n
		}
	}
	if v := os.Getenv("RUNSTREAM_BUFFER_DIR"); v != "" {
		cfg.Buffer.Dir = v
	}

	if v := os.Getenv("RUNSTREAM_HISTORY_ENABLED"); v == "true" {
		cfg.History.Enabled = true
	} else if v == "false" {
		cfg.History.Enabled = false
	}
	if v := os.Getenv("RUNSTREAM_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}

	if v := os.Getenv("RUNSTREAM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RUNSTREAM_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RUNSTREAM_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	if v := os.Getenv("RUNSTREAM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RUNSTREAM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s on sep and trims whitespace, dropping empty entries.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
