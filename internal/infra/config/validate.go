package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRunner(cfg, ve)
	validatePipeline(cfg, ve)
	validateBuffer(cfg, ve)
	validateHistory(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateRunner(cfg *Config, ve *ValidationError) {
	if cfg.Runner.MaxCommands <= 0 {
		ve.Add("runner.max_commands must be > 0")
	}
	if cfg.Runner.CommandTTL <= 0 {
		ve.Add("runner.command_ttl must be > 0")
	}
	if cfg.Runner.CleanupInterval <= 0 {
		ve.Add("runner.cleanup_interval must be > 0")
	}
	if cfg.Runner.DefaultTimeout < 0 {
		ve.Add("runner.default_timeout must be >= 0 (0 disables the timeout)")
	}
}

func validatePipeline(cfg *Config, ve *ValidationError) {
	if cfg.Pipeline.ChunkSize <= 0 {
		ve.Add("pipeline.chunk_size must be > 0")
	}
	if cfg.Pipeline.Workers <= 0 {
		ve.Add("pipeline.workers must be > 0")
	}
	if cfg.Pipeline.Highlight && cfg.Pipeline.HighlightCacheSize <= 0 {
		ve.Add("pipeline.highlight_cache_size must be > 0 when highlight is enabled")
	}
	if cfg.Pipeline.IssuesPerSec < 0 {
		ve.Add("pipeline.issues_per_sec must be >= 0")
	}
	if cfg.Pipeline.IssueBurst <= 0 {
		ve.Add("pipeline.issue_burst must be > 0")
	}
}

func validateBuffer(cfg *Config, ve *ValidationError) {
	if cfg.Buffer.MaxBytes <= 0 {
		ve.Add("buffer.max_bytes must be > 0")
	}
	if cfg.Buffer.MaxLines <= 0 {
		ve.Add("buffer.max_lines must be > 0")
	}
}

func validateHistory(cfg *Config, ve *ValidationError) {
	if cfg.History.Enabled && cfg.History.Path == "" {
		ve.Add("history.path is required when history is enabled")
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "" && !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{
	"stdout": true, "noop": true, "": true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
