package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
	"avatar":   {"loopback"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("realtime", cfg.Realtime.Name)
	validateProviderName("avatar", cfg.Avatar.Name)

	// Realtime availability warnings
	if cfg.Realtime.Name == "" {
		slog.Warn("realtime.name is empty; consoles will have no model to talk to")
	}
	if cfg.Realtime.Name == "openai" && cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; the provider will reject connections unless credentials come from elsewhere")
	}

	// Turn detection
	td := cfg.Realtime.TurnDetection
	if td.Mode != "" && !td.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.mode %q is invalid; valid values: server_vad, none", td.Mode))
	}
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPaddingMS < 0 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.prefix_padding_ms %d is negative", td.PrefixPaddingMS))
	}
	if td.SilenceDurationMS < 0 {
		errs = append(errs, fmt.Errorf("realtime.turn_detection.silence_duration_ms %d is negative", td.SilenceDurationMS))
	}

	// Avatar
	if cfg.Avatar.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("avatar.sample_rate %d is negative", cfg.Avatar.SampleRate))
	}
	if cfg.Avatar.SampleRate > 0 && cfg.Avatar.SampleRate < 8000 {
		slog.Warn("avatar.sample_rate is unusually low for speech", "sample_rate", cfg.Avatar.SampleRate)
	}

	// Pipeline
	if cfg.Pipeline.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_frames %d is negative", cfg.Pipeline.MaxFrames))
	}
	if cfg.Pipeline.MaxAge != "" {
		if d, err := time.ParseDuration(cfg.Pipeline.MaxAge); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.max_age %q is not a valid duration: %w", cfg.Pipeline.MaxAge, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.max_age %q must be positive", cfg.Pipeline.MaxAge))
		}
	}

	// Clips
	if cfg.Clips.MaxClips < 0 {
		errs = append(errs, fmt.Errorf("clips.max_clips %d is negative", cfg.Clips.MaxClips))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
