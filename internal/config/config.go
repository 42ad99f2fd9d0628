// Package config provides the configuration schema, loader, and provider
// registry for the Parlance console gateway.
package config

import (
	"log/slog"
	"time"

	"github.com/parlancehq/parlance/pkg/realtime"
)

// LogLevel controls log verbosity for the Parlance server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding [slog.Level]. Unknown or empty values map
// to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for Parlance.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Avatar   AvatarConfig   `yaml:"avatar"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Clips    ClipsConfig    `yaml:"clips"`
}

// ServerConfig holds network and logging settings for the Parlance server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists the Origin values allowed to open console
	// WebSockets, as full origins ("https://console.example.com") or bare
	// hosts. Empty means same-origin only; a "*" entry allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RealtimeConfig selects and configures the speech-to-speech model backend.
// Name selects a client implementation registered in the [Registry]; the
// remaining fields shape the sessions opened for each console.
type RealtimeConfig struct {
	// Name selects the registered realtime client (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider
	// (e.g., "gpt-4o-realtime-preview").
	Model string `yaml:"model"`

	// Voice selects the assistant voice (e.g., "alloy").
	Voice string `yaml:"voice"`

	// Instructions is the system prompt injected into every session.
	Instructions string `yaml:"instructions"`

	// Transcription enables server-side transcription of user speech.
	Transcription bool `yaml:"transcription"`

	// TurnDetection configures who detects the end of a user turn.
	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// TurnDetectionConfig tunes turn taking for new sessions.
type TurnDetectionConfig struct {
	// Mode is "server_vad" or "none". Empty defaults to server_vad.
	Mode realtime.TurnDetectionMode `yaml:"mode"`

	// Threshold is the VAD activation threshold in [0, 1]. Zero keeps the
	// provider default.
	Threshold float64 `yaml:"threshold"`

	// PrefixPaddingMS is the audio to include before detected speech.
	PrefixPaddingMS int `yaml:"prefix_padding_ms"`

	// SilenceDurationMS is the silence that ends a turn.
	SilenceDurationMS int `yaml:"silence_duration_ms"`
}

// EffectiveMode resolves the configured mode, defaulting to server VAD.
func (t TurnDetectionConfig) EffectiveMode() realtime.TurnDetectionMode {
	if t.Mode == "" {
		return realtime.TurnDetectionServerVAD
	}
	return t.Mode
}

// SessionConfig translates the realtime section into the session
// configuration passed to [realtime.Client.Connect].
func (c RealtimeConfig) SessionConfig() realtime.SessionConfig {
	cfg := realtime.SessionConfig{
		Model:         c.Model,
		Voice:         c.Voice,
		Instructions:  c.Instructions,
		Transcription: c.Transcription,
	}
	if c.TurnDetection.EffectiveMode() == realtime.TurnDetectionServerVAD {
		cfg.TurnDetection = &realtime.TurnDetection{
			Mode:              realtime.TurnDetectionServerVAD,
			Threshold:         c.TurnDetection.Threshold,
			PrefixPaddingMS:   c.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: c.TurnDetection.SilenceDurationMS,
		}
	}
	return cfg
}

// AvatarConfig selects and configures the avatar vendor consoles stream
// resampled assistant audio to.
type AvatarConfig struct {
	// Name selects the registered avatar peer (e.g., "loopback").
	Name string `yaml:"name"`

	// SampleRate is the rate in Hz the avatar consumes PCM16 audio at.
	// Zero keeps the transport default of 16000.
	SampleRate int `yaml:"sample_rate"`

	// Options holds vendor-specific configuration values.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig bounds the per-console audio delta buffer.
type PipelineConfig struct {
	// MaxFrames caps how many undelivered avatar frames may queue while the
	// avatar channel is still opening. Zero keeps the pipeline default.
	MaxFrames int `yaml:"max_frames"`

	// MaxAge caps how long an undelivered frame may wait before it is shed,
	// in Go duration syntax (e.g., "30s"). Empty keeps the pipeline default.
	MaxAge string `yaml:"max_age"`
}

// MaxAgeDuration returns the parsed frame age cap, or def when unset or
// unparseable. [Validate] reports unparseable values as errors.
func (p PipelineConfig) MaxAgeDuration(def time.Duration) time.Duration {
	if p.MaxAge == "" {
		return def
	}
	d, err := time.ParseDuration(p.MaxAge)
	if err != nil {
		return def
	}
	return d
}

// ClipsConfig bounds the in-memory store of assistant playback clips.
type ClipsConfig struct {
	// MaxClips caps how many WAV clips are retained; the oldest are evicted
	// first. Zero keeps the store default.
	MaxClips int `yaml:"max_clips"`
}
