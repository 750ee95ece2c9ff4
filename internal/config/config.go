// Package config provides the configuration schema and loader for the
// voicekit client.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
)

// LogLevel controls log verbosity.
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

// Slog maps l to the corresponding slog level. Unset maps to info.
func (l LogLevel) Slog() slog.Level {
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

// Config is the root configuration structure for voicekit.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Audio    AudioConfig    `yaml:"audio"`
	Server   ServerConfig   `yaml:"server"`
	VoiceLog VoiceLogConfig `yaml:"voice_log"`
}

// BridgeConfig addresses the remote voice bridge.
type BridgeConfig struct {
	// URL is the websocket base of the bridge (e.g., "wss://lms.example/api/voice/ws").
	URL string `yaml:"url"`

	// Token is the per-user credential appended to the connection target.
	Token string `yaml:"token"`
}

// AudioConfig holds sample-rate and playback settings.
type AudioConfig struct {
	// TransportRate is the fixed sample rate of audio on the wire in Hz.
	TransportRate int `yaml:"transport_rate"`

	// CaptureRate is the microphone's native rate in Hz. Zero means capture
	// directly at the transport rate.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the learner's narration speed preference
	// (1.0 = natural). Read once at startup.
	PlaybackRate float64 `yaml:"playback_rate"`
}

// ServerConfig holds the local observability endpoint and logging settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address serving /metrics and the health
	// endpoints (e.g., ":9091"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// VoiceLogConfig configures optional conversation persistence.
type VoiceLogConfig struct {
	// PostgresDSN is the connection string of the transcript store. Empty
	// disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// applyDefaults fills unset fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Audio.TransportRate == 0 {
		cfg.Audio.TransportRate = 24000
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = cfg.Audio.TransportRate
	}
	if cfg.Audio.PlaybackRate == 0 {
		cfg.Audio.PlaybackRate = 1.0
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Bridge.URL == "" {
		errs = append(errs, errors.New("bridge.url is required"))
	} else if u, err := url.Parse(cfg.Bridge.URL); err != nil {
		errs = append(errs, fmt.Errorf("bridge.url is not a valid URL: %v", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("bridge.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Bridge.Token == "" {
		errs = append(errs, errors.New("bridge.token is required"))
	}

	if cfg.Audio.TransportRate < 8000 || cfg.Audio.TransportRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.transport_rate %d is out of range [8000, 48000]", cfg.Audio.TransportRate))
	}
	if cfg.Audio.CaptureRate < 8000 || cfg.Audio.CaptureRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is out of range [8000, 192000]", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0.5 || cfg.Audio.PlaybackRate > 2.0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %.2f is out of range [0.5, 2.0]", cfg.Audio.PlaybackRate))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.VoiceLog.PostgresDSN == "" {
		slog.Warn("voice_log.postgres_dsn is empty; conversation transcripts will not be persisted")
	}

	return errors.Join(errs...)
}
