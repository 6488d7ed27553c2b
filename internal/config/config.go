// Package config provides the configuration schema, loader and live
// provider registry for livesight.
package config

import "time"

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

// Defaults applied by [Config.WithDefaults].
const (
	DefaultProvider      = "gemini"
	DefaultFrameInterval = time.Second
	DefaultJPEGQuality   = 50
	DefaultMaxDimension  = 1280
	DefaultPlaybackRate  = 48000
	DefaultChannels      = 2
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Provider  ProviderEntry   `yaml:"provider"`
	Assistant AssistantConfig `yaml:"assistant"`
	Capture   CaptureConfig   `yaml:"capture"`
	Devices   DevicesConfig   `yaml:"devices"`
	Sink      SinkConfig      `yaml:"sink"`
}

// ServerConfig holds the HTTP surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the HTTP server serving /ws, /metrics and
	// the health probes (e.g. "127.0.0.1:8080"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists browser origins accepted by /ws in addition to
	// same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProviderEntry selects the live endpoint. Name is looked up in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("gemini", "genai", "openai").
	Name string `yaml:"name"`

	// APIKey authenticates with the endpoint. Supports ${ENV} references.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above, such as
	// "project" and "location" for Vertex AI.
	Options map[string]any `yaml:"options"`
}

// AssistantConfig selects the persona.
type AssistantConfig struct {
	// Name of the assistant (e.g. "AI-1"). Selects the default voice.
	Name string `yaml:"name"`

	// Voice overrides the prebuilt voice.
	Voice string `yaml:"voice"`

	// Instructions overrides the templated persona.
	Instructions string `yaml:"instructions"`
}

// CaptureConfig tunes what is streamed to the endpoint.
type CaptureConfig struct {
	// FrameInterval is the screen sampling period. Hot-reloadable.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// JPEGQuality is the frame quality in [1, 100]. Hot-reloadable.
	JPEGQuality int `yaml:"jpeg_quality"`

	// MaxDimension bounds the longest frame edge. -1 keeps native size.
	MaxDimension int `yaml:"max_dimension"`

	// StartMuted starts the session with the microphone muted.
	StartMuted bool `yaml:"start_muted"`

	// ShareScreen starts screen sharing as soon as the session opens.
	ShareScreen bool `yaml:"share_screen"`
}

// DevicesConfig selects capture and playback backends.
type DevicesConfig struct {
	// Backend is "ffmpeg" (default) or "portaudio".
	Backend string `yaml:"backend"`

	MicInput      string `yaml:"mic_input"`
	MicDevice     string `yaml:"mic_device"`
	CaptureRate   int    `yaml:"capture_rate"`
	DisplayInput  string `yaml:"display_input"`
	DisplayDevice string `yaml:"display_device"`
	DisplayWidth  int    `yaml:"display_width"`
	DisplayHeight int    `yaml:"display_height"`
	DisplayFPS    int    `yaml:"display_fps"`

	// DisableDisplay turns screen sharing off entirely.
	DisableDisplay bool `yaml:"disable_display"`

	// PlaybackRate and PlaybackChannels describe the speaker format.
	PlaybackRate     int `yaml:"playback_rate"`
	PlaybackChannels int `yaml:"playback_channels"`
}

// SinkConfig lists where finalized messages are delivered. The log sink is
// always active.
type SinkConfig struct {
	// JSONLPath appends messages to a JSON-lines file when set.
	JSONLPath string `yaml:"jsonl_path"`

	// PostgresDSN stores messages in PostgreSQL when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	// DeliverTimeout bounds a single delivery to one sink.
	DeliverTimeout time.Duration `yaml:"deliver_timeout"`
}

// WithDefaults returns a copy of c with unset fields filled in.
func (c Config) WithDefaults() Config {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Provider.Name == "" {
		c.Provider.Name = DefaultProvider
	}
	if c.Capture.FrameInterval == 0 {
		c.Capture.FrameInterval = DefaultFrameInterval
	}
	if c.Capture.JPEGQuality == 0 {
		c.Capture.JPEGQuality = DefaultJPEGQuality
	}
	if c.Capture.MaxDimension == 0 {
		c.Capture.MaxDimension = DefaultMaxDimension
	}
	if c.Devices.PlaybackRate == 0 {
		c.Devices.PlaybackRate = DefaultPlaybackRate
	}
	if c.Devices.PlaybackChannels == 0 {
		c.Devices.PlaybackChannels = DefaultChannels
	}
	return c
}

// Option returns the string value of a provider option, or "".
func (p ProviderEntry) Option(key string) string {
	v, ok := p.Options[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
