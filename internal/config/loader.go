package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the live providers shipped with livesight.
// [Validate] warns about names outside this list.
var ValidProviderNames = []string{"gemini", "genai", "openai"}

// ValidBackends lists the device backends.
var ValidBackends = []string{"ffmpeg", "portaudio"}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} references with environment values. Unset
// variables expand to the empty string. Bare $NAME is left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV} references,
// applies defaults and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	*cfg = cfg.WithDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Provider.Name != "" && !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" && cfg.Provider.Option("project") == "" {
		slog.Warn("provider.api_key is empty; set it or export GEMINI_API_KEY / API_KEY")
	}

	if q := cfg.Capture.JPEGQuality; q < 0 || q > 100 {
		errs = append(errs, fmt.Errorf("capture.jpeg_quality %d is out of range [1, 100]", q))
	}
	if cfg.Capture.FrameInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_interval %s must be positive", cfg.Capture.FrameInterval))
	}
	if cfg.Capture.MaxDimension < -1 {
		errs = append(errs, fmt.Errorf("capture.max_dimension %d is invalid; use -1 for native size", cfg.Capture.MaxDimension))
	}

	if b := cfg.Devices.Backend; b != "" && !slices.Contains(ValidBackends, b) {
		errs = append(errs, fmt.Errorf("devices.backend %q is invalid; valid values: ffmpeg, portaudio", b))
	}
	if cfg.Devices.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("devices.playback_rate %d must be positive", cfg.Devices.PlaybackRate))
	}
	if ch := cfg.Devices.PlaybackChannels; ch < 0 || ch > 2 {
		errs = append(errs, fmt.Errorf("devices.playback_channels %d is out of range [1, 2]", ch))
	}
	if cfg.Devices.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("devices.capture_rate %d must be positive", cfg.Devices.CaptureRate))
	}

	if cfg.Sink.DeliverTimeout < 0 {
		errs = append(errs, fmt.Errorf("sink.deliver_timeout %s must be positive", cfg.Sink.DeliverTimeout))
	}

	return errors.Join(errs...)
}
