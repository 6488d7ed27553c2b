// Package device provides thin adapters over microphone, screen-share and
// speaker acquisition.
//
// Each device is opened on demand and returns a stream handle whose Close
// releases the underlying OS resource exactly once. Acquisition failures are
// reported as [ErrPermission] when the OS denied access and [ErrUnavailable]
// when no usable device or backend exists.
//
// Two backends are available: ffmpeg (the default, driving ffmpeg/ffplay
// subprocesses) and portaudio (microphone and speaker only, compiled in with
// the "portaudio" build tag). Screen capture always uses ffmpeg.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/vision"
)

// WindowSize is the number of samples in every microphone frame.
const WindowSize = 4096

var (
	// ErrPermission reports that the OS or user denied access to a device.
	ErrPermission = errors.New("device: permission denied")

	// ErrUnavailable reports that no usable device or backend exists.
	ErrUnavailable = errors.New("device: unavailable")
)

// IsDeviceError reports whether err is one of the acquisition sentinels.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrPermission) || errors.Is(err, ErrUnavailable)
}

// AudioStream is an open microphone.
type AudioStream interface {
	// Frames delivers fixed windows of [WindowSize] mono samples normalized
	// to [-1, 1], in capture order. The channel is closed when the stream
	// ends or is closed.
	Frames() <-chan []float32

	// SampleRate is the capture rate of the delivered samples.
	SampleRate() int

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Microphone acquires an [AudioStream].
type Microphone interface {
	Open(ctx context.Context) (AudioStream, error)
}

// VideoStream is an open screen-share track.
type VideoStream interface {
	vision.VideoSource

	// Ended is closed when the track stops on its own, for example because
	// the user stopped sharing from the OS.
	Ended() <-chan struct{}

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Display acquires a [VideoStream].
type Display interface {
	Open(ctx context.Context) (VideoStream, error)
}

// Speaker opens a sink for interleaved little-endian int16 PCM in format.
type Speaker interface {
	Open(ctx context.Context, format audio.Format) (io.WriteCloser, error)
}

// Backend names accepted by [Config.Backend].
const (
	BackendFFmpeg    = "ffmpeg"
	BackendPortAudio = "portaudio"
)

// Config selects and parameterizes device backends.
type Config struct {
	// Backend is [BackendFFmpeg] (default) or [BackendPortAudio].
	Backend string

	// MicInput is the ffmpeg input format for the microphone (pulse, alsa,
	// avfoundation, dshow). Empty selects a default for the OS.
	MicInput string

	// MicDevice is the ffmpeg input device name. Empty selects a default for
	// the OS.
	MicDevice string

	// CaptureRate is the microphone capture rate. Zero uses 16 kHz.
	CaptureRate int

	// DisplayInput is the ffmpeg grab format (x11grab, avfoundation,
	// gdigrab). Empty selects a default for the OS.
	DisplayInput string

	// DisplayDevice is the ffmpeg grab source. Empty selects a default for
	// the OS.
	DisplayDevice string

	// DisplayWidth and DisplayHeight are the grab size. Zero uses 1920x1080.
	DisplayWidth  int
	DisplayHeight int

	// DisplayFPS is the rate at which ffmpeg decodes the display. It only
	// needs to exceed the sampler rate. Zero uses 2.
	DisplayFPS int
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendFFmpeg
	}
	if c.CaptureRate <= 0 {
		c.CaptureRate = audio.OutboundSampleRate
	}
	if c.DisplayWidth <= 0 || c.DisplayHeight <= 0 {
		c.DisplayWidth, c.DisplayHeight = 1920, 1080
	}
	if c.DisplayFPS <= 0 {
		c.DisplayFPS = 2
	}
	switch runtime.GOOS {
	case "darwin":
		c.MicInput = or(c.MicInput, "avfoundation")
		c.MicDevice = or(c.MicDevice, ":0")
		c.DisplayInput = or(c.DisplayInput, "avfoundation")
		c.DisplayDevice = or(c.DisplayDevice, "1:none")
	case "windows":
		c.MicInput = or(c.MicInput, "dshow")
		c.MicDevice = or(c.MicDevice, "audio=default")
		c.DisplayInput = or(c.DisplayInput, "gdigrab")
		c.DisplayDevice = or(c.DisplayDevice, "desktop")
	default:
		c.MicInput = or(c.MicInput, "pulse")
		c.MicDevice = or(c.MicDevice, "default")
		c.DisplayInput = or(c.DisplayInput, "x11grab")
		c.DisplayDevice = or(c.DisplayDevice, ":0.0")
	}
	return c
}

// Set is the trio of devices a session uses.
type Set struct {
	Microphone Microphone
	Display    Display
	Speaker    Speaker
}

// New builds the device set for cfg.
func New(cfg Config) (Set, error) {
	cfg = cfg.withDefaults()
	display := &FFmpegDisplay{cfg: cfg}

	switch cfg.Backend {
	case BackendFFmpeg:
		return Set{
			Microphone: &FFmpegMicrophone{cfg: cfg},
			Display:    display,
			Speaker:    &FFplaySpeaker{},
		}, nil
	case BackendPortAudio:
		mic, spk, err := newPortAudio(cfg)
		if err != nil {
			return Set{}, err
		}
		return Set{Microphone: mic, Display: display, Speaker: spk}, nil
	default:
		return Set{}, fmt.Errorf("device: unknown backend %q", cfg.Backend)
	}
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
