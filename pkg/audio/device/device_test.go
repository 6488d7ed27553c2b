package device

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/livesight/pkg/audio"
)

// fakeBinary installs an executable shell script named name on PATH.
func fakeBinary(t *testing.T, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
	t.Setenv("PATH", dir)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"pulse denied", "[pulse @ 0x1] pa_context_connect() failed: Permission denied", ErrPermission},
		{"macOS tcc", "[avfoundation @ 0x2] Failed to create AV capture input device: Not authorized", ErrPermission},
		{"x11", "[x11grab @ 0x3] Cannot open display :0.0, error 1.", ErrPermission},
		{"no device", "default: No such file or directory", ErrUnavailable},
		{"silent", "", ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("microphone", tt.stderr, io.ErrUnexpectedEOF)
			if !errors.Is(err, tt.want) {
				t.Errorf("classify() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Backend != BackendFFmpeg {
		t.Errorf("Backend = %q, want ffmpeg", cfg.Backend)
	}
	if cfg.CaptureRate != audio.OutboundSampleRate {
		t.Errorf("CaptureRate = %d, want %d", cfg.CaptureRate, audio.OutboundSampleRate)
	}
	if cfg.MicInput == "" || cfg.MicDevice == "" || cfg.DisplayInput == "" || cfg.DisplayDevice == "" {
		t.Errorf("OS defaults not applied: %+v", cfg)
	}

	custom := Config{MicInput: "alsa", MicDevice: "hw:1"}.withDefaults()
	if custom.MicInput != "alsa" || custom.MicDevice != "hw:1" {
		t.Errorf("explicit values overridden: %+v", custom)
	}
}

func TestMicrophoneArgs(t *testing.T) {
	m := NewFFmpegMicrophone(Config{MicInput: "alsa", MicDevice: "hw:0", CaptureRate: 16000})
	args := m.args()
	for _, want := range [][]string{{"-f", "alsa"}, {"-i", "hw:0"}, {"-ar", "16000"}, {"-f", "f32le"}} {
		if !containsPair(args, want[0], want[1]) {
			t.Errorf("args %v missing %s %s", args, want[0], want[1])
		}
	}
}

func containsPair(args []string, k, v string) bool {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == k && args[i+1] == v {
			return true
		}
	}
	return false
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "wasapi"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestMicrophone_MissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := NewFFmpegMicrophone(Config{}).Open(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Open err = %v, want ErrUnavailable", err)
	}
}

func TestMicrophone_PermissionDenied(t *testing.T) {
	fakeBinary(t, "ffmpeg", `echo "[pulse] Permission denied" >&2; exit 1`)
	_, err := NewFFmpegMicrophone(Config{}).Open(context.Background())
	if !errors.Is(err, ErrPermission) {
		t.Errorf("Open err = %v, want ErrPermission", err)
	}
}

func TestMicrophone_DeliversWindows(t *testing.T) {
	// Two windows of silence, then block until killed.
	fakeBinary(t, "ffmpeg", `/bin/dd if=/dev/zero bs=16384 count=2 2>/dev/null; exec /bin/sleep 60`)
	stream, err := NewFFmpegMicrophone(Config{CaptureRate: 16000}).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := range 2 {
		select {
		case w := <-stream.Frames():
			if len(w) != WindowSize {
				t.Errorf("window %d has %d samples, want %d", i, len(w), WindowSize)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("window %d not delivered", i)
		}
	}
	if stream.SampleRate() != 16000 {
		t.Errorf("SampleRate() = %d", stream.SampleRate())
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case _, ok := <-stream.Frames():
		if ok {
			// One buffered window may remain; the channel must close after.
			<-stream.Frames()
		}
	case <-time.After(5 * time.Second):
		t.Fatal("frames channel not closed after Close")
	}
}

func TestDisplay_EndedWhenProcessExits(t *testing.T) {
	// One 2x2 RGBA frame, then exit as if the user stopped sharing.
	fakeBinary(t, "ffmpeg", `/bin/dd if=/dev/zero bs=16 count=1 2>/dev/null`)
	d := NewFFmpegDisplay(Config{DisplayWidth: 2, DisplayHeight: 2})
	stream, err := d.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	img, err := stream.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Errorf("snapshot size = %v, want 2x2", b)
	}

	select {
	case <-stream.Ended():
	case <-time.After(5 * time.Second):
		t.Fatal("Ended not closed after the grab exited")
	}
}

func TestDisplayArgs(t *testing.T) {
	d := NewFFmpegDisplay(Config{DisplayInput: "x11grab", DisplayDevice: ":1", DisplayWidth: 1280, DisplayHeight: 800})
	args := d.args()
	if !containsPair(args, "-video_size", "1280x800") || !containsPair(args, "-i", ":1") {
		t.Errorf("unexpected args %v", args)
	}
	if !slices.Contains(args, "rgba") {
		t.Errorf("args %v do not request rgba", args)
	}
}
