package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/vision"
)

// Compile-time interface assertions.
var (
	_ Microphone = (*FFmpegMicrophone)(nil)
	_ Display    = (*FFmpegDisplay)(nil)
	_ Speaker    = (*FFplaySpeaker)(nil)
)

// ── Subprocess plumbing ──────────────────────────────────────────────────────

// stderrTail keeps the last few KiB of a subprocess's stderr for error
// classification.
type stderrTail struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const stderrTailSize = 4 << 10

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - stderrTailSize; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// process is a running ffmpeg/ffplay child. stop kills and reaps it once.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stdin  io.WriteCloser
	stderr *stderrTail

	once sync.Once
}

func startProcess(name string, args []string, wantStdin bool) (*process, error) {
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, name)
	}
	p := &process{cmd: exec.Command(bin, args...), stderr: &stderrTail{}}
	p.cmd.Stderr = p.stderr
	if wantStdin {
		if p.stdin, err = p.cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("device: %s stdin: %w", name, err)
		}
		p.cmd.Stdout = io.Discard
	} else {
		if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("device: %s stdout: %w", name, err)
		}
	}
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnavailable, name, err)
	}
	return p, nil
}

func (p *process) stop() {
	p.once.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
}

// readFirst reads len(buf) bytes from the process, giving up when ctx is
// done. On failure the process is stopped and the error is classified from
// its stderr.
func (p *process) readFirst(ctx context.Context, what string, buf []byte) error {
	errc := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(p.stdout, buf)
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil {
			p.stop()
			return classify(what, p.stderr.String(), err)
		}
		return nil
	case <-ctx.Done():
		p.stop()
		return fmt.Errorf("device: open %s: %w", what, ctx.Err())
	}
}

var permissionMarkers = []string{
	"permission denied",
	"not authorized",
	"not permitted",
	"access denied",
	"cannot open display",
}

// classify maps a failed capture subprocess to [ErrPermission] or
// [ErrUnavailable] based on what it printed.
func classify(what, stderr string, err error) error {
	detail := lastLine(stderr)
	if detail == "" {
		detail = err.Error()
	}
	lower := strings.ToLower(stderr)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %s: %s", ErrPermission, what, detail)
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrUnavailable, what, detail)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// ── Microphone ───────────────────────────────────────────────────────────────

// FFmpegMicrophone captures mono float32 audio through ffmpeg.
type FFmpegMicrophone struct {
	cfg Config
}

// NewFFmpegMicrophone returns a microphone configured by cfg.
func NewFFmpegMicrophone(cfg Config) *FFmpegMicrophone {
	return &FFmpegMicrophone{cfg: cfg.withDefaults()}
}

func (m *FFmpegMicrophone) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", m.cfg.MicInput, "-i", m.cfg.MicDevice,
		"-ac", "1", "-ar", strconv.Itoa(m.cfg.CaptureRate),
		"-f", "f32le", "-",
	}
}

// Open starts capture and blocks until the first window arrives, so that a
// denied or missing device is reported here rather than as an empty stream.
func (m *FFmpegMicrophone) Open(ctx context.Context) (AudioStream, error) {
	p, err := startProcess("ffmpeg", m.args(), false)
	if err != nil {
		return nil, err
	}
	first := make([]byte, WindowSize*4)
	if err := p.readFirst(ctx, "microphone", first); err != nil {
		return nil, err
	}

	s := &ffmpegAudioStream{
		proc:   p,
		rate:   m.cfg.CaptureRate,
		frames: make(chan []float32, 8),
		done:   make(chan struct{}),
	}
	go s.readLoop(first)
	return s, nil
}

type ffmpegAudioStream struct {
	proc   *process
	rate   int
	frames chan []float32
	done   chan struct{}
	once   sync.Once
}

func (s *ffmpegAudioStream) Frames() <-chan []float32 { return s.frames }
func (s *ffmpegAudioStream) SampleRate() int          { return s.rate }

func (s *ffmpegAudioStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.proc.stop()
	})
	return nil
}

func (s *ffmpegAudioStream) readLoop(first []byte) {
	defer close(s.frames)

	buf := first
	for {
		select {
		case s.frames <- decodeF32(buf):
		case <-s.done:
			return
		}
		buf = make([]byte, WindowSize*4)
		if _, err := io.ReadFull(s.proc.stdout, buf); err != nil {
			return
		}
	}
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// ── Display ──────────────────────────────────────────────────────────────────

// FFmpegDisplay grabs the screen as raw RGBA frames through ffmpeg.
type FFmpegDisplay struct {
	cfg Config
}

// NewFFmpegDisplay returns a display configured by cfg.
func NewFFmpegDisplay(cfg Config) *FFmpegDisplay {
	return &FFmpegDisplay{cfg: cfg.withDefaults()}
}

func (d *FFmpegDisplay) args() []string {
	size := fmt.Sprintf("%dx%d", d.cfg.DisplayWidth, d.cfg.DisplayHeight)
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", d.cfg.DisplayInput,
		"-framerate", strconv.Itoa(d.cfg.DisplayFPS),
		"-video_size", size,
		"-i", d.cfg.DisplayDevice,
		"-vf", "scale=" + strings.Replace(size, "x", ":", 1),
		"-f", "rawvideo", "-pix_fmt", "rgba", "-",
	}
}

// Open starts the grab and blocks until the first frame is decoded.
func (d *FFmpegDisplay) Open(ctx context.Context) (VideoStream, error) {
	p, err := startProcess("ffmpeg", d.args(), false)
	if err != nil {
		return nil, err
	}
	w, h := d.cfg.DisplayWidth, d.cfg.DisplayHeight
	first := image.NewRGBA(image.Rect(0, 0, w, h))
	if err := p.readFirst(ctx, "display capture", first.Pix); err != nil {
		return nil, err
	}

	s := &ffmpegVideoStream{
		proc:  p,
		w:     w,
		h:     h,
		ended: make(chan struct{}),
	}
	s.latest.Store(first)
	go s.readLoop()
	return s, nil
}

type ffmpegVideoStream struct {
	proc   *process
	w, h   int
	latest atomic.Pointer[image.RGBA]
	ended  chan struct{}
	once   sync.Once
}

func (s *ffmpegVideoStream) Snapshot() (image.Image, error) {
	img := s.latest.Load()
	if img == nil {
		return nil, vision.ErrNotReady
	}
	return img, nil
}

func (s *ffmpegVideoStream) Ended() <-chan struct{} { return s.ended }

func (s *ffmpegVideoStream) Close() error {
	s.once.Do(s.proc.stop)
	return nil
}

func (s *ffmpegVideoStream) readLoop() {
	defer close(s.ended)
	for {
		img := image.NewRGBA(image.Rect(0, 0, s.w, s.h))
		if _, err := io.ReadFull(s.proc.stdout, img.Pix); err != nil {
			return
		}
		s.latest.Store(img)
	}
}

// ── Speaker ──────────────────────────────────────────────────────────────────

// FFplaySpeaker plays int16 PCM through an ffplay subprocess.
type FFplaySpeaker struct{}

// Open starts ffplay reading PCM in format from its stdin.
func (FFplaySpeaker) Open(_ context.Context, format audio.Format) (io.WriteCloser, error) {
	args := []string{
		"-nodisp", "-autoexit", "-loglevel", "error",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
	}
	p, err := startProcess("ffplay", args, true)
	if err != nil {
		return nil, err
	}
	return &ffplayWriter{proc: p}, nil
}

type ffplayWriter struct {
	proc   *process
	closed atomic.Bool
}

func (w *ffplayWriter) Write(b []byte) (int, error) {
	if w.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	n, err := w.proc.stdin.Write(b)
	if err != nil {
		return n, classify("speaker", w.proc.stderr.String(), err)
	}
	return n, nil
}

func (w *ffplayWriter) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.proc.stop()
	return nil
}
