// Package mock provides in-memory implementations of the device interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on open and close counts, and expose exported fields to control
// return values.
//
// Typical usage:
//
//	stream := mock.NewAudioStream(16000)
//	mic := &mock.Microphone{Stream: stream}
//	// ... run the session ...
//	stream.Push(make([]float32, 4096))
package mock

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync"

	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/audio/device"
	"github.com/MrWong99/livesight/pkg/vision"
)

// Compile-time interface assertions.
var (
	_ device.Microphone  = (*Microphone)(nil)
	_ device.AudioStream = (*AudioStream)(nil)
	_ device.Display     = (*Display)(nil)
	_ device.VideoStream = (*VideoStream)(nil)
	_ device.Speaker     = (*Speaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock [device.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open when Err is nil.
	Stream *AudioStream

	// Err is returned by Open when set.
	Err error

	// Gate, when non-nil, holds Open until it is closed. The context is
	// ignored so tests can finish an acquisition after the caller gave up.
	Gate chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [device.Microphone].
func (m *Microphone) Open(_ context.Context) (device.AudioStream, error) {
	if m.Gate != nil {
		<-m.Gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOpen++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Stream, nil
}

// Opens returns CallCountOpen under the lock.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountOpen
}

// AudioStream is a mock [device.AudioStream] fed by [AudioStream.Push].
type AudioStream struct {
	rate   int
	frames chan []float32

	mu         sync.Mutex
	closed     bool
	closeCalls int
}

// NewAudioStream returns a stream reporting rate with room for 64 buffered
// frames.
func NewAudioStream(rate int) *AudioStream {
	return &AudioStream{rate: rate, frames: make(chan []float32, 64)}
}

// Push delivers one captured window. Push after Close is a no-op.
func (s *AudioStream) Push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- samples
}

// Frames implements [device.AudioStream].
func (s *AudioStream) Frames() <-chan []float32 { return s.frames }

// SampleRate implements [device.AudioStream].
func (s *AudioStream) SampleRate() int { return s.rate }

// Close implements [device.AudioStream]. The frames channel is closed on the
// first call only.
func (s *AudioStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *AudioStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether Close has been called.
func (s *AudioStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Display ──────────────────────────────────────────────────────────────────

// Display is a mock [device.Display].
type Display struct {
	mu sync.Mutex

	// Stream is returned by Open when Err is nil.
	Stream *VideoStream

	// Err is returned by Open when set.
	Err error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [device.Display].
func (d *Display) Open(_ context.Context) (device.VideoStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.Err != nil {
		return nil, d.Err
	}
	return d.Stream, nil
}

// VideoStream is a mock [device.VideoStream] that always returns Image.
type VideoStream struct {
	// Image is returned by Snapshot. A nil Image yields [vision.ErrNotReady].
	Image image.Image

	ended     chan struct{}
	endOnce   sync.Once
	mu        sync.Mutex
	closeCall int
}

// NewVideoStream returns a stream that snapshots img.
func NewVideoStream(img image.Image) *VideoStream {
	return &VideoStream{Image: img, ended: make(chan struct{})}
}

// Snapshot implements [vision.VideoSource].
func (v *VideoStream) Snapshot() (image.Image, error) {
	if v.Image == nil {
		return nil, vision.ErrNotReady
	}
	return v.Image, nil
}

// Ended implements [device.VideoStream].
func (v *VideoStream) Ended() <-chan struct{} { return v.ended }

// End simulates the user stopping the share from the OS.
func (v *VideoStream) End() {
	v.endOnce.Do(func() { close(v.ended) })
}

// Close implements [device.VideoStream].
func (v *VideoStream) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeCall++
	return nil
}

// CloseCalls returns how many times Close was called.
func (v *VideoStream) CloseCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeCall
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [device.Speaker] whose writer records everything written.
type Speaker struct {
	mu sync.Mutex

	// Err is returned by Open when set.
	Err error

	// Format is the format passed to the last Open.
	Format audio.Format

	writer *Writer
}

// Open implements [device.Speaker].
func (s *Speaker) Open(_ context.Context, format audio.Format) (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.Format = format
	s.writer = &Writer{}
	return s.writer, nil
}

// Writer returns the writer handed out by the last Open, or nil.
func (s *Speaker) Writer() *Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer
}

// Writer records written PCM.
type Writer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	closeCalls int
}

// Write implements [io.Writer].
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeCalls > 0 {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

// Close implements [io.Closer].
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCalls++
	return nil
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

// CloseCalls returns how many times Close was called.
func (w *Writer) CloseCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCalls
}
