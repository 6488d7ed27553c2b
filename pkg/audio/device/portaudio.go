//go:build portaudio

package device

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livesight/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Microphone = (*PortAudioMicrophone)(nil)
	_ Speaker    = (*PortAudioSpeaker)(nil)
)

// speakerFramesPerBuffer is 40 ms at 24 kHz.
const speakerFramesPerBuffer = 960

func newPortAudio(cfg Config) (Microphone, Speaker, error) {
	return &PortAudioMicrophone{rate: cfg.CaptureRate}, &PortAudioSpeaker{}, nil
}

// PortAudioMicrophone captures from the default input device.
type PortAudioMicrophone struct {
	rate int
}

// Open initializes PortAudio and starts the default input stream. Each Open
// holds its own PortAudio reference, released by Close.
func (m *PortAudioMicrophone) Open(_ context.Context) (AudioStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %v", ErrUnavailable, err)
	}
	in := make([]float32, WindowSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.rate), WindowSize, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrPermission, err)
	}

	s := &paAudioStream{
		stream: stream,
		in:     in,
		rate:   m.rate,
		frames: make(chan []float32, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type paAudioStream struct {
	stream *portaudio.Stream
	in     []float32
	rate   int
	frames chan []float32
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func (s *paAudioStream) Frames() <-chan []float32 { return s.frames }
func (s *paAudioStream) SampleRate() int          { return s.rate }

func (s *paAudioStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// The read loop owns the stream until it exits.
		<-s.exited
		_ = s.stream.Stop()
		_ = s.stream.Close()
		_ = portaudio.Terminate()
	})
	return nil
}

func (s *paAudioStream) readLoop() {
	defer close(s.exited)
	defer close(s.frames)
	for {
		if err := s.stream.Read(); err != nil {
			return
		}
		window := make([]float32, len(s.in))
		copy(window, s.in)
		select {
		case s.frames <- window:
		case <-s.done:
			return
		}
	}
}

// PortAudioSpeaker plays through the default output device.
type PortAudioSpeaker struct{}

// Open starts the default output stream in format.
func (PortAudioSpeaker) Open(_ context.Context, format audio.Format) (io.WriteCloser, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: %v", ErrUnavailable, err)
	}
	out := make([]int16, speakerFramesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), speakerFramesPerBuffer, out)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open output stream: %v", ErrUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: start output stream: %v", ErrUnavailable, err)
	}
	return &paWriter{stream: stream, out: out}, nil
}

// paWriter buffers int16 PCM bytes into whole PortAudio buffers.
type paWriter struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	out     []int16
	pending []byte
	closed  bool
}

func (w *paWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}

	w.pending = append(w.pending, b...)
	need := len(w.out) * 2
	for len(w.pending) >= need {
		for i := range w.out {
			w.out[i] = int16(uint16(w.pending[i*2]) | uint16(w.pending[i*2+1])<<8)
		}
		w.pending = w.pending[need:]
		if err := w.stream.Write(); err != nil {
			return len(b), fmt.Errorf("device: speaker write: %w", err)
		}
	}
	return len(b), nil
}

func (w *paWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.stream.Stop()
	_ = w.stream.Close()
	return portaudio.Terminate()
}
