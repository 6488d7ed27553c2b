package playback

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livesight/pkg/audio"
)

// Compile-time interface assertion.
var _ Output = (*Timeline)(nil)

// DefaultPeriod is the amount of audio rendered per [Timeline.Pump] tick.
const DefaultPeriod = 20 * time.Millisecond

// TimelineOption configures a [Timeline].
type TimelineOption func(*Timeline)

// WithPeriod sets the render period used by [Timeline.Pump].
func WithPeriod(d time.Duration) TimelineOption {
	return func(t *Timeline) {
		if d > 0 {
			t.period = d
		}
	}
}

type voice struct {
	buf     *audio.Buffer
	start   int64 // first frame on the timeline
	onEnded func()
}

func (v *voice) end() int64 {
	return v.start + int64(v.buf.Frames())
}

// Timeline is a software playback clock. It mixes scheduled buffers into
// interleaved 16-bit PCM one period at a time; its clock only advances when
// audio is pulled, so a device writer paces it in real time.
//
// A Timeline is owned by exactly one session.
type Timeline struct {
	format audio.Format
	period time.Duration

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	nextID uint64
	voices map[uint64]*voice
}

// NewTimeline returns an empty Timeline rendering in format.
func NewTimeline(format audio.Format, opts ...TimelineOption) *Timeline {
	t := &Timeline{
		format: format,
		period: DefaultPeriod,
		voices: make(map[uint64]*voice),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Format returns the format of rendered audio and of accepted buffers.
func (t *Timeline) Format() audio.Format {
	return t.format
}

// Now returns the playback clock: the duration of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameTime(t.pos)
}

// Schedule implements [Output]. buf must match the timeline's format.
func (t *Timeline) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (func(), error) {
	if buf == nil {
		return nil, fmt.Errorf("playback: schedule: nil buffer")
	}
	if buf.Format() != t.format {
		return nil, fmt.Errorf("playback: schedule: %w: buffer is %s, timeline is %s",
			audio.ErrFormat, buf.Format(), t.format)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := max(t.framesAt(at), t.pos)
	t.nextID++
	id := t.nextID
	t.voices[id] = &voice{buf: buf, start: start, onEnded: onEnded}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.voices, id)
			t.mu.Unlock()
		})
	}
	return stop, nil
}

// Pull renders the next frames of mixed audio as interleaved little-endian
// int16 PCM and advances the clock. Buffers that end within the rendered
// window have their onEnded callbacks invoked before Pull returns.
func (t *Timeline) Pull(frames int) []byte {
	if frames <= 0 {
		return nil
	}
	channels := t.format.Channels
	mix := make([]float32, frames*channels)

	t.mu.Lock()
	from, to := t.pos, t.pos+int64(frames)
	var ended []func()
	for id, v := range t.voices {
		lo, hi := max(v.start, from), min(v.end(), to)
		for f := lo; f < hi; f++ {
			src := int(f - v.start)
			dst := int(f-from) * channels
			for c := range channels {
				mix[dst+c] += v.buf.Channels[c][src]
			}
		}
		if v.end() <= to {
			delete(t.voices, id)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	t.pos = to
	t.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return audio.FloatToPCM16(mix)
}

// Pump renders one period of audio every period and writes it to w until ctx
// is cancelled or a write fails.
func (t *Timeline) Pump(ctx context.Context, w io.Writer) error {
	frames := int(int64(t.format.SampleRate) * int64(t.period) / int64(time.Second))
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Write(t.Pull(frames)); err != nil {
				return fmt.Errorf("playback: pump: %w", err)
			}
		}
	}
}

// Active returns the number of buffers that have not finished or been
// stopped.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

func (t *Timeline) frameTime(frames int64) time.Duration {
	if t.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

// framesAt converts a clock time to the nearest frame index.
func (t *Timeline) framesAt(d time.Duration) int64 {
	rate := int64(t.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}
