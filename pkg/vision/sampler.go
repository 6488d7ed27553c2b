// Package vision samples a screen-share video source at a fixed period and
// encodes each snapshot as a bounded-size JPEG.
//
// Frames are fire-and-forget: a [Sampler] hands at most one frame at a time
// to its callback and drops the current tick's frame while the previous one
// is still in flight.
package vision

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultPeriod is the default interval between frames.
const DefaultPeriod = time.Second

// ErrNotReady is returned by a [VideoSource] that has no decoded frame yet.
// The sampler skips the tick silently.
var ErrNotReady = errors.New("vision: source not ready")

// VideoSource yields the current frame of a video track.
type VideoSource interface {
	// Snapshot returns the most recent decoded frame, or [ErrNotReady] if
	// the track has no dimensions yet.
	Snapshot() (image.Image, error)
}

// Stats counts sampler activity since construction.
type Stats struct {
	// Sent is the number of frames handed to the callback.
	Sent uint64

	// Dropped is the number of ticks skipped because a frame was in flight.
	Dropped uint64

	// Skipped is the number of ticks where the source was not ready or
	// failed.
	Skipped uint64
}

// Option configures a [Sampler].
type Option func(*Sampler)

// WithQuality sets the JPEG quality (1-100).
func WithQuality(q int) Option {
	return func(s *Sampler) {
		s.SetQuality(q)
	}
}

// WithMaxDimension bounds the longest edge of encoded frames. Zero keeps the
// native resolution.
func WithMaxDimension(px int) Option {
	return func(s *Sampler) {
		s.maxDim = px
	}
}

// WithOnDrop registers fn to be called for every dropped tick.
func WithOnDrop(fn func()) Option {
	return func(s *Sampler) {
		s.onDrop = fn
	}
}

// Sampler captures frames from a [VideoSource] on a fixed timer. At most
// one timer is active per Sampler.
//
// All exported methods are safe for concurrent use.
type Sampler struct {
	maxDim  int
	quality atomic.Int32
	onDrop  func()

	// inflight admits one frame at a time; a tick that cannot acquire it is
	// dropped.
	inflight *semaphore.Weighted

	sent    atomic.Uint64
	dropped atomic.Uint64
	skipped atomic.Uint64

	// captures tracks capture goroutines so Stop can wait for them.
	captures sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler returns an idle Sampler.
func NewSampler(opts ...Option) *Sampler {
	s := &Sampler{
		maxDim:   DefaultMaxDimension,
		inflight: semaphore.NewWeighted(1),
	}
	s.quality.Store(DefaultQuality)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetQuality changes the JPEG quality used for subsequent frames. Values
// outside 1-100 are ignored.
func (s *Sampler) SetQuality(q int) {
	if q >= 1 && q <= 100 {
		s.quality.Store(int32(q))
	}
}

// Start begins sampling src every period and passes each encoded frame to
// onFrame. If the sampler is already running, the previous timer is stopped
// first. A non-positive period uses [DefaultPeriod].
func (s *Sampler) Start(src VideoSource, period time.Duration, onFrame func(Frame)) {
	if period <= 0 {
		period = DefaultPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, done, src, period, onFrame)
}

// Stop cancels the timer and waits for it and any capture in flight to
// exit, so the source may be released once Stop returns. onFrame must not
// block on the caller of Stop. Stop is idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Active reports whether a timer is running.
func (s *Sampler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Stats returns a snapshot of the sampler's counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Skipped: s.skipped.Load(),
	}
}

func (s *Sampler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.captures.Wait()
	s.cancel = nil
	s.done = nil
}

func (s *Sampler) run(ctx context.Context, done chan struct{}, src VideoSource, period time.Duration, onFrame func(Frame)) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inflight.TryAcquire(1) {
				s.dropped.Add(1)
				if s.onDrop != nil {
					s.onDrop()
				}
				continue
			}
			s.captures.Add(1)
			go s.capture(src, onFrame)
		}
	}
}

// capture takes one snapshot, encodes it and delivers it. It owns one unit
// of the inflight semaphore.
func (s *Sampler) capture(src VideoSource, onFrame func(Frame)) {
	defer s.captures.Done()
	defer s.inflight.Release(1)

	img, err := src.Snapshot()
	if err != nil {
		s.skipped.Add(1)
		if !errors.Is(err, ErrNotReady) {
			slog.Warn("vision: snapshot failed", "err", err)
		}
		return
	}

	frame, err := Encode(img, int(s.quality.Load()), s.maxDim, time.Now())
	if err != nil {
		s.skipped.Add(1)
		if !errors.Is(err, ErrNotReady) {
			slog.Warn("vision: encode failed", "err", err)
		}
		return
	}

	s.sent.Add(1)
	onFrame(frame)
}
