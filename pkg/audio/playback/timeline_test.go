package playback_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/audio/playback"
)

func constBuffer(frames int, v float32) *audio.Buffer {
	ch := make([]float32, frames)
	for i := range ch {
		ch[i] = v
	}
	return &audio.Buffer{SampleRate: testFormat.SampleRate, Channels: [][]float32{ch}}
}

func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestTimeline_ClockAdvancesOnPull(t *testing.T) {
	tl := playback.NewTimeline(testFormat)
	if tl.Now() != 0 {
		t.Fatalf("Now() = %v, want 0", tl.Now())
	}
	tl.Pull(2400)
	if tl.Now() != 100*time.Millisecond {
		t.Errorf("Now() = %v, want 100ms", tl.Now())
	}
}

func TestTimeline_RendersAtScheduledOffset(t *testing.T) {
	tl := playback.NewTimeline(testFormat)
	// 10 frames at 24 kHz starting at frame 5.
	at := 5 * time.Second / 24000
	ended := make(chan struct{}, 1)
	if _, err := tl.Schedule(constBuffer(10, 0.5), at, func() { ended <- struct{}{} }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	got := samples(tl.Pull(20))
	for i, s := range got {
		want := int16(0)
		if i >= 5 && i < 15 {
			want = 16384
		}
		if s != want {
			t.Errorf("frame %d = %d, want %d", i, s, want)
		}
	}
	select {
	case <-ended:
	default:
		t.Error("onEnded not called after the buffer was fully rendered")
	}
	if tl.Active() != 0 {
		t.Errorf("Active() = %d, want 0", tl.Active())
	}
}

func TestTimeline_StopPreventsRenderAndCallback(t *testing.T) {
	tl := playback.NewTimeline(testFormat)
	called := false
	stop, err := tl.Schedule(constBuffer(100, 0.5), 0, func() { called = true })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	stop()
	stop()

	for _, s := range samples(tl.Pull(200)) {
		if s != 0 {
			t.Fatal("stopped buffer was rendered")
		}
	}
	if called {
		t.Error("onEnded called for a stopped buffer")
	}
}

func TestTimeline_FormatMismatch(t *testing.T) {
	tl := playback.NewTimeline(testFormat)
	buf := &audio.Buffer{SampleRate: 48000, Channels: [][]float32{{0}}}
	if _, err := tl.Schedule(buf, 0, nil); !errors.Is(err, audio.ErrFormat) {
		t.Errorf("Schedule err = %v, want ErrFormat", err)
	}
}

func TestTimeline_SchedulerGaplessRender(t *testing.T) {
	tl := playback.NewTimeline(testFormat)
	s := playback.NewScheduler(tl)

	// Three 10-frame chunks, each a different level, enqueued at once.
	for _, v := range []float32{0.25, 0.5, -0.5} {
		if _, _, err := s.Enqueue(constBuffer(10, v)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	got := samples(tl.Pull(30))
	for i, sample := range got {
		if sample == 0 {
			t.Fatalf("gap at frame %d", i)
		}
	}
	if got[9] == got[10] || got[19] == got[20] {
		t.Error("chunks overlap instead of playing sequentially")
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d after rendering everything, want 0", s.Pending())
	}
}

type syncBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Len()
}

func TestTimeline_PumpStopsOnCancel(t *testing.T) {
	tl := playback.NewTimeline(testFormat, playback.WithPeriod(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	var w syncBuffer

	done := make(chan error, 1)
	go func() { done <- tl.Pump(ctx, &w) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Pump err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pump did not return after cancel")
	}
	if w.Len() == 0 {
		t.Error("Pump wrote no audio")
	}
	// 5 ms at 24 kHz mono is 120 frames of 2 bytes.
	if w.Len()%240 != 0 {
		t.Errorf("wrote %d bytes, want a multiple of one period (240)", w.Len())
	}
}
