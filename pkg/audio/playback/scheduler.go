// Package playback schedules decoded audio buffers for gapless sequential
// playback and tracks every in-flight buffer so they can be interrupted
// together.
//
// The [Scheduler] owns the set of playback tasks. Each enqueued buffer is
// assigned a stable [TaskID] and recorded in an arena; interrupting is
// "stop every task, clear the arena, reset the clock chain". Buffers are
// rendered by an [Output], normally a [Timeline] owned by one session.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livesight/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Output is a playback context: a monotonic clock plus the ability to start a
// buffer at a given clock time.
//
// Implementations must be safe for concurrent use. onEnded is invoked once
// when the buffer finishes naturally and must not be invoked after stop has
// been called. stop must be idempotent.
type Output interface {
	// Now returns the current playback clock.
	Now() time.Duration

	// Format returns the buffer format the output renders.
	Format() audio.Format

	// Schedule starts buf at clock time at. If at is already in the past the
	// buffer starts as soon as possible.
	Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (stop func(), err error)
}

// TaskID is the stable handle of one scheduled buffer.
type TaskID uint64

type task struct {
	start time.Duration
	end   time.Duration
	stop  func()
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithOnTalking registers fn to be called when a task is added to an empty
// arena.
func WithOnTalking(fn func()) Option {
	return func(s *Scheduler) {
		s.onTalking = fn
	}
}

// WithOnIdle registers fn to be called when the last task finishes naturally
// and the arena becomes empty. It is not called by [Scheduler.InterruptAll].
func WithOnIdle(fn func()) Option {
	return func(s *Scheduler) {
		s.onIdle = fn
	}
}

// Scheduler queues buffers on an [Output] so that each one starts exactly
// where the previous one ends.
//
// All exported methods are safe for concurrent use. Callbacks are invoked
// without the scheduler's lock held.
type Scheduler struct {
	out       Output
	onTalking func()
	onIdle    func()

	mu          sync.Mutex
	tasks       map[TaskID]task
	nextID      TaskID
	previousEnd time.Duration
	closed      bool
}

// NewScheduler returns a Scheduler rendering to out.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:   out,
		tasks: make(map[TaskID]task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at max(previous end, now) and returns its
// handle and computed start time.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (TaskID, time.Duration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, 0, ErrClosed
	}

	start := max(s.previousEnd, s.out.Now())
	s.nextID++
	id := s.nextID
	stop, err := s.out.Schedule(buf, start, func() { s.finish(id) })
	if err != nil {
		s.mu.Unlock()
		return 0, 0, fmt.Errorf("playback: enqueue: %w", err)
	}

	wasEmpty := len(s.tasks) == 0
	end := start + buf.Duration()
	s.tasks[id] = task{start: start, end: end, stop: stop}
	s.previousEnd = end
	onTalking := s.onTalking
	s.mu.Unlock()

	if wasEmpty && onTalking != nil {
		onTalking()
	}
	return id, start, nil
}

// finish removes a naturally completed task.
func (s *Scheduler) finish(id TaskID) {
	s.mu.Lock()
	if _, ok := s.tasks[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, id)
	idle := len(s.tasks) == 0
	onIdle := s.onIdle
	s.mu.Unlock()

	if idle && onIdle != nil {
		onIdle()
	}
}

// InterruptAll stops every task, whether pending, playing or already
// finished, clears the arena and resets the schedule so the next buffer
// starts at the current clock time. It returns the number of tasks stopped.
func (s *Scheduler) InterruptAll() int {
	s.mu.Lock()
	stops := make([]func(), 0, len(s.tasks))
	for id, t := range s.tasks {
		stops = append(stops, t.stop)
		delete(s.tasks, id)
	}
	s.previousEnd = s.out.Now()
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return len(stops)
}

// Pending returns the number of scheduled tasks that have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Format returns the buffer format expected by the underlying output.
func (s *Scheduler) Format() audio.Format {
	return s.out.Format()
}

// Close interrupts all tasks and rejects further enqueues. Close is
// idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.InterruptAll()
	return nil
}
