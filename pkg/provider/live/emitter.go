package live

import (
	"context"
	"sync"
)

// DefaultEventBuffer is the event channel capacity used by the bundled
// providers.
const DefaultEventBuffer = 64

// Emitter is the event side of a [Session] implementation. It owns the
// events channel and guarantees that [EventClose] is emitted at most once
// and is the last event.
//
// Emit and Close must be called from a single goroutine, normally the
// session's receive loop. ctx is the session's lifetime: once it is done,
// pending sends are abandoned because nobody is listening any more.
type Emitter struct {
	ctx  context.Context
	ch   chan Event
	once sync.Once
}

// NewEmitter returns an Emitter with a buffered channel of size.
func NewEmitter(ctx context.Context, size int) *Emitter {
	return &Emitter{ctx: ctx, ch: make(chan Event, size)}
}

// Events returns the receive side of the channel.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev, blocking while the channel is full. It reports false
// if the session ended before the event could be delivered.
func (e *Emitter) Emit(ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Close emits the final [EventClose] carrying err and closes the channel.
// Subsequent calls are no-ops.
func (e *Emitter) Close(err error) {
	e.once.Do(func() {
		select {
		case e.ch <- Event{Kind: EventClose, Err: err}:
		case <-e.ctx.Done():
			// Deliver if there is room, but never block a closed session.
			select {
			case e.ch <- Event{Kind: EventClose, Err: err}:
			default:
			}
		}
		close(e.ch)
	})
}
