package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/livesight/internal/resilience"
)

// DefaultDeliverTimeout bounds a single downstream delivery.
const DefaultDeliverTimeout = 5 * time.Second

// Target is one named downstream sink of a [Fanout].
type Target struct {
	Name string
	Sink Sink
}

type guarded struct {
	name    string
	sink    Sink
	breaker *resilience.CircuitBreaker
}

// FanoutOption configures a [Fanout].
type FanoutOption func(*Fanout)

// WithBreakerConfig sets the circuit breaker tuning used for every target.
// The Name field is overwritten with the target name.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) FanoutOption {
	return func(f *Fanout) { f.breakerCfg = cfg }
}

// WithDeliverTimeout bounds each downstream delivery. Zero disables the
// bound.
func WithDeliverTimeout(d time.Duration) FanoutOption {
	return func(f *Fanout) { f.timeout = d }
}

// Fanout delivers every message to all targets. Each target sits behind its
// own circuit breaker; a target whose breaker is open is skipped.
type Fanout struct {
	targets    []guarded
	breakerCfg resilience.CircuitBreakerConfig
	timeout    time.Duration
}

var _ Sink = (*Fanout)(nil)

// NewFanout returns a Fanout over targets.
func NewFanout(targets []Target, opts ...FanoutOption) *Fanout {
	f := &Fanout{timeout: DefaultDeliverTimeout}
	for _, o := range opts {
		o(f)
	}
	for _, t := range targets {
		cfg := f.breakerCfg
		cfg.Name = "sink:" + t.Name
		f.targets = append(f.targets, guarded{
			name:    t.Name,
			sink:    t.Sink,
			breaker: resilience.NewCircuitBreaker(cfg),
		})
	}
	return f
}

// Deliver sends msg to every target in order and joins the failures. A
// failure of one target does not prevent delivery to the others.
func (f *Fanout) Deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, t := range f.targets {
		err := t.breaker.Do(ctx, func(ctx context.Context) error {
			if f.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.timeout)
				defer cancel()
			}
			return t.sink.Deliver(ctx, msg)
		})
		if err == nil {
			continue
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Debug("sink: target skipped, circuit open", "target", t.name)
		} else {
			slog.Warn("sink: delivery failed", "target", t.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("sink: %s: %w", t.name, err))
	}
	return errors.Join(errs...)
}

// BreakerState returns the breaker state of the named target.
func (f *Fanout) BreakerState(name string) (resilience.State, bool) {
	for _, t := range f.targets {
		if t.name == name {
			return t.breaker.State(), true
		}
	}
	return resilience.StateClosed, false
}

// Check reports an error naming every target whose breaker is open. It is
// meant for readiness probes.
func (f *Fanout) Check(context.Context) error {
	var open []string
	for _, t := range f.targets {
		if t.breaker.State() == resilience.StateOpen {
			open = append(open, t.name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("sink: circuit open: %v", open)
	}
	return nil
}
