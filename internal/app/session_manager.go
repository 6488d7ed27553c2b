package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livesight/internal/observe"
	"github.com/MrWong99/livesight/internal/sink"
	"github.com/MrWong99/livesight/internal/surface"
	"github.com/MrWong99/livesight/internal/voice"
	"github.com/MrWong99/livesight/pkg/audio/device"
	"github.com/MrWong99/livesight/pkg/provider/live"
)

var (
	// ErrNoSession is returned by commands issued while no session is
	// running.
	ErrNoSession = errors.New("app: no active session")

	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// is still running.
	ErrSessionActive = errors.New("app: a session is already active")
)

// SessionInfo holds metadata about the current session.
type SessionInfo struct {
	SessionID string
	Provider  string
	StartedAt time.Time
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Provider  live.Provider
	Devices   device.Set
	Sink      sink.Sink
	Observers []voice.Observer
	Metrics   *observe.Metrics
	Options   voice.Options
}

var _ surface.Commander = (*SessionManager)(nil)

// SessionManager owns the voice session. Only one session runs at a time.
// Tuning changes made between sessions carry over to the next one. All
// methods are safe for concurrent use.
type SessionManager struct {
	deps SessionManagerConfig

	mu   sync.Mutex
	opts voice.Options
	ctrl *voice.Controller
	info SessionInfo
}

// NewSessionManager creates an idle SessionManager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{deps: cfg, opts: cfg.Options}
}

// Start opens a new session and blocks until it is open. A previous
// session that has already ended is replaced.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.ctrl != nil && !isDone(sm.ctrl) {
		sm.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}
	ctrl := voice.New(voice.Deps{
		Provider:   sm.deps.Provider,
		Microphone: sm.deps.Devices.Microphone,
		Display:    sm.deps.Devices.Display,
		Speaker:    sm.deps.Devices.Speaker,
		Sink:       sm.deps.Sink,
		Observers:  sm.deps.Observers,
		Metrics:    sm.deps.Metrics,
	}, sm.opts)
	sm.ctrl = ctrl
	sm.info = SessionInfo{
		SessionID: ctrl.ID(),
		Provider:  sm.deps.Provider.Name(),
		StartedAt: time.Now().UTC(),
	}
	sm.mu.Unlock()

	slog.Info("app: starting session", "session_id", ctrl.ID(), "provider", sm.deps.Provider.Name())
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	slog.Info("app: session open", "session_id", ctrl.ID())
	return nil
}

// Stop closes the current session and waits for its resources to be
// released. It is a no-op without a session.
func (sm *SessionManager) Stop() error {
	ctrl := sm.current()
	if ctrl == nil {
		return nil
	}
	return ctrl.Close()
}

// Done is closed when the current session ends. Without a session it
// returns a closed channel.
func (sm *SessionManager) Done() <-chan struct{} {
	if ctrl := sm.current(); ctrl != nil {
		return ctrl.Done()
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Err returns the failure that ended the current session, if any.
func (sm *SessionManager) Err() error {
	if ctrl := sm.current(); ctrl != nil {
		return ctrl.Err()
	}
	return nil
}

// Info returns metadata about the current session and whether it is still
// running.
func (sm *SessionManager) Info() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.ctrl != nil && !isDone(sm.ctrl)
}

// Snapshot returns the current session's state.
func (sm *SessionManager) Snapshot() (voice.Snapshot, bool) {
	ctrl := sm.current()
	if ctrl == nil {
		return voice.Snapshot{}, false
	}
	return ctrl.Snapshot(), true
}

// SetMuted implements [surface.Commander]. The flag also applies to the
// next session.
func (sm *SessionManager) SetMuted(muted bool) {
	sm.mu.Lock()
	sm.opts.Muted = muted
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl != nil {
		ctrl.SetMuted(muted)
	}
}

// ToggleMute flips the mute flag and returns the new value.
func (sm *SessionManager) ToggleMute() bool {
	sm.mu.Lock()
	muted := !sm.opts.Muted
	sm.mu.Unlock()
	if snap, ok := sm.Snapshot(); ok {
		muted = !snap.Muted
	}
	sm.SetMuted(muted)
	return muted
}

// StartScreenShare implements [surface.Commander].
func (sm *SessionManager) StartScreenShare(ctx context.Context) error {
	ctrl := sm.current()
	if ctrl == nil {
		return ErrNoSession
	}
	return ctrl.StartScreenShare(ctx)
}

// StopScreenShare implements [surface.Commander].
func (sm *SessionManager) StopScreenShare() {
	if ctrl := sm.current(); ctrl != nil {
		ctrl.StopScreenShare()
	}
}

// ToggleScreenShare starts sharing when idle and stops it otherwise.
func (sm *SessionManager) ToggleScreenShare(ctx context.Context) error {
	snap, ok := sm.Snapshot()
	if !ok {
		return ErrNoSession
	}
	if snap.ScreenSharing {
		sm.StopScreenShare()
		return nil
	}
	return sm.StartScreenShare(ctx)
}

// SetFramePeriod changes the sampling period of the current and future
// sessions.
func (sm *SessionManager) SetFramePeriod(d time.Duration) {
	sm.mu.Lock()
	sm.opts.FramePeriod = d
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl != nil {
		ctrl.SetFramePeriod(d)
	}
}

// SetJPEGQuality changes the frame quality of the current and future
// sessions.
func (sm *SessionManager) SetJPEGQuality(q int) {
	sm.mu.Lock()
	sm.opts.JPEGQuality = q
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl != nil {
		ctrl.SetJPEGQuality(q)
	}
}

func (sm *SessionManager) current() *voice.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl
}

func isDone(c *voice.Controller) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
