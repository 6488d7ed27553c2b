// Package app wires the livesight subsystems into a running application.
//
// New builds the provider, devices, message sinks, rendering surfaces and
// the local HTTP server from the config. Run opens one voice session and
// serves until the context ends or the session does. Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithProvider,
// WithDevices, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livesight/internal/config"
	"github.com/MrWong99/livesight/internal/health"
	"github.com/MrWong99/livesight/internal/observe"
	"github.com/MrWong99/livesight/internal/sink"
	"github.com/MrWong99/livesight/internal/sink/postgres"
	"github.com/MrWong99/livesight/internal/surface"
	"github.com/MrWong99/livesight/internal/voice"
	"github.com/MrWong99/livesight/pkg/audio"
	"github.com/MrWong99/livesight/pkg/audio/device"
	"github.com/MrWong99/livesight/pkg/provider/live"
)

const (
	readHeaderTimeout = 10 * time.Second
	serverStopTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	provider       live.Provider
	devices        device.Set
	devicesSet     bool
	extraSinks     []sink.Target
	fanout         *sink.Fanout
	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	termOut        io.Writer

	hub      *surface.Hub
	term     *surface.Terminal
	probe    *health.SessionProbe
	sessions *SessionManager

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects a live provider instead of creating one from the
// registry.
func WithProvider(p live.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithDevices injects capture and playback devices instead of building them
// from the config.
func WithDevices(s device.Set) Option {
	return func(a *App) { a.devices, a.devicesSet = s, true }
}

// WithSink adds a message sink alongside the configured ones.
func WithSink(name string, s sink.Sink) Option {
	return func(a *App) { a.extraSinks = append(a.extraSinks, sink.Target{Name: name, Sink: s}) }
}

// WithMetrics sets the instruments used by the session and the HTTP
// middleware. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithTerminal directs the terminal status line to w. The default is
// stdout.
func WithTerminal(w io.Writer) Option {
	return func(a *App) { a.termOut = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Providers named in cfg are looked up in reg
// unless one is injected with [WithProvider].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.termOut == nil {
		a.termOut = os.Stdout
	}

	// ── 1. Live provider ─────────────────────────────────────────────────
	if a.provider == nil {
		p, err := reg.Create(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.provider = p
	}

	// ── 2. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 3. Message sinks ─────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 4. Surfaces ──────────────────────────────────────────────────────
	a.hub = surface.NewHub(surface.WithCheckOrigin(allowOrigins(cfg.Server.AllowedOrigins)))
	name := cfg.Assistant.Name
	if name == "" {
		name = voice.DefaultAssistantName
	}
	a.term = surface.NewTerminal(a.termOut, name)
	a.probe = &health.SessionProbe{}

	// ── 5. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Provider:  a.provider,
		Devices:   a.devices,
		Sink:      a.fanout,
		Observers: []voice.Observer{a.term, a.hub, a.probe},
		Metrics:   a.metrics,
		Options:   sessionOptions(cfg),
	})
	a.hub.SetCommander(a.sessions)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initDevices() error {
	if a.devicesSet {
		return nil
	}
	d := a.cfg.Devices
	set, err := device.New(device.Config{
		Backend:       d.Backend,
		MicInput:      d.MicInput,
		MicDevice:     d.MicDevice,
		CaptureRate:   d.CaptureRate,
		DisplayInput:  d.DisplayInput,
		DisplayDevice: d.DisplayDevice,
		DisplayWidth:  d.DisplayWidth,
		DisplayHeight: d.DisplayHeight,
		DisplayFPS:    d.DisplayFPS,
	})
	if err != nil {
		return err
	}
	if d.DisableDisplay {
		set.Display = nil
	}
	a.devices = set
	return nil
}

// initSinks builds the fanout: the log sink always, then the JSON-lines file
// and PostgreSQL store when configured.
func (a *App) initSinks(ctx context.Context) error {
	targets := []sink.Target{{Name: "log", Sink: &sink.LogSink{}}}

	if path := a.cfg.Sink.JSONLPath; path != "" {
		js, err := sink.OpenJSONL(path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, js.Close)
		targets = append(targets, sink.Target{Name: "jsonl", Sink: js})
		slog.Info("app: writing messages to file", "path", path)
	}

	if dsn := a.cfg.Sink.PostgresDSN; dsn != "" {
		pg, err := postgres.New(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		targets = append(targets, sink.Target{Name: "postgres", Sink: pg})
		slog.Info("app: storing messages in postgres")
	}

	targets = append(targets, a.extraSinks...)

	var opts []sink.FanoutOption
	if d := a.cfg.Sink.DeliverTimeout; d > 0 {
		opts = append(opts, sink.WithDeliverTimeout(d))
	}
	a.fanout = sink.NewFanout(targets, opts...)
	return nil
}

func sessionOptions(cfg *config.Config) voice.Options {
	return voice.Options{
		AssistantName: cfg.Assistant.Name,
		Instructions:  cfg.Assistant.Instructions,
		Voice:         cfg.Assistant.Voice,
		FramePeriod:   cfg.Capture.FrameInterval,
		JPEGQuality:   cfg.Capture.JPEGQuality,
		MaxDimension:  cfg.Capture.MaxDimension,
		Muted:         cfg.Capture.StartMuted,
		PlaybackFormat: audio.Format{
			SampleRate: cfg.Devices.PlaybackRate,
			Channels:   cfg.Devices.PlaybackChannels,
		},
	}
}

// allowOrigins accepts same-origin requests, requests without an Origin
// header and the listed origins.
func allowOrigins(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Hub returns the websocket surface.
func (a *App) Hub() *surface.Hub { return a.hub }

// Addr returns the address the HTTP server listens on, or nil before Run
// has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Handler returns the local HTTP surface: the websocket hub at /ws, the
// health probes and, when configured, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.hub)
	health.New(a.probe.Checker(), health.Checker{Name: "sink", Check: a.fanout.Check}).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP (when a listen address is configured) and runs one voice
// session. It returns when ctx is done or the session ends; a session that
// ends with a failure is reported as the error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()

		srv := &http.Server{Handler: a.Handler(), ReadHeaderTimeout: readHeaderTimeout}
		slog.Info("app: serving", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer scancel()
			a.hub.Close()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return a.runSession(gctx)
	})

	return g.Wait()
}

func (a *App) runSession(ctx context.Context) error {
	_, _ = fmt.Fprintln(a.termOut, a.term.Help())

	if err := a.sessions.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if a.cfg.Capture.ShareScreen {
		if err := a.sessions.StartScreenShare(ctx); err != nil {
			slog.Warn("app: screen share failed", "err", err)
		}
	}

	select {
	case <-ctx.Done():
		return a.sessions.Stop()
	case <-a.sessions.Done():
		if err := a.sessions.Err(); err != nil {
			return fmt.Errorf("app: session ended: %w", err)
		}
		slog.Info("app: session ended")
		return nil
	}
}

// ReadCommands reads single-letter commands from r until ctx is done or r
// is exhausted: m toggles mute, s toggles screen sharing, q calls quit.
func (a *App) ReadCommands(ctx context.Context, r io.Reader, quit func()) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.ToLower(line) {
			case "m":
				muted := a.sessions.ToggleMute()
				slog.Debug("app: mute toggled", "muted", muted)
			case "s":
				if err := a.sessions.ToggleScreenShare(ctx); err != nil {
					slog.Warn("app: screen share failed", "err", err)
				}
			case "q":
				quit()
				return
			case "":
			default:
				_, _ = fmt.Fprintln(a.termOut, a.term.Help())
			}
		}
	}
}

// ApplyConfig applies the hot-reloadable fields of a changed config. It is
// meant as the [config.ChangeFunc] of a watcher.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.FrameIntervalChanged {
		a.sessions.SetFramePeriod(next.Capture.FrameInterval)
	}
	if d.JPEGQualityChanged {
		a.sessions.SetJPEGQuality(next.Capture.JPEGQuality)
	}
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session and then every subsystem in init order. If
// ctx expires first the remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		if err := a.sessions.Stop(); err != nil {
			slog.Warn("app: session close error", "err", err)
		}
		a.hub.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
