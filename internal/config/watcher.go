package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous config, the newly loaded one and what
// changed between them. It runs on the watcher goroutine.
type ChangeFunc func(old, new *Config, diff ConfigDiff)

// fingerprint identifies one version of the watched file.
type fingerprint struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid changes. An edit that fails
// to parse or validate is logged and the previous config stays current.
// Edits that leave the content unchanged are ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	seen    fingerprint

	quit     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. It fails if the initial load
// fails. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It blocks until a reload in progress has finished and
// may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.exited
}

func (w *Watcher) loop() {
	defer close(w.exited)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll reloads the file when its mtime moved and reports a content change.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watcher cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	moved := !info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if !moved {
		return
	}

	cfg, fp, err := w.read()
	if err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	sameContent := fp.sum == w.seen.sum
	w.seen = fp
	old := w.current
	if !sameContent {
		w.current = cfg
	}
	w.mu.Unlock()
	if sameContent {
		return
	}

	d := Diff(old, cfg)
	slog.Info("config: reloaded", "path", w.path, "restart_required", d.RestartRequired)
	if d.RestartRequired {
		slog.Warn("config: some changes take effect with the next session")
	}
	if w.onChange != nil && !d.Empty() {
		w.onChange(old, cfg, d)
	}
}

// read loads and validates the file and returns its fingerprint.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
