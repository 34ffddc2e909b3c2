package config

import (
	"context"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avacache/internal/observability"
)

// DefaultDebounceDelay coalesces bursts of writes from editors.
const DefaultDebounceDelay = 100 * time.Millisecond

// ThresholdsCallback receives new alert thresholds after a reload.
type ThresholdsCallback func(ThresholdsConfig)

// Watcher reloads the configuration file when it changes and hands the
// monitoring thresholds, the only settings applied without a restart, to
// a callback. Other changed sections are logged and otherwise ignored.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange ThresholdsCallback
	logger   observability.Logger
	debounce time.Duration

	mu      sync.Mutex
	current *Config
	started bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for path. current is the configuration the
// process started with and is the baseline for change detection.
func NewWatcher(path string, current *Config, onChange ThresholdsCallback, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsw,
		onChange: onChange,
		current:  current,
		debounce: DefaultDebounceDelay,
		logger:   observability.NopLogger(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start watches the file's directory, since editors usually replace the
// file rather than write it in place.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
	go w.loop(ctx)

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	return nil
}

// Stop ends the watch and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.started = false
	w.mu.Unlock()

	if started {
		w.cancel()
		<-w.done
	}
	return w.fs.Close()
}

// Current returns the configuration most recently read from disk.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", observability.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("configuration reload rejected",
			observability.String("path", w.path),
			observability.Error(err))
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if prev != nil {
		if restart := restartOnlyChanges(prev, next); len(restart) > 0 {
			w.logger.Warn("configuration changes need a restart to take effect",
				observability.Strings("sections", restart))
		}
		if prev.Monitoring.Thresholds == next.Monitoring.Thresholds {
			return
		}
	}

	w.logger.Info("alert thresholds reloaded",
		observability.Float64("hitRatio", next.Monitoring.Thresholds.HitRatio),
		observability.Float64("responseTime", next.Monitoring.Thresholds.ResponseTime),
		observability.Float64("errorRate", next.Monitoring.Thresholds.ErrorRate))
	if w.onChange != nil {
		w.onChange(next.Monitoring.Thresholds)
	}
}

// restartOnlyChanges names the top-level sections that differ, ignoring
// the thresholds.
func restartOnlyChanges(prev, next *Config) []string {
	a, b := *prev, *next
	a.Monitoring.Thresholds, b.Monitoring.Thresholds = ThresholdsConfig{}, ThresholdsConfig{}

	var changed []string
	sections := []struct {
		name string
		x, y interface{}
	}{
		{"http", a.HTTP, b.HTTP},
		{"logging", a.Logging, b.Logging},
		{"tracing", a.Tracing, b.Tracing},
		{"cache", a.Cache, b.Cache},
		{"monitoring", a.Monitoring, b.Monitoring},
		{"backup", a.Backup, b.Backup},
		{"warming", a.Warming, b.Warming},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.x, s.y) {
			changed = append(changed, s.name)
		}
	}
	return changed
}
