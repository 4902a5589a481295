// Package configwatcher provides config file monitoring for beamsync.
// When enabled, it watches the beamsync config file for changes and applies
// the runtime-tunable settings (publish retry and backoff parameters) to
// the running publisher.
package configwatcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nsls2-tools/beamsync/internal/cliconfig"
	"github.com/nsls2-tools/beamsync/internal/ports"
)

// RetryTuner receives the runtime-tunable publish settings.
// *publish.Publisher satisfies this interface.
type RetryTuner interface {
	UpdateRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration)
}

// Plugin watches the config file and applies runtime-tunable settings.
type Plugin struct {
	mu sync.RWMutex

	// Configuration
	debounceDelay time.Duration

	// Runtime state
	configPath string
	tuner      RetryTuner
	logger     ports.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	debounce   *time.Timer
}

// Config holds configuration options for the config watcher plugin.
type Config struct {
	// DebounceDelay is the delay to wait after a file change before applying.
	// Default: 100 milliseconds
	DebounceDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 100 * time.Millisecond,
	}
}

// New creates a new config watcher plugin with the given configuration.
func New(cfg Config) *Plugin {
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	return &Plugin{
		debounceDelay: cfg.DebounceDelay,
	}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "configwatcher"
}

// Initialize starts watching configPath and applying updates to tuner.
func (p *Plugin) Initialize(ctx context.Context, configPath string, tuner RetryTuner, logger ports.Logger) error {
	p.mu.Lock()
	p.configPath = configPath
	p.tuner = tuner
	p.logger = logger
	p.mu.Unlock()

	if configPath == "" {
		logger.Warn("config watcher disabled: no config path configured")
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("config watcher initialized", ports.String("path", configPath))

	p.wg.Add(1)
	go p.watchLoop(watchCtx)

	return nil
}

// Shutdown stops the config watcher.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// watchLoop watches for config file changes. It watches the containing
// directory because editors replace files on save rather than writing in
// place.
func (p *Plugin) watchLoop(ctx context.Context) {
	defer p.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Error("config watcher: failed to create watcher", ports.Err(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.configPath)); err != nil {
		p.logger.Error("config watcher: failed to watch directory", ports.Err(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(p.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			p.debounceApply()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watcher: watcher error", ports.Err(err))
		}
	}
}

func (p *Plugin) debounceApply() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.debounce != nil {
		p.debounce.Stop()
	}

	p.debounce = time.AfterFunc(p.debounceDelay, p.apply)
}

// apply reloads the config file and hands tunable settings to the tuner.
func (p *Plugin) apply() {
	p.mu.RLock()
	path := p.configPath
	tuner := p.tuner
	logger := p.logger
	p.mu.RUnlock()

	fc, err := cliconfig.LoadFileConfig(path)
	if err != nil {
		logger.Warn("config watcher: reload failed", ports.Err(err))
		return
	}

	cfg := cliconfig.DefaultConfig()
	if err := cliconfig.ApplyFileConfig(&cfg, fc, nil); err != nil {
		logger.Warn("config watcher: invalid config", ports.Err(err))
		return
	}

	tuner.UpdateRetryPolicy(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay)
	logger.Info("applied updated retry policy",
		ports.Int("max_attempts", cfg.MaxAttempts),
		ports.Duration("base_delay", cfg.BaseDelay),
		ports.Duration("max_delay", cfg.MaxDelay),
	)
}
