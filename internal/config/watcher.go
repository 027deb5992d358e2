package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the bridge's TOML config file for edits and passes
// each successfully reloaded Config to its reload callback. What a
// reload changes is decided by that callback; the server's
// (Server.handleConfigReload) only swaps the Config it checks service
// credentials against.
type Watcher struct {
	logger       *slog.Logger
	configPath   string
	watcher      *fsnotify.Watcher
	config       *Config
	mu           sync.RWMutex
	reloadFunc   func(*Config) error
	debounceTime time.Duration
	done         chan struct{}
}

// NewWatcher creates a Watcher bound to configPath. current is the
// already-loaded config, used as the baseline for the added/removed
// service and bot diff logged on the first reload.
func NewWatcher(configPath string, current *Config, logger *slog.Logger, reloadFunc func(*Config) error) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		logger:       logger,
		configPath:   configPath,
		watcher:      watcher,
		config:       current,
		reloadFunc:   reloadFunc,
		debounceTime: 500 * time.Millisecond,
		done:         make(chan struct{}),
	}, nil
}

// Start begins watching the configuration file.
func (w *Watcher) Start(ctx context.Context) error {
	if w.configPath == "" {
		w.logger.Debug("no config path provided, skipping config watcher")
		return nil
	}

	if err := w.watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	// Editors commonly replace a file via rename-into-place rather than
	// an in-place write, which drops the original inode from fsnotify's
	// watch list; watching the containing directory catches that case
	// too.
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		w.logger.Warn("failed to watch config directory", "error", err)
	}

	w.logger.Info("config watcher started", "path", w.configPath)

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	var debounceChan <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Name == w.configPath || event.Name == filepath.Dir(w.configPath) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(w.debounceTime)
				debounceChan = debounceTimer.C
			}

		case <-debounceChan:
			w.reloadConfig()
			debounceTimer = nil
			debounceChan = nil

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// reloadConfig loads and validates the new configuration, logs what
// changed in the bot/service registry, and hands it to reloadFunc.
func (w *Watcher) reloadConfig() {
	w.logger.Info("config file changed, reloading")

	newConfig, err := LoadConfig(w.configPath)
	if err != nil {
		w.logger.Error("failed to load reloaded config", "error", err)
		return
	}

	if err := newConfig.Validate(); err != nil {
		w.logger.Error("reloaded config failed validation, keeping previous config", "error", err)
		return
	}

	w.mu.RLock()
	previous := w.config
	w.mu.RUnlock()
	w.logBotAndServiceDiff(previous, newConfig)

	if err := w.reloadFunc(newConfig); err != nil {
		w.logger.Error("failed to apply reloaded config", "error", err)
		return
	}

	w.mu.Lock()
	w.config = newConfig
	w.mu.Unlock()

	w.logger.Info("config reloaded")
}

// logBotAndServiceDiff reports which bot accounts and downstream
// services appeared or disappeared between the previous and reloaded
// config, so an operator watching logs can see the effect of an edit
// without diffing the TOML file by hand.
func (w *Watcher) logBotAndServiceDiff(previous, next *Config) {
	if previous == nil {
		return
	}

	for id := range next.Bots {
		if _, ok := previous.Bots[id]; !ok {
			w.logger.Info("bot account added by config reload", "bot_account_id", id)
		}
	}
	for id := range previous.Bots {
		if _, ok := next.Bots[id]; !ok {
			w.logger.Warn("bot account removed by config reload", "bot_account_id", id)
		}
	}

	for id := range next.Services {
		if _, ok := previous.Services[id]; !ok {
			w.logger.Info("service added by config reload", "service_id", id)
		}
	}
	for id := range previous.Services {
		if _, ok := next.Services[id]; !ok {
			w.logger.Warn("service removed by config reload", "service_id", id)
		}
	}
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// GetConfig returns the most recently applied configuration.
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}
