package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher constants
const (
	WatcherDebounceMs = 300 * time.Millisecond
	WatcherStopWait   = 2 * time.Second
)

// ConfigWatcher reloads the config file when it is edited outside the program
type ConfigWatcher struct {
	manager *ConfigManager
	logger  *zap.Logger

	stopChan chan struct{}
	doneChan chan struct{}

	debounceTimer *time.Timer
	debounceMutex sync.Mutex
	stopOnce      sync.Once
}

// StartConfigWatcher watches the directory holding the config file. The
// directory is watched because saves replace the file by rename.
func StartConfigWatcher(manager *ConfigManager, logger *zap.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(manager.Path())
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	cw := &ConfigWatcher{
		manager:  manager,
		logger:   logger.Named("config-watcher"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				cw.logger.Error("config watcher panic recovered", zap.Any("panic", r))
			}
			watcher.Close()
			close(cw.doneChan)
		}()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				cw.handleEvent(event)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				cw.logger.Warn("config watcher error", zap.Error(err))

			case <-cw.stopChan:
				return
			}
		}
	}()

	cw.logger.Debug("config watcher started", zap.String("dir", dir))
	return cw, nil
}

// handleEvent reacts to writes, creates and renames of the config file only
func (cw *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(cw.manager.Path()) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	cw.debounceMutex.Lock()
	defer cw.debounceMutex.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(WatcherDebounceMs, func() {
		if err := cw.manager.Reload(); err != nil {
			cw.logger.Warn("ignoring config change", zap.Error(err))
			return
		}
		cw.logger.Info("config reloaded after external change")
	})
}

// Close stops the watcher and waits for it to exit
func (cw *ConfigWatcher) Close() error {
	cw.stopOnce.Do(func() {
		cw.debounceMutex.Lock()
		if cw.debounceTimer != nil {
			cw.debounceTimer.Stop()
			cw.debounceTimer = nil
		}
		cw.debounceMutex.Unlock()

		close(cw.stopChan)

		select {
		case <-cw.doneChan:
		case <-time.After(WatcherStopWait):
			cw.logger.Warn("config watcher goroutine did not exit in time")
		}
	})
	return nil
}
