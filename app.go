package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// AppOptions are the startup overrides given on the command line
type AppOptions struct {
	ConfigPath  string
	Serial      string
	LogLevel    string
	MetricsAddr string
}

// NewApp creates a new App application struct
func NewApp(opts AppOptions) *App {
	return &App{
		opts:            opts,
		logger:          zap.NewNop(),
		resourceManager: NewResourceManager(),
	}
}

// startup loads the configuration and wires every manager. The context is
// the scope of all background work; shutdown cancels it.
func (a *App) startup(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	path := a.opts.ConfigPath
	if path == "" {
		var err error
		if path, err = DefaultConfigPath(); err != nil {
			return err
		}
	}

	// the logger is configured by the file it is about to read
	a.config = NewConfigManager(path, zap.NewNop())
	if err := a.config.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := a.config.Config()

	logger, level, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if a.opts.LogLevel != "" {
		setLogLevel(level, a.opts.LogLevel)
	}
	a.logger, a.level = logger, level
	a.config.logger = logger.Named("config")

	a.executor = NewCommandExecutor(cfg.ResolveWorkDir(), logger)
	a.jobs = NewJobRegistry(a.ctx, logger)
	a.messages = NewMessageManager(logger)
	a.shells = NewShellManager(a.executor, logger)

	timeout := cfg.CommandTimeout()
	a.primary = NewProtocol(ProtocolPrimary, findToolExecutable(cfg.PrimaryExecutable), timeout, cfg.Charset)
	a.secondary = NewProtocol(ProtocolSecondary, findToolExecutable(cfg.SecondaryExecutable), timeout, cfg.Charset)
	protocols := []Protocol{a.primary, a.secondary}

	a.connection = NewConnectionManager(ConnectionOptions{
		Runner:     a.executor,
		Jobs:       a.jobs,
		Shell:      NewSSHRemoteShell(cfg.Escalation, logger),
		Notify:     a.messages,
		Settings:   a.config,
		Primary:    a.primary,
		Secondary:  a.secondary,
		Escalation: cfg.Escalation,
		Logger:     logger,
	})
	a.files = NewRemoteFileTree(a.executor, a.jobs, a.messages, protocols, logger)
	a.processes = NewProcessMonitor(a.executor, a.jobs, a.messages, protocols, logger)

	// closed in reverse: watcher first, executor last
	a.resourceManager.Register(a.executor)
	a.resourceManager.Register(a.config)
	a.resourceManager.Register(a.messages)
	a.resourceManager.Register(a.shells)
	a.resourceManager.Register(a.jobs)
	a.resourceManager.Register(a.processes)
	a.resourceManager.Register(a.files)

	if watcher, err := StartConfigWatcher(a.config, logger); err != nil {
		logger.Warn("config changes on disk will not be picked up", zap.Error(err))
	} else {
		a.watcher = watcher
		a.resourceManager.Register(watcher)
	}

	if a.opts.MetricsAddr != "" {
		go serveMetrics(a.ctx, a.opts.MetricsAddr, logger)
	}

	a.followSelection()
	a.connection.Start(a.ctx)

	if err := a.connection.Refresh(a.ctx); err != nil {
		a.messages.Warning(fmt.Sprintf("Device scan failed: %v", err))
	}
	if a.opts.Serial != "" {
		if err := a.connection.Select(a.opts.Serial); err != nil {
			logger.Warn("requested device not found", zap.String("serial", a.opts.Serial))
		}
	}
	// callers may use the file tree as soon as startup returns
	a.syncSelection()
	a.connection.MarkInitialized()

	logger.Debug("startup complete", zap.String("config", path))
	return nil
}

// followSelection pushes every selection change into the file tree and the
// process monitor
func (a *App) followSelection() {
	updates, stop := a.connection.Selected().Subscribe()
	a.resourceManager.Register(cleanupFunc(func() error {
		stop()
		return nil
	}))

	a.syncSelection()

	go func() {
		for {
			select {
			case <-a.ctx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				a.syncSelection()
			}
		}
	}()
}

// syncSelection applies the current selection. It reads the stream instead of
// taking a value so a late update can never restore an older device.
func (a *App) syncSelection() {
	a.selectionMu.Lock()
	defer a.selectionMu.Unlock()

	dev := a.connection.Selected().Get()
	a.files.SetDevice(dev)
	a.processes.SetDevice(dev)
}

// shutdown cancels the scope, then every job, then closes sessions and kills
// whatever processes are still tracked
func (a *App) shutdown() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.cancel == nil {
		return
	}
	a.logger.Debug("shutdown initiated")

	a.cancel()
	if a.jobs != nil {
		a.jobs.CancelAll()
	}
	if err := a.resourceManager.Cleanup(); err != nil {
		a.logger.Warn("cleanup finished with errors", zap.Error(err))
	}

	a.logger.Debug("shutdown completed")
	a.logger.Sync()
	a.cancel = nil
}
