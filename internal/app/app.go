// Package app provides the main application orchestration and integration layer.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/proteus/internal/directory"
	"github.com/geekxflood/proteus/internal/engine"
	"github.com/geekxflood/proteus/internal/frontend"
	"github.com/geekxflood/proteus/internal/metrics"
	"github.com/geekxflood/proteus/internal/reload"
	"github.com/geekxflood/proteus/internal/rowstatus"
	"github.com/geekxflood/proteus/internal/seed"
	"github.com/geekxflood/proteus/internal/storage"
	"github.com/geekxflood/proteus/internal/table"
)

// AppConfig holds configuration for the main application
type AppConfig struct {
	Name            string        `json:"name"`
	Version         string        `json:"version"`
	LogLevel        string        `json:"log_level"`
	LogFormat       string        `json:"log_format"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	SeedPath        string        `json:"seed_path"`
}

// DefaultAppConfig returns a default application configuration
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Name:            "proteus",
		Version:         "1.0.0",
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownTimeout: 30 * time.Second,
	}
}

func loadAppConfig(cfg config.Provider) *AppConfig {
	appConfig := DefaultAppConfig()

	if name, err := cfg.GetString("app.name", appConfig.Name); err == nil {
		appConfig.Name = name
	}
	if version, err := cfg.GetString("app.version", appConfig.Version); err == nil {
		appConfig.Version = version
	}
	if logLevel, err := cfg.GetString("app.log_level", appConfig.LogLevel); err == nil {
		appConfig.LogLevel = logLevel
	}
	if logFormat, err := cfg.GetString("app.log_format", appConfig.LogFormat); err == nil {
		appConfig.LogFormat = logFormat
	}
	if shutdownTimeout, err := cfg.GetDuration("app.shutdown_timeout", appConfig.ShutdownTimeout); err == nil {
		appConfig.ShutdownTimeout = shutdownTimeout
	}
	if seedPath, err := cfg.GetString("seed.path", appConfig.SeedPath); err == nil {
		appConfig.SeedPath = seedPath
	}
	return appConfig
}

// Application is the SNMP agent: seeded managed objects behind a request
// engine served over UDP.
type Application struct {
	config         *AppConfig
	configManager  config.Manager
	configProvider config.Provider
	configFile     string
	logger         logging.Logger

	directory *directory.Directory
	processor *engine.Processor
	agent     *frontend.Agent
	storage   *storage.Storage
	metrics   *metrics.MetricsManager
	reloader  *reload.ReloadManager
	seeds     *seedSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats *AppStats
	mu    sync.RWMutex
}

// AppStats tracks application-wide statistics
type AppStats struct {
	StartTime      time.Time              `json:"start_time"`
	Uptime         time.Duration          `json:"uptime"`
	ComponentStats map[string]interface{} `json:"component_stats"`
	HealthStatus   string                 `json:"health_status"`
}

// NewApplication creates the application from a configuration manager.
func NewApplication(configManager config.Manager) (*Application, error) {
	if configManager == nil {
		return nil, fmt.Errorf("configuration manager cannot be nil")
	}

	configProvider := configManager.(config.Provider)
	appConfig := loadAppConfig(configProvider)

	logger, _, err := logging.NewLogger(logging.Config{
		Level:  appConfig.LogLevel,
		Format: appConfig.LogFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config:         appConfig,
		configManager:  configManager,
		configProvider: configProvider,
		logger:         logger.With("component", "app"),
		ctx:            ctx,
		cancel:         cancel,
		stats: &AppStats{
			StartTime:      time.Now(),
			ComponentStats: make(map[string]interface{}),
			HealthStatus:   "starting",
		},
	}

	app.logger.Info("Creating SNMP agent application",
		"name", appConfig.Name,
		"version", appConfig.Version)

	return app, nil
}

// SetConfigFile names the configuration file watched for hot reload.
func (a *Application) SetConfigFile(path string) {
	a.configFile = path
}

// Initialize creates every component and loads the managed objects.
func (a *Application) Initialize() error {
	a.logger.Info("Initializing application components")

	var err error
	if a.metrics, err = metrics.NewMetricsManager(a.configProvider, a.logger); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	a.directory = directory.New(a.logger)
	a.metrics.SetRegistrationSource(a.directory.Len)

	a.seeds = &seedSet{app: a}
	if err := a.seeds.install(a.config.SeedPath); err != nil {
		return fmt.Errorf("failed to install managed objects: %w", err)
	}

	if err := a.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if a.processor, err = engine.NewProcessor(a.configProvider, a.directory, a.logger); err != nil {
		return fmt.Errorf("failed to initialize request processor: %w", err)
	}
	a.processor.SetObserver(a.metrics)

	if a.agent, err = frontend.NewAgent(a.configProvider, a.processor, a.logger); err != nil {
		return fmt.Errorf("failed to initialize SNMP agent: %w", err)
	}

	if a.reloader, err = reload.NewReloadManager(a.configManager, a.logger); err != nil {
		return fmt.Errorf("failed to initialize reload manager: %w", err)
	}
	a.reloader.SetConfigFile(a.configFile)
	a.reloader.SetSeedFile(a.config.SeedPath)
	a.reloader.RegisterComponent("engine", a.processor, reload.ReloadTypeConfig)
	a.reloader.RegisterComponent("seed", a.seeds, reload.ReloadTypeSeed)

	a.logger.Info("Application components initialized successfully",
		"registrations", a.directory.Len(),
		"contexts", len(a.directory.Contexts()))
	return nil
}

func (a *Application) initializeStorage() error {
	enabled, _ := a.configProvider.GetBool("storage.enabled", storage.DefaultStorageConfig().Enabled)
	if !enabled {
		a.logger.Info("Persistence is disabled")
		return nil
	}

	s, err := storage.NewStorage(a.configProvider, a.logger)
	if err != nil {
		return err
	}
	s.SetObserver(a.metrics)
	a.storage = s

	if _, err := s.Restore(a.ctx, a.directory); err != nil {
		return fmt.Errorf("failed to restore stored state: %w", err)
	}
	return nil
}

// Start starts every component; the agent starts last.
func (a *Application) Start() error {
	a.logger.Info("Starting SNMP agent application")

	if err := a.metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}
	if err := a.processor.Start(); err != nil {
		return fmt.Errorf("failed to start request processor: %w", err)
	}
	if a.storage != nil {
		a.storage.Start(a.directory)
	}
	if err := a.reloader.Start(); err != nil {
		return fmt.Errorf("failed to start reload manager: %w", err)
	}
	if err := a.agent.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start SNMP agent: %w", err)
	}

	a.wg.Add(1)
	go a.statsUpdater()

	a.setHealth("healthy")
	a.metrics.SetReady(true)
	return nil
}

// Run starts the application and blocks until shutdown. SIGHUP reloads the
// configuration.
func (a *Application) Run() error {
	if err := a.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	a.logger.Info("Application started successfully. Serving SNMP requests...")

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := a.reloader.TriggerReload(reload.ReloadTypeConfig, "signal"); err != nil {
					a.logger.Error("Reload on SIGHUP failed", "error", err.Error())
				}
				continue
			}
			a.logger.Info("Received shutdown signal", "signal", sig.String())
			return a.Shutdown()
		case <-a.ctx.Done():
			a.logger.Info("Application context cancelled")
			return a.Shutdown()
		}
	}
}

// Shutdown stops every component in reverse start order and writes the
// final state.
func (a *Application) Shutdown() error {
	a.logger.Info("Shutting down application")
	a.setHealth("shutting_down")
	if a.metrics != nil {
		a.metrics.SetReady(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer shutdownCancel()

	a.cancel()

	var shutdownErrors []error

	if a.agent != nil {
		if err := a.agent.Stop(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("agent shutdown error: %w", err))
		}
	}

	if a.reloader != nil {
		if err := a.reloader.Stop(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("reload manager shutdown error: %w", err))
		}
	}

	if a.processor != nil {
		if err := a.processor.Stop(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("processor shutdown error: %w", err))
		}
	}

	if a.storage != nil {
		if err := a.storage.Save(shutdownCtx, a.directory); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("final save error: %w", err))
		}
		if err := a.storage.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("storage shutdown error: %w", err))
		}
	}

	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics shutdown error: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
		shutdownErrors = append(shutdownErrors, fmt.Errorf("shutdown timeout"))
	}

	a.setHealth("stopped")

	if len(shutdownErrors) > 0 {
		a.logger.Error("Shutdown completed with errors", "error_count", len(shutdownErrors))
		return fmt.Errorf("shutdown errors: %v", shutdownErrors)
	}

	a.logger.Info("Application shutdown completed successfully")
	return nil
}

// statsUpdater periodically updates application statistics
func (a *Application) statsUpdater() {
	defer a.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.updateStats()
		}
	}
}

// updateStats updates application statistics
func (a *Application) updateStats() {
	component := map[string]interface{}{
		"directory": a.directory.GetStats(),
	}
	if a.processor != nil {
		component["processor"] = a.processor.GetStats()
	}
	if a.agent != nil {
		component["agent"] = a.agent.GetStats()
	}
	if a.storage != nil {
		component["storage"] = a.storage.GetStats()
	}
	if a.reloader != nil {
		component["reload"] = a.reloader.GetStats()
	}
	if a.seeds != nil {
		component["seed"] = a.seeds.stats()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Uptime = time.Since(a.stats.StartTime)
	a.stats.ComponentStats = component
}

// GetStats returns application statistics
func (a *Application) GetStats() *AppStats {
	a.updateStats()

	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := *a.stats
	stats.ComponentStats = make(map[string]interface{}, len(a.stats.ComponentStats))
	for key, value := range a.stats.ComponentStats {
		stats.ComponentStats[key] = value
	}
	return &stats
}

func (a *Application) setHealth(status string) {
	a.mu.Lock()
	a.stats.HealthStatus = status
	a.mu.Unlock()
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *AppConfig {
	return a.config
}

// GetLogger returns the application logger
func (a *Application) GetLogger() logging.Logger {
	return a.logger
}

// Directory returns the object directory.
func (a *Application) Directory() *directory.Directory {
	return a.directory
}

// Agent returns the UDP agent.
func (a *Application) Agent() *frontend.Agent {
	return a.agent
}

// IsHealthy returns whether the application is healthy
func (a *Application) IsHealthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.HealthStatus == "healthy"
}

// seedSet owns the handlers installed from the seed file and swaps them on
// reload.
type seedSet struct {
	app *Application

	mu       sync.Mutex
	path     string
	context  string
	handlers []seed.Handler

	rowChanges atomic.Int64
}

func (s *seedSet) install(path string) error {
	def, err := seed.Load(path)
	if err != nil {
		return err
	}
	handlers, err := def.Install(s.app.directory, s.app.stats.StartTime)
	if err != nil {
		return err
	}

	for _, h := range handlers {
		if tbl, ok := h.Handler.(*table.Table); ok {
			s.watchRows(h.Name, tbl)
		}
	}

	s.mu.Lock()
	s.path, s.context, s.handlers = path, def.Context, handlers
	s.mu.Unlock()

	s.app.logger.Info("Managed objects installed", "seed", displayPath(path), "context", def.Context, "objects", len(handlers))
	return nil
}

// watchRows logs committed row changes of a seeded table.
func (s *seedSet) watchRows(name string, tbl *table.Table) {
	logger := s.app.logger.With("table", name)
	tbl.Controller().AddListener(rowstatus.RowChangeFunc(func(e rowstatus.RowChangeEvent) {
		s.rowChanges.Add(1)
		logger.Info("Row changed",
			"index", e.Index.String(),
			"event", e.Type.String(),
			"status", e.NewStatus.String())
	}))
}

func (s *seedSet) stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"path":        displayPath(s.path),
		"objects":     len(s.handlers),
		"row_changes": s.rowChanges.Load(),
	}
}

// Reload re-reads seed.path and replaces the installed handlers. Stored
// state is saved before the swap and restored into the new handlers.
func (s *seedSet) Reload(cfg config.Provider) error {
	path, _ := cfg.GetString("seed.path", "")

	def, err := seed.Load(path)
	if err != nil {
		return err
	}
	// Build before touching the directory so a bad seed leaves it intact.
	if _, err := def.Build(s.app.stats.StartTime); err != nil {
		return err
	}

	a := s.app
	if a.storage != nil {
		if err := a.storage.Save(a.ctx, a.directory); err != nil {
			a.logger.Warn("Saving state before seed reload failed", "error", err.Error())
		}
	}

	s.mu.Lock()
	old, oldContext, oldPath := s.handlers, s.context, s.path
	s.mu.Unlock()

	unregister(a.directory, oldContext, old)
	if err := s.install(path); err != nil {
		// Put the previous objects back.
		for _, h := range old {
			if rerr := a.directory.Register(h.Handler.Scope(), []byte(oldContext), h.Handler); rerr != nil {
				a.logger.Error("Failed to restore managed object", "name", h.Name, "error", rerr.Error())
			}
		}
		s.mu.Lock()
		s.path, s.context, s.handlers = oldPath, oldContext, old
		s.mu.Unlock()
		return err
	}

	if a.storage != nil {
		if _, err := a.storage.Restore(a.ctx, a.directory); err != nil {
			a.logger.Warn("Restoring state after seed reload failed", "error", err.Error())
		}
	}
	return nil
}

func unregister(dir *directory.Directory, context string, handlers []seed.Handler) {
	for _, h := range handlers {
		dir.Unregister(h.Handler.Scope(), []byte(context))
	}
}

func displayPath(path string) string {
	if path == "" {
		return "<embedded>"
	}
	return path
}
