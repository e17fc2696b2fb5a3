// Package reload re-reads the configuration and seed files while the agent
// runs, either on file change or on request.
package reload

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
)

// ReloadType selects what a reload covers.
type ReloadType string

const (
	// ReloadTypeConfig re-reads the configuration, then reloads every
	// component, seed components included.
	ReloadTypeConfig ReloadType = "config"
	// ReloadTypeSeed reloads seed components only.
	ReloadTypeSeed ReloadType = "seed"
	ReloadTypeAll  ReloadType = "all"
)

// ReloadEvent records one reload attempt.
type ReloadEvent struct {
	Type      ReloadType    `json:"type"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ReloadHandler is called after every reload attempt.
type ReloadHandler func(event ReloadEvent) error

// ComponentReloader is a component that re-reads its settings.
type ComponentReloader interface {
	Reload(configProvider config.Provider) error
}

// ReloadConfig holds the reload settings.
type ReloadConfig struct {
	Enabled              bool          `json:"enabled"`
	ConfigFile           string        `json:"config_file"`
	SeedFile             string        `json:"seed_file"`
	WatchConfigFile      bool          `json:"watch_config_file"`
	WatchSeedFile        bool          `json:"watch_seed_file"`
	ReloadDelay          time.Duration `json:"reload_delay"`
	ValidateBeforeReload bool          `json:"validate_before_reload"`
	HistorySize          int           `json:"history_size"`
}

// DefaultReloadConfig returns the default reload settings.
func DefaultReloadConfig() *ReloadConfig {
	return &ReloadConfig{
		Enabled:              true,
		WatchConfigFile:      true,
		WatchSeedFile:        true,
		ReloadDelay:          2 * time.Second,
		ValidateBeforeReload: true,
		HistorySize:          100,
	}
}

func loadReloadConfig(cfg config.Provider) *ReloadConfig {
	c := DefaultReloadConfig()
	if v, err := cfg.GetBool("reload.enabled", c.Enabled); err == nil {
		c.Enabled = v
	}
	if v, err := cfg.GetBool("reload.watch_config_file", c.WatchConfigFile); err == nil {
		c.WatchConfigFile = v
	}
	if v, err := cfg.GetBool("reload.watch_seed_file", c.WatchSeedFile); err == nil {
		c.WatchSeedFile = v
	}
	if v, err := cfg.GetDuration("reload.reload_delay", c.ReloadDelay); err == nil && v >= 0 {
		c.ReloadDelay = v
	}
	if v, err := cfg.GetBool("reload.validate_before_reload", c.ValidateBeforeReload); err == nil {
		c.ValidateBeforeReload = v
	}
	if v, err := cfg.GetInt("reload.history_size", c.HistorySize); err == nil && v > 0 {
		c.HistorySize = v
	}
	return c
}

// ReloadStats tracks reload statistics
type ReloadStats struct {
	TotalReloads       int64         `json:"total_reloads"`
	SuccessfulReloads  int64         `json:"successful_reloads"`
	FailedReloads      int64         `json:"failed_reloads"`
	LastReloadTime     time.Time     `json:"last_reload_time"`
	LastReloadDuration time.Duration `json:"last_reload_duration"`
	AverageReloadTime  time.Duration `json:"average_reload_time"`
	ConfigReloads      int64         `json:"config_reloads"`
	SeedReloads        int64         `json:"seed_reloads"`
}

type component struct {
	reloader ComponentReloader
	on       ReloadType
}

// ReloadManager runs reloads for the registered components. Reloads are
// serialized: a reload requested while another runs waits for it.
type ReloadManager struct {
	config        *ReloadConfig
	logger        logging.Logger
	configManager config.Manager
	provider      config.Provider
	watcher       *fsnotify.Watcher

	mu         sync.RWMutex
	components map[string]component
	handlers   []ReloadHandler
	history    []ReloadEvent
	stats      ReloadStats

	reloadMu   sync.Mutex
	inProgress atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReloadManager creates a reload manager reading reload.* from
// configManager.
func NewReloadManager(configManager config.Manager, logger logging.Logger) (*ReloadManager, error) {
	if configManager == nil {
		return nil, fmt.Errorf("config manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	provider := configManager.(config.Provider)
	rm := &ReloadManager{
		config:        loadReloadConfig(provider),
		logger:        logger.With("component", "reload"),
		configManager: configManager,
		provider:      provider,
		components:    make(map[string]component),
		done:          make(chan struct{}),
	}

	if rm.config.Enabled {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		rm.watcher = watcher
	}
	return rm, nil
}

// Start watches the configured files. Their directories are watched rather
// than the files, so a file replaced by rename is still seen.
func (rm *ReloadManager) Start() error {
	if !rm.config.Enabled {
		rm.logger.Info("Hot reload is disabled")
		return nil
	}

	dirs := make(map[string]bool)
	for _, file := range rm.watchedFiles() {
		dir := filepath.Dir(file)
		if dirs[dir] {
			continue
		}
		if err := rm.watcher.Add(dir); err != nil {
			rm.logger.Warn("Failed to watch directory", "dir", dir, "error", err.Error())
			continue
		}
		dirs[dir] = true
		rm.logger.Info("Watching for changes", "file", file)
	}

	rm.wg.Add(1)
	go rm.watchFiles()

	rm.logger.Info("Reload manager started", "reload_delay", rm.config.ReloadDelay)
	return nil
}

func (rm *ReloadManager) watchedFiles() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var files []string
	if rm.config.WatchConfigFile && rm.config.ConfigFile != "" {
		files = append(files, rm.config.ConfigFile)
	}
	if rm.config.WatchSeedFile && rm.config.SeedFile != "" {
		files = append(files, rm.config.SeedFile)
	}
	return files
}

// Stop stops watching and waits for a pending reload to finish.
func (rm *ReloadManager) Stop() error {
	if !rm.config.Enabled {
		return nil
	}

	rm.stopOnce.Do(func() {
		close(rm.done)
		if err := rm.watcher.Close(); err != nil {
			rm.logger.Error("Error closing file watcher", "error", err.Error())
		}
		rm.wg.Wait()
		rm.logger.Info("Reload manager stopped")
	})
	return nil
}

// RegisterComponent registers a component reloaded on events of type on.
// Config reloads also reach seed components.
func (rm *ReloadManager) RegisterComponent(name string, reloader ComponentReloader, on ReloadType) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.components[name] = component{reloader: reloader, on: on}
	rm.logger.Debug("Registered component for hot reload", "component", name, "on", on)
}

// UnregisterComponent removes a component.
func (rm *ReloadManager) UnregisterComponent(name string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.components, name)
}

// AddHandler adds a handler called after every reload attempt.
func (rm *ReloadManager) AddHandler(handler ReloadHandler) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.handlers = append(rm.handlers, handler)
}

// SetConfigFile sets the configuration file to watch. Call before Start.
func (rm *ReloadManager) SetConfigFile(configFile string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.config.ConfigFile = cleanPath(configFile)
}

// SetSeedFile sets the seed file to watch. Call before Start.
func (rm *ReloadManager) SetSeedFile(seedFile string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.config.SeedFile = cleanPath(seedFile)
}

func cleanPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// TriggerReload runs a reload of reloadType now.
func (rm *ReloadManager) TriggerReload(reloadType ReloadType, source string) error {
	if !rm.config.Enabled {
		return fmt.Errorf("hot reload is disabled")
	}
	return rm.performReload(reloadType, source)
}

// GetStats returns reload statistics
func (rm *ReloadManager) GetStats() *ReloadStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	stats := rm.stats
	return &stats
}

// GetRecentEvents returns up to limit of the latest events, oldest first.
// A limit of zero or less returns the whole history.
func (rm *ReloadManager) GetRecentEvents(limit int) []ReloadEvent {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if limit <= 0 || limit > len(rm.history) {
		limit = len(rm.history)
	}
	return slices.Clone(rm.history[len(rm.history)-limit:])
}

// IsReloadInProgress reports whether a reload is running.
func (rm *ReloadManager) IsReloadInProgress() bool {
	return rm.inProgress.Load()
}

// watchFiles collects changes to the watched files and reloads once they
// have been quiet for ReloadDelay.
func (rm *ReloadManager) watchFiles() {
	defer rm.wg.Done()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending = make(map[ReloadType][]string)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-rm.done:
			return

		case event, ok := <-rm.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			reloadType := rm.determineReloadType(event.Name)
			if reloadType == "" {
				continue
			}
			rm.logger.Debug("Watched file changed", "file", event.Name, "op", event.Op.String())

			if !slices.Contains(pending[reloadType], event.Name) {
				pending[reloadType] = append(pending[reloadType], event.Name)
			}
			if timer == nil {
				timer = time.NewTimer(rm.config.ReloadDelay)
			} else {
				timer.Reset(rm.config.ReloadDelay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			rm.flush(pending)
			clear(pending)

		case err, ok := <-rm.watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("File watcher error", "error", err.Error())
		}
	}
}

// flush runs one reload for the collected changes. A config change covers
// the seed components too, so it absorbs a pending seed change.
func (rm *ReloadManager) flush(pending map[ReloadType][]string) {
	reloadType := ReloadTypeSeed
	if _, ok := pending[ReloadTypeConfig]; ok {
		reloadType = ReloadTypeConfig
	}

	var files []string
	for _, f := range pending {
		files = append(files, f...)
	}
	sort.Strings(files)

	if err := rm.performReload(reloadType, "files: "+strings.Join(files, ", ")); err != nil {
		rm.logger.Error("Reload after file change failed", "type", reloadType, "error", err.Error())
	}
}

// determineReloadType maps a changed path to the reload it needs, or ""
// when the path is not watched.
func (rm *ReloadManager) determineReloadType(path string) ReloadType {
	path = cleanPath(path)

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	switch {
	case path == "":
		return ""
	case path == rm.config.ConfigFile:
		return ReloadTypeConfig
	case path == rm.config.SeedFile:
		return ReloadTypeSeed
	}
	return ""
}

func (rm *ReloadManager) performReload(reloadType ReloadType, source string) error {
	rm.reloadMu.Lock()
	defer rm.reloadMu.Unlock()

	rm.inProgress.Store(true)
	defer rm.inProgress.Store(false)

	logger := rm.logger.With("type", reloadType, "source", source)
	logger.Info("Reloading")

	event := ReloadEvent{Type: reloadType, Source: source, Timestamp: time.Now()}

	var err error
	switch reloadType {
	case ReloadTypeConfig, ReloadTypeAll:
		err = rm.reloadConfiguration()
	case ReloadTypeSeed:
		err = rm.reloadComponents(ReloadTypeSeed)
	default:
		err = fmt.Errorf("unknown reload type: %s", reloadType)
	}

	event.Duration = time.Since(event.Timestamp)
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	}
	rm.recordEvent(event)
	rm.notifyHandlers(event)

	if err != nil {
		logger.Error("Reload failed", "duration", event.Duration, "error", err.Error())
		return err
	}
	logger.Info("Reload completed", "duration", event.Duration)
	return nil
}

// reloadConfiguration re-reads the configuration file, then reloads the
// config components followed by the seed components.
func (rm *ReloadManager) reloadConfiguration() error {
	if rm.config.ValidateBeforeReload {
		if err := rm.configManager.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	if err := rm.configManager.Reload(); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	if err := rm.reloadComponents(ReloadTypeConfig); err != nil {
		return err
	}
	return rm.reloadComponents(ReloadTypeSeed)
}

// reloadComponents reloads the components registered for reloadType in
// name order and stops at the first failure.
func (rm *ReloadManager) reloadComponents(reloadType ReloadType) error {
	type named struct {
		name     string
		reloader ComponentReloader
	}

	rm.mu.RLock()
	var targets []named
	for name, c := range rm.components {
		if c.on == reloadType {
			targets = append(targets, named{name, c.reloader})
		}
	}
	rm.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })
	for _, t := range targets {
		if err := t.reloader.Reload(rm.provider); err != nil {
			return fmt.Errorf("failed to reload component %s: %w", t.name, err)
		}
	}
	return nil
}

// recordEvent adds event to the statistics and the bounded history.
func (rm *ReloadManager) recordEvent(event ReloadEvent) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s := &rm.stats
	s.TotalReloads++
	s.LastReloadTime = event.Timestamp
	s.LastReloadDuration = event.Duration
	if event.Success {
		s.SuccessfulReloads++
		s.AverageReloadTime += (event.Duration - s.AverageReloadTime) / time.Duration(s.SuccessfulReloads)
	} else {
		s.FailedReloads++
	}
	switch event.Type {
	case ReloadTypeConfig, ReloadTypeAll:
		s.ConfigReloads++
	case ReloadTypeSeed:
		s.SeedReloads++
	}

	rm.history = append(rm.history, event)
	if over := len(rm.history) - rm.config.HistorySize; over > 0 {
		rm.history = slices.Delete(rm.history, 0, over)
	}
}

// notifyHandlers calls every handler in registration order.
func (rm *ReloadManager) notifyHandlers(event ReloadEvent) {
	rm.mu.RLock()
	handlers := slices.Clone(rm.handlers)
	rm.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			rm.logger.Warn("Reload handler error", "error", err.Error())
		}
	}
}
