// Package storage persists the state of serializable managed objects in
// SQLite and restores it on start.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/geekxflood/proteus/internal/directory"
	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/retry"
	"github.com/geekxflood/proteus/internal/types"
)

// StorageConfig holds configuration for the persistence layer.
type StorageConfig struct {
	Enabled          bool          `json:"enabled"`
	DatabaseType     string        `json:"database_type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	SaveInterval     time.Duration `json:"save_interval"`
}

// DefaultStorageConfig returns a default storage configuration.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		Enabled:          true,
		DatabaseType:     "sqlite3",
		ConnectionString: "./proteus.db",
		MaxConnections:   4,
		SaveInterval:     time.Minute,
	}
}

// Source lists the registrations whose state is saved.
type Source interface {
	Snapshot() []directory.Registration
}

// SaveObserver is told about every save.
type SaveObserver interface {
	SaveCompleted(rows int, duration time.Duration, err error)
}

// Record is one stored row of one registration.
type Record struct {
	Context string
	Key     string
	Order   int
	Index   oid.OID
	Values  []types.Variable
	SavedAt time.Time
}

// Storage writes snapshots of serializable handlers keyed by context,
// registration and row index.
type Storage struct {
	config  *StorageConfig
	db      *sql.DB
	logger  logging.Logger
	retryer *retry.Retryer
	obs     SaveObserver

	mu    sync.Mutex
	stats storageStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type storageStats struct {
	saves    int64
	failures int64
	rows     int64
	lastSave time.Time
	restored int64
}

// NewStorage opens the database and creates the schema.
func NewStorage(cfg config.Provider, logger logging.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	storageConfig := DefaultStorageConfig()

	if enabled, err := cfg.GetBool("storage.enabled", storageConfig.Enabled); err == nil {
		storageConfig.Enabled = enabled
	}
	if dbType, err := cfg.GetString("storage.database_type", storageConfig.DatabaseType); err == nil {
		storageConfig.DatabaseType = dbType
	}
	if connStr, err := cfg.GetString("storage.connection_string", storageConfig.ConnectionString); err == nil {
		storageConfig.ConnectionString = connStr
	}
	if maxConn, err := cfg.GetInt("storage.max_connections", storageConfig.MaxConnections); err == nil && maxConn > 0 {
		storageConfig.MaxConnections = maxConn
	}
	if interval, err := cfg.GetDuration("storage.save_interval", storageConfig.SaveInterval); err == nil {
		storageConfig.SaveInterval = interval
	}

	retryer, err := retry.NewRetryer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create retryer: %w", err)
	}

	db, err := sql.Open(storageConfig.DatabaseType, storageConfig.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(storageConfig.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		config:  storageConfig,
		db:      db,
		logger:  logger.With("component", "storage"),
		retryer: retryer,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.initSchema(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		context TEXT NOT NULL,
		registration TEXT NOT NULL,
		row_index TEXT NOT NULL,
		row_order INTEGER NOT NULL,
		value_list TEXT NOT NULL,
		saved_at DATETIME NOT NULL,
		PRIMARY KEY (context, registration, row_index)
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create objects table: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_objects_registration ON objects(context, registration, row_order);"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// Enabled reports whether persistence is switched on.
func (s *Storage) Enabled() bool {
	return s.config.Enabled
}

// SetObserver sets the observer told about saves. Call before Start.
func (s *Storage) SetObserver(o SaveObserver) {
	s.obs = o
}

// registrationKey identifies a registration across restarts by its lower
// bound.
func registrationKey(scope oid.Scope) string {
	return scope.Lower.String()
}

// Save replaces the stored rows of every serializable registration of src
// in one transaction.
func (s *Storage) Save(ctx context.Context, src Source) error {
	type batch struct {
		context string
		key     string
		rows    []mo.RowSnapshot
	}

	var batches []batch
	for _, reg := range src.Snapshot() {
		ser, ok := reg.Handler.(mo.Serializable)
		if !ok {
			continue
		}
		rows, err := ser.Snapshot()
		if err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", reg.Scope, err)
		}
		batches = append(batches, batch{context: reg.Context, key: registrationKey(reg.Scope), rows: rows})
	}

	start := time.Now()
	total := 0
	result := s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		total = 0
		for _, b := range batches {
			if _, err := tx.ExecContext(ctx, "DELETE FROM objects WHERE context = ? AND registration = ?", b.context, b.key); err != nil {
				return fmt.Errorf("failed to clear %s: %w", b.key, err)
			}
			for i, row := range b.rows {
				values, err := json.Marshal(row.Values)
				if err != nil {
					return fmt.Errorf("failed to marshal row %s of %s: %w", row.Index, b.key, err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO objects (context, registration, row_index, row_order, value_list, saved_at)
					VALUES (?, ?, ?, ?, ?, ?)
				`, b.context, b.key, row.Index.String(), i, string(values), now); err != nil {
					return fmt.Errorf("failed to insert row %s of %s: %w", row.Index, b.key, err)
				}
				total++
			}
		}
		return tx.Commit()
	})

	if s.obs != nil {
		s.obs.SaveCompleted(total, time.Since(start), result.Err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if result.Err != nil {
		s.stats.failures++
		return fmt.Errorf("failed to save objects after %d attempts: %w", result.Attempts, result.Err)
	}
	s.stats.saves++
	s.stats.rows = int64(total)
	s.stats.lastSave = time.Now()

	s.logger.Debug("Objects saved", "registrations", len(batches), "rows", total, "attempts", result.Attempts)
	return nil
}

// Load returns the stored rows of one registration in saved order.
func (s *Storage) Load(ctx context.Context, contextName string, scope oid.Scope) ([]Record, error) {
	key := registrationKey(scope)
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_index, row_order, value_list, saved_at FROM objects
		WHERE context = ? AND registration = ?
		ORDER BY row_order ASC
	`, contextName, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{Context: contextName, Key: key}
		var index, values string
		if err := rows.Scan(&index, &rec.Order, &values, &rec.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		if rec.Index, err = oid.Parse(index); err != nil {
			return nil, fmt.Errorf("stored row index %q of %s: %w", index, key, err)
		}
		if err := json.Unmarshal([]byte(values), &rec.Values); err != nil {
			return nil, fmt.Errorf("stored row %s of %s: %w", index, key, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Records returns every stored row ordered by context, registration and
// saved order.
func (s *Storage) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT context, registration, row_index, row_order, value_list, saved_at FROM objects
		ORDER BY context, registration, row_order ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var index, values string
		if err := rows.Scan(&rec.Context, &rec.Key, &index, &rec.Order, &values, &rec.SavedAt); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		if rec.Index, err = oid.Parse(index); err != nil {
			return nil, fmt.Errorf("stored row index %q of %s: %w", index, rec.Key, err)
		}
		if err := json.Unmarshal([]byte(values), &rec.Values); err != nil {
			return nil, fmt.Errorf("stored row %s of %s: %w", index, rec.Key, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Restore loads the stored state into every serializable registration of
// src that has saved rows. A registration that rejects its rows is logged
// and left as it is.
func (s *Storage) Restore(ctx context.Context, src Source) (int, error) {
	restored := 0
	for _, reg := range src.Snapshot() {
		ser, ok := reg.Handler.(mo.Serializable)
		if !ok {
			continue
		}
		records, err := s.Load(ctx, reg.Context, reg.Scope)
		if err != nil {
			return restored, err
		}
		if len(records) == 0 {
			continue
		}
		rows := make([]mo.RowSnapshot, len(records))
		for i, rec := range records {
			rows[i] = mo.RowSnapshot{Index: rec.Index, Values: rec.Values}
		}
		if err := ser.Restore(rows); err != nil {
			s.logger.Warn("Discarding stored state", "context", reg.Context, "scope", reg.Scope.String(), "error", err.Error())
			continue
		}
		restored++
	}

	s.mu.Lock()
	s.stats.restored += int64(restored)
	s.mu.Unlock()

	s.logger.Info("Objects restored", "registrations", restored)
	return restored, nil
}

// Start saves src every SaveInterval until Close.
func (s *Storage) Start(src Source) {
	if s.config.SaveInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.saveWorker(src)
}

func (s *Storage) saveWorker(src Source) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Save(s.ctx, src); err != nil {
				s.logger.Error("Periodic save failed", "error", err.Error())
			}
		}
	}
}

// GetStats returns storage statistics.
func (s *Storage) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"enabled":        s.config.Enabled,
		"saves_total":    s.stats.saves,
		"failures_total": s.stats.failures,
		"rows_saved":     s.stats.rows,
		"restored_total": s.stats.restored,
		"retry":          s.retryer.GetStats(),
	}
	if !s.stats.lastSave.IsZero() {
		stats["last_save"] = s.stats.lastSave
	}
	return stats
}

// Close stops the save worker and closes the database.
func (s *Storage) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}
