// Package sqlite provides the SQLite implementation of the storage contracts:
// local records, change journal, cursors, and conflicts on a single database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/medirec/offsync/logging"
	"github.com/medirec/offsync/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrStoreClosed = errors.New("store is closed")
)

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including WAL mode
// and a bounded connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Use ":memory:" for tests.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      dataSourceName != ":memory:",
	}
	config.setDefaults()
	return config
}

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	logger *logging.Logger
}

// Compile-time check
var _ storage.Store = (*Store)(nil)

// New opens the database, configures the pool, and sets up the schema.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "opening sqlite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return s, nil
}

// NewWithDataSource is a convenience constructor using default configuration.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS records (
        collection      TEXT NOT NULL,
        id              TEXT NOT NULL,
        facility_id     TEXT NOT NULL DEFAULT '',
        fields          TEXT,
        field_times     TEXT,
        local_version   INTEGER NOT NULL DEFAULT 1,
        remote_version  INTEGER NOT NULL DEFAULT 0,
        synced_version  INTEGER NOT NULL DEFAULT 0,
        updated_at      TEXT NOT NULL,
        dirty           INTEGER NOT NULL DEFAULT 0,
        deleted         INTEGER NOT NULL DEFAULT 0,
        corrupt         INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (collection, id)
    );
    CREATE INDEX IF NOT EXISTS idx_records_dirty ON records (collection, dirty);

    CREATE TABLE IF NOT EXISTS journal (
        seq         INTEGER PRIMARY KEY AUTOINCREMENT,
        collection  TEXT NOT NULL,
        record_id   TEXT NOT NULL,
        op          TEXT NOT NULL,
        payload     TEXT NOT NULL,
        created_at  TEXT NOT NULL,
        retries     INTEGER NOT NULL DEFAULT 0,
        dead        INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_journal_pending ON journal (collection, dead, seq);
    CREATE INDEX IF NOT EXISTS idx_journal_record ON journal (collection, record_id);

    CREATE TABLE IF NOT EXISTS cursors (
        collection  TEXT PRIMARY KEY,
        cursor      TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS conflicts (
        id          TEXT PRIMARY KEY,
        collection  TEXT NOT NULL,
        record_id   TEXT NOT NULL,
        local       TEXT NOT NULL,
        remote      TEXT NOT NULL,
        detected_at TEXT NOT NULL,
        state       TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts (collection, record_id, state);
    `
	_, err := s.db.Exec(query)
	return err
}

// execer abstracts *sql.DB and *sql.Tx for statements shared between
// single-statement methods and multi-statement transactions.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
