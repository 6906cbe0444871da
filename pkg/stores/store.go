package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/conductor/pkg/engine"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds store configuration.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// DSN is the SQLite path or the Postgres connection URL.
	DSN string `yaml:"dsn" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
}

// dialect isolates the differences between SQL backends.
type dialect interface {
	name() string
	rebind(query string) string
	isUniqueViolation(err error) bool
	open(ctx context.Context, cfg Config) (*sql.DB, error)
	migrate(db *sql.DB) error
}

// SQLStore implements engine.Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	cfg     Config
	dialect dialect
	now     func() time.Time
}

var _ engine.Store = (*SQLStore)(nil)

// New creates a store for cfg.Driver.
func New(cfg Config) (*SQLStore, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg)
	case DriverPostgres:
		return NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the connection pool.
func (s *SQLStore) Init(ctx context.Context) error {
	db, err := s.dialect.open(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations for the store's dialect.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.dialect.migrate(s.db)
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Driver returns the dialect name.
func (s *SQLStore) Driver() string { return s.dialect.name() }

func (s *SQLStore) timestamp() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// conditional runs a version-guarded write and classifies a miss as
// NotFoundError or ConflictError.
func (s *SQLStore) conditional(ctx context.Context, table, kind, id string, version int64, query string, args ...interface{}) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var stored int64
	err = s.queryRow(ctx, "SELECT version FROM "+table+" WHERE id = ?", id).Scan(&stored)
	if err == sql.ErrNoRows {
		return engine.NewNotFoundError(kind, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s version: %w", kind, err)
	}
	return engine.NewConflictError(kind+" was modified concurrently", nil).
		WithResource(id).
		WithDetail("expected_version", version).
		WithDetail("stored_version", stored)
}

func (s *SQLStore) insertError(kind, id string, err error) error {
	if s.dialect.isUniqueViolation(err) {
		return engine.NewConflictError(kind+" already exists", err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(id)
	}
	return fmt.Errorf("failed to create %s: %w", kind, err)
}

func encodeJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json: %w", err)
	}
	return string(b), nil
}

// encodeArgs stores nil maps as "{}".
func encodeArgs(a engine.Args) (string, error) {
	if a == nil {
		return "{}", nil
	}
	return encodeJSON(a)
}

func decodeArgs(raw string) (engine.Args, error) {
	if raw == "" {
		return engine.Args{}, nil
	}
	out := engine.Args{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}
