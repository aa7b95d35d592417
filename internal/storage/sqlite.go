package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so that lexical order of stored timestamps is
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const busyTimeoutMS = 5000

const (
	migrateAttempts   = 20
	migrateRetryDelay = 50 * time.Millisecond
)

// Storage is the coordination store shared by every levelup process of one
// user. The handle keeps no idle connections: each operation opens a fresh
// connection and releases it when done, so nothing is held across a wait.
type Storage struct {
	db     *sql.DB
	path   string
	dsn    string
	alive  func(pid int) bool
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Storage)

// WithLivenessCheck replaces the process liveness check used by MarkDeadRuns.
func WithLivenessCheck(alive func(pid int) bool) Option {
	return func(s *Storage) { s.alive = alive }
}

func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Storage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(dbPath string, opts ...Option) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Storage{
		path:   dbPath,
		dsn:    dsn(dbPath),
		alive:  ProcessAlive,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	db.SetMaxIdleConns(0)
	s.db = db

	return s, nil
}

func dsn(path string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(0)&_txlock=immediate", path, busyTimeoutMS)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) migrate() error {
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return unavailable("open database for migration", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		db.Close()
		return unavailable("prepare migrations", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		db.Close()
		return unavailable("create migrator", err)
	}
	defer func() { _, _ = m.Close() }()

	// Another process may be midway through the same migrations; its dirty
	// marker clears once it finishes.
	for attempt := 1; ; attempt++ {
		err = m.Up()
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) && attempt < migrateAttempts {
			time.Sleep(migrateRetryDelay)
			continue
		}
		break
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return unavailable("apply migrations", err)
	}

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Debug("schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty), zap.String("path", s.path))
	}
	return nil
}

func (s *Storage) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// withTx runs fn inside a transaction on a freshly acquired connection.
func (s *Storage) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(op, err)
	}
	return nil
}
