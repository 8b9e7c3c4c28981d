package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup or update matches no row.
var ErrNotFound = errors.New("store: not found")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	opTimeout = 2 * time.Second
)

// Store wraps the database connection and schema lifecycle. Both supported drivers share
// one schema; timestamps are stored as RFC 3339 text.
type Store struct {
	db     *sql.DB
	driver string
}

// Open initializes the database connection. For sqlite the DSN is a file path and missing
// directories are created; for pgx it is a PostgreSQL connection string.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		return openSQLite(dsn)
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return &Store{db: db, driver: driver}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func openSQLite(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(2000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, driver: DriverSQLite}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// InitSchema ensures the students, faculty and consultations tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS students (
			student_id ` + pk + `,
			rfid_tag TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			department TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_students_rfid_tag ON students(rfid_tag);`,
		`CREATE TABLE IF NOT EXISTS faculty (
			faculty_id ` + pk + `,
			name TEXT NOT NULL,
			department TEXT NOT NULL,
			ble_identifier TEXT NOT NULL UNIQUE,
			office_location TEXT,
			contact_details TEXT,
			current_status TEXT NOT NULL DEFAULT 'Unavailable',
			status_updated_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_faculty_ble_identifier ON faculty(ble_identifier);`,
		`CREATE INDEX IF NOT EXISTS idx_faculty_department ON faculty(department);`,
		`CREATE TABLE IF NOT EXISTS consultations (
			consultation_id ` + pk + `,
			student_id BIGINT NOT NULL REFERENCES students(student_id) ON DELETE CASCADE,
			faculty_id BIGINT NOT NULL REFERENCES faculty(faculty_id) ON DELETE CASCADE,
			course_code TEXT,
			subject TEXT,
			request_details TEXT,
			status TEXT NOT NULL DEFAULT 'Pending',
			requested_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consultations_faculty_id ON consultations(faculty_id);`,
		`CREATE INDEX IF NOT EXISTS idx_consultations_status ON consultations(status);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", v)
	}
	return t
}
