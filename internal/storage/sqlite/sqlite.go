// Package sqlite implements the storage interface on SQLite via the
// ncruces pure-Go driver. All coordination invariants live in the SQL:
// the partial unique admission index, predicated claim updates, and the
// capacity-gated conditional insert. The package stays correct when
// several processes share the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/dedupfs/internal/clock"
	"github.com/untoldecay/dedupfs/internal/storage"
)

// Store is the SQLite-backed storage implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Storage = (*Store)(nil)

// Open opens (creating if necessary) the database at path, applies the
// baseline schema and all pending migrations, and runs PRAGMA optimize.
// The DSN enables WAL journaling, NORMAL sync, in-memory temp store, and
// foreign keys on every connection.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_txlock=immediate" +
		"&_time_format=sqlite"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}

	s := &Store{db: db, path: path}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply baseline schema: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to optimize database: %w", err)
	}

	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// UnderlyingDB exposes the raw connection pool for extensions and tests.
// Production code goes through the Storage interface.
func (s *Store) UnderlyingDB() *sql.DB {
	return s.db
}

// isUniqueConstraintError checks if err is a UNIQUE constraint violation,
// which is how concurrent writers observe each other.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// now is the single write-side clock: UTC, millisecond precision to
// match the driver's sqlite text format.
func now() time.Time {
	return clock.Now()
}

// nullTimePtr converts a scanned nullable timestamp, coercing to UTC.
func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

// nullStringPtr converts a scanned nullable string.
func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// nullInt64Ptr converts a scanned nullable integer.
func nullInt64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// nullBoolPtr converts a scanned nullable 0/1 integer.
func nullBoolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

// boolToInt stores booleans as 0/1.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalPayload serializes a free-form payload map; nil maps persist as
// an empty object so reads never see NULL.
func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(raw), nil
}

// unmarshalPayload deserializes a payload column, tolerating NULL and
// empty text from historical rows.
func unmarshalPayload(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw.String), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}
