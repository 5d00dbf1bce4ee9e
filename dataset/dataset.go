// Package dataset stores example records: pages that were scraped
// successfully, kept as ground truth for recomputing selectors.
package dataset

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultLimit is the number of examples kept per (type, variant).
const DefaultLimit = 100

// ErrRecordNotFound is returned when no record exists for a URL.
var ErrRecordNotFound = errors.New("example record not found")

// Record is one scraped page and the values it yielded.
type Record struct {
	URLHash   string              `json:"url_hash"`
	URL       string              `json:"url"`
	Type      string              `json:"type"`
	Variant   string              `json:"variant"`
	Fields    map[string][]string `json:"fields"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store manages example records in SQLite.
type Store struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLimit sets the per-(type, variant) retention ceiling.
func WithLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithClock replaces the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// HashURL is the record key for a URL.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// NewStore opens the database at dsn and creates the schema.
func NewStore(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers so upsert and eviction never race.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, limit: DefaultLimit, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS examples (
		url_hash TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		type TEXT NOT NULL,
		variant TEXT NOT NULL,
		fields TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_examples_type_variant
		ON examples (type, variant, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Limit returns the retention ceiling.
func (s *Store) Limit() int {
	return s.limit
}

// RecordOrUpdate stores the values scraped from url. An existing record for
// the URL is updated in place; otherwise a new one is created and the
// oldest records of its (type, variant) are evicted down to the limit. It
// reports whether a record was created.
func (s *Store) RecordOrUpdate(ctx context.Context, url, typ, variant string, fields map[string][]string) (bool, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return false, fmt.Errorf("failed to encode fields: %w", err)
	}
	now := s.now().UnixNano()
	hash := HashURL(url)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO examples (url_hash, url, type, variant, fields, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO NOTHING
	`, hash, url, typ, variant, string(data), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert example: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check insert: %w", err)
	}

	if inserted == 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE examples SET type = ?, variant = ?, fields = ?, updated_at = ?
			WHERE url_hash = ?
		`, typ, variant, string(data), now, hash)
		if err != nil {
			return false, fmt.Errorf("failed to update example: %w", err)
		}
	}

	// Updates can move a record into another variant, so both paths evict.
	if err := s.evict(ctx, tx, typ, variant); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit example: %w", err)
	}
	return inserted > 0, nil
}

// evict deletes the oldest records of a (type, variant) above the limit.
func (s *Store) evict(ctx context.Context, tx *sql.Tx, typ, variant string) error {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM examples WHERE type = ? AND variant = ?`,
		typ, variant,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count examples: %w", err)
	}
	if count <= s.limit {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM examples WHERE rowid IN (
			SELECT rowid FROM examples
			WHERE type = ? AND variant = ?
			ORDER BY updated_at ASC, rowid ASC
			LIMIT ?
		)
	`, typ, variant, count-s.limit)
	if err != nil {
		return fmt.Errorf("failed to evict examples: %w", err)
	}
	return nil
}

// Get returns the record for a URL.
func (s *Store) Get(ctx context.Context, url string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url_hash, url, type, variant, fields, created_at, updated_at
		FROM examples WHERE url_hash = ?
	`, HashURL(url))

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByType returns every record of a type, most recently updated first.
func (s *Store) ListByType(ctx context.Context, typ string) ([]Record, error) {
	return s.list(ctx, `
		SELECT url_hash, url, type, variant, fields, created_at, updated_at
		FROM examples WHERE type = ?
		ORDER BY updated_at DESC, rowid DESC
	`, typ)
}

// ListByTypeAndVariant returns the records of one variant, most recently
// updated first.
func (s *Store) ListByTypeAndVariant(ctx context.Context, typ, variant string) ([]Record, error) {
	return s.list(ctx, `
		SELECT url_hash, url, type, variant, fields, created_at, updated_at
		FROM examples WHERE type = ? AND variant = ?
		ORDER BY updated_at DESC, rowid DESC
	`, typ, variant)
}

// CountByTypeAndVariant returns how many records a variant holds.
func (s *Store) CountByTypeAndVariant(ctx context.Context, typ, variant string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM examples WHERE type = ? AND variant = ?`,
		typ, variant,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count examples: %w", err)
	}
	return count, nil
}

// UpdateVariant reassigns a record to another variant without touching its
// values or timestamps. The target variant is trimmed to the limit.
func (s *Store) UpdateVariant(ctx context.Context, url, variant string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var typ string
	err = tx.QueryRowContext(ctx, `SELECT type FROM examples WHERE url_hash = ?`, HashURL(url)).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get example: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE examples SET variant = ? WHERE url_hash = ?`,
		variant, HashURL(url),
	); err != nil {
		return fmt.Errorf("failed to update variant: %w", err)
	}
	if err := s.evict(ctx, tx, typ, variant); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit variant: %w", err)
	}
	return nil
}

// Delete removes the record for a URL. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM examples WHERE url_hash = ?`, HashURL(url)); err != nil {
		return fmt.Errorf("failed to delete example: %w", err)
	}
	return nil
}

// Types returns every type that has at least one record.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM examples ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			return nil, fmt.Errorf("failed to scan type: %w", err)
		}
		types = append(types, typ)
	}
	return types, rows.Err()
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate examples: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                  Record
		fields               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.URLHash, &rec.URL, &rec.Type, &rec.Variant, &fields, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan example: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}
