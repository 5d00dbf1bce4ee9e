// Package configuration persists the live field definitions of each type and
// recomputes them from the example dataset when they stop working.
package configuration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pevans/intelliscrape/scraper"
)

// Store manages field definitions in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the database at dsn and creates the schema.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS configurations (
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		chain_type TEXT,
		selectors TEXT NOT NULL,
		optional INTEGER NOT NULL DEFAULT 0,
		default_value TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (type, name)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindByType returns the configuration of a type ordered by field name. A
// type without definitions yields an empty configuration.
func (s *Store) FindByType(ctx context.Context, typ string) (scraper.Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, chain_type, selectors, optional, default_value
		FROM configurations WHERE type = ?
		ORDER BY name
	`, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to query configuration: %w", err)
	}
	defer rows.Close()

	cfg := scraper.Configuration{}
	for rows.Next() {
		var (
			def          scraper.FieldDefinition
			chainType    sql.NullString
			selectors    string
			defaultValue sql.NullString
		)
		if err := rows.Scan(&def.Name, &def.Type, &chainType, &selectors, &def.Optional, &defaultValue); err != nil {
			return nil, fmt.Errorf("failed to scan field definition: %w", err)
		}
		if err := json.Unmarshal([]byte(selectors), &def.Selectors); err != nil {
			return nil, fmt.Errorf("failed to decode selectors of %s.%s: %w", typ, def.Name, err)
		}
		def.ChainType = chainType.String
		if defaultValue.Valid {
			v := defaultValue.String
			def.Default = &v
		}
		cfg = append(cfg, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate configuration: %w", err)
	}
	return cfg, nil
}

// Replace swaps the whole configuration of a type in one transaction.
// Definitions whose Type differs from typ are stored under typ.
func (s *Store) Replace(ctx context.Context, typ string, cfg scraper.Configuration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM configurations WHERE type = ?`, typ); err != nil {
		return fmt.Errorf("failed to clear configuration: %w", err)
	}

	now := s.now().UnixNano()
	for _, def := range cfg {
		selectors, err := json.Marshal(def.Selectors)
		if err != nil {
			return fmt.Errorf("failed to encode selectors of %s.%s: %w", typ, def.Name, err)
		}
		var defaultValue any
		if def.Default != nil {
			defaultValue = *def.Default
		}
		var chainType any
		if def.ChainType != "" {
			chainType = def.ChainType
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO configurations (type, name, chain_type, selectors, optional, default_value, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, typ, def.Name, chainType, string(selectors), def.Optional, defaultValue, now)
		if err != nil {
			return fmt.Errorf("failed to insert field %s.%s: %w", typ, def.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit configuration: %w", err)
	}
	return nil
}

// Types returns every type with a stored configuration.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM configurations ORDER BY type`)
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
