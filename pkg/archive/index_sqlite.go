package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rtbids/rtbids/pkg/bids"
)

// SQLiteIndex is a SQLite-backed implementation of the file index. It
// persists the inventory next to the dataset so large archives don't
// have to be rescanned on every open.
type SQLiteIndex struct {
	db *sql.DB
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex opens or creates an index database at dbPath.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache for better performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	idx := &SQLiteIndex{db: db}
	if err := idx.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return idx, nil
}

// initSchema creates the database schema
func (s *SQLiteIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		rel_path TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		suffix TEXT NOT NULL DEFAULT '',
		extension TEXT NOT NULL DEFAULT '',
		datatype TEXT NOT NULL DEFAULT '',
		entities TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_files_suffix ON files(suffix);
	CREATE INDEX IF NOT EXISTS idx_files_extension ON files(extension);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Rebuild replaces the whole inventory with the given files.
func (s *SQLiteIndex) Rebuild(files []*File) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files`); err != nil {
		return err
	}
	for _, f := range files {
		if err := insertFile(tx, f); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Add inserts or replaces file records.
func (s *SQLiteIndex) Add(files ...*File) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, f := range files {
		if err := insertFile(tx, f); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertFile(tx *sql.Tx, f *File) error {
	entitiesJSON, err := json.Marshal(f.Entities)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO files (rel_path, name, suffix, extension, datatype, entities)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.RelPath, f.Name, f.Suffix, f.Extension, f.Datatype, string(entitiesJSON))
	return err
}

// Files returns every indexed file ordered by relative path.
func (s *SQLiteIndex) Files() ([]*File, error) {
	rows, err := s.db.Query(`
		SELECT rel_path, name, suffix, extension, datatype, entities
		FROM files
		ORDER BY rel_path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Lookup returns the file at the given relative path, or nil when the
// path is not indexed.
func (s *SQLiteIndex) Lookup(relPath string) (*File, error) {
	row := s.db.QueryRow(`
		SELECT rel_path, name, suffix, extension, datatype, entities
		FROM files
		WHERE rel_path = ?
	`, relPath)

	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// EntityValues returns the distinct values the inventory carries for
// one entity, sorted. Real entities live in the JSON column and are
// pulled out with json_extract.
func (s *SQLiteIndex) EntityValues(entity string) ([]string, error) {
	var rows *sql.Rows
	var err error
	switch entity {
	case "suffix", "extension", "datatype":
		rows, err = s.db.Query(fmt.Sprintf(`
			SELECT DISTINCT %s FROM files WHERE %s != ''
		`, entity, entity))
	default:
		rows, err = s.db.Query(`
			SELECT DISTINCT json_extract(entities, ?) FROM files
			WHERE json_extract(entities, ?) IS NOT NULL
		`, "$."+entity, "$."+entity)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEntityValues(values)
	return values, nil
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var f File
	var entitiesJSON string
	if err := row.Scan(&f.RelPath, &f.Name, &f.Suffix, &f.Extension, &f.Datatype, &entitiesJSON); err != nil {
		return nil, err
	}
	f.Entities = make(bids.Entities)
	if err := json.Unmarshal([]byte(entitiesJSON), &f.Entities); err != nil {
		return nil, err
	}
	return &f, nil
}
