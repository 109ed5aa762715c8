package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medical-dx-engine/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite example store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExample(s scanner) (*domain.TrainingExample, error) {
	ex := &domain.TrainingExample{}
	var source string
	if err := s.Scan(&ex.ID, &ex.Text, &ex.Label, &ex.Weight, &source, &ex.CreatedAt); err != nil {
		return nil, err
	}
	ex.Source = domain.ExampleSource(source)
	return ex, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS training_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		text TEXT NOT NULL,
		label TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		source TEXT NOT NULL DEFAULT 'clinician',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(text, label)
	);

	CREATE INDEX IF NOT EXISTS idx_training_examples_label ON training_examples(label);
	CREATE INDEX IF NOT EXISTS idx_training_examples_created_at ON training_examples(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

const selectColumns = `SELECT id, text, label, weight, source, created_at FROM training_examples`

// Save stores or updates an example.
func (s *SQLiteStore) Save(ctx context.Context, ex *domain.TrainingExample) error {
	if err := prepare(ex); err != nil {
		return err
	}

	var existingID int64
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM training_examples WHERE text = ? AND label = ?",
		ex.Text, ex.Label,
	).Scan(&existingID, &createdAt)

	if err == nil {
		ex.ID = existingID
		ex.CreatedAt = createdAt
		_, err = s.db.ExecContext(ctx,
			"UPDATE training_examples SET weight = ?, source = ? WHERE id = ?",
			ex.Weight, string(ex.Source), existingID,
		)
		if err != nil {
			return fmt.Errorf("failed to update example: %w", err)
		}
		return nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO training_examples (text, label, weight, source, created_at) VALUES (?, ?, ?, ?, ?)",
		ex.Text, ex.Label, ex.Weight, string(ex.Source), now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	ex.ID = id
	ex.CreatedAt = now
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*domain.TrainingExample, error) {
	ex, err := scanExample(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("example %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return ex, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*domain.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY id DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*domain.TrainingExample
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, ex)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) All(ctx context.Context) ([]domain.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []domain.TrainingExample
	for rows.Next() {
		ex, err := scanExample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, *ex)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM training_examples").Scan(&count)
	return count, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM training_examples WHERE id = ?", id)
	return err
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list examples: %w", err)
	}
	return writeExport(writer, all, time.Now())
}

func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importExport(ctx, reader, s.exists, s.Save)
}

func (s *SQLiteStore) exists(ctx context.Context, ex *domain.TrainingExample) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM training_examples WHERE text = ? AND label = ?", ex.Text, ex.Label,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
