package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/medical-dx-engine/internal/domain"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL example store.
// It expects the schema to already exist (created via migrations).
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL creates a new PostgreSQL example store from a connection URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

const pgSelectColumns = `SELECT id, text, label, weight, source, created_at FROM training_examples`

// Save stores or updates an example.
func (s *PostgresStore) Save(ctx context.Context, ex *domain.TrainingExample) error {
	if err := prepare(ex); err != nil {
		return err
	}

	query := `
		INSERT INTO training_examples (text, label, weight, source, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (text, label) DO UPDATE SET
			weight = EXCLUDED.weight,
			source = EXCLUDED.source
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		ex.Text,
		ex.Label,
		ex.Weight,
		string(ex.Source),
		time.Now().UTC(),
	).Scan(&ex.ID, &ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save example: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*domain.TrainingExample, error) {
	ex, err := scanExample(s.db.QueryRowContext(ctx, pgSelectColumns+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("example %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get example: %w", err)
	}
	return ex, nil
}

func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectColumns+" ORDER BY id DESC LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
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

func (s *PostgresStore) All(ctx context.Context) ([]domain.TrainingExample, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectColumns+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
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

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM training_examples").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count examples: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM training_examples WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete example: %w", err)
	}
	return nil
}

const pgMaxExportLimit = 1000000

func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	all, err := s.List(ctx, pgMaxExportLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list examples: %w", err)
	}
	return writeExport(writer, all, time.Now())
}

func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error) {
	return importExport(ctx, reader, s.exists, s.Save)
}

func (s *PostgresStore) exists(ctx context.Context, ex *domain.TrainingExample) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM training_examples WHERE text = $1 AND label = $2)", ex.Text, ex.Label,
	).Scan(&found)
	return found, err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
