// Package dataset stores clinician-labeled training examples. They are
// appended to the generated examples on every training run.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/medical-dx-engine/internal/domain"
)

// Store defines the interface for training example storage.
type Store interface {
	// Save stores an example. An example with the same text and label is
	// updated in place.
	Save(ctx context.Context, ex *domain.TrainingExample) error

	// Get returns the example with the given id or domain.ErrNotFound.
	Get(ctx context.Context, id int64) (*domain.TrainingExample, error)

	// List returns examples, newest first.
	List(ctx context.Context, limit, offset int) ([]*domain.TrainingExample, error)

	// All returns every example in insertion order.
	All(ctx context.Context) ([]domain.TrainingExample, error)

	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error

	// ExportJSON writes every example to writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON reads an export. Examples already present are skipped.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string                    `json:"version"`
	ExportedAt time.Time                 `json:"exported_at"`
	Count      int                       `json:"count"`
	Examples   []*domain.TrainingExample `json:"examples"`
}

const exportVersion = "1.0"

// prepare validates ex and fills defaults.
func prepare(ex *domain.TrainingExample) error {
	if ex == nil {
		return fmt.Errorf("%w: example is required", domain.ErrInvalidInput)
	}
	ex.Text = strings.Join(strings.Fields(ex.Text), " ")
	ex.Label = strings.TrimSpace(ex.Label)
	if ex.Text == "" {
		return fmt.Errorf("%w: example text is empty", domain.ErrInvalidInput)
	}
	if ex.Label == "" {
		return fmt.Errorf("%w: example label is empty", domain.ErrInvalidInput)
	}
	if ex.Weight <= 0 {
		ex.Weight = 1
	}
	if ex.Source == "" {
		ex.Source = domain.ExampleSourceClinician
	}
	return nil
}

func writeExport(writer io.Writer, examples []*domain.TrainingExample, now time.Time) error {
	export := &Export{
		Version:    exportVersion,
		ExportedAt: now,
		Count:      len(examples),
		Examples:   examples,
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// importExport saves the examples of an export that are not stored yet.
// Invalid examples are skipped.
func importExport(ctx context.Context, reader io.Reader, exists func(context.Context, *domain.TrainingExample) (bool, error),
	save func(context.Context, *domain.TrainingExample) error) (imported int, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, ex := range export.Examples {
		if ex != nil && ex.Source == "" {
			ex.Source = domain.ExampleSourceImport
		}
		if err := prepare(ex); err != nil {
			skipped++
			continue
		}
		found, err := exists(ctx, ex)
		if err != nil {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}
		if found {
			skipped++
			continue
		}
		ex.ID = 0
		if err := save(ctx, ex); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		imported++
	}
	return imported, skipped, nil
}
