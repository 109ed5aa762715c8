package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
)

// ConditionRepository handles condition record persistence
type ConditionRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewConditionRepository creates a new condition repository
func NewConditionRepository(db *pgxpool.Pool, logger *logrus.Logger) *ConditionRepository {
	return &ConditionRepository{
		db:  db,
		log: logger,
	}
}

const conditionColumns = `
	canonical_name, aliases, symptoms, treatments, lab_tests, drug_interactions,
	severity, source_provenance, refs, indicators, last_updated`

// UpsertCondition inserts a record or overwrites the one with the same
// canonical name. Records are never deleted.
func (r *ConditionRepository) UpsertCondition(ctx context.Context, rec domain.ConditionRecord) error {
	refs, err := json.Marshal(nonNilRefs(rec.References))
	if err != nil {
		return fmt.Errorf("encoding references: %w", err)
	}
	indicators, err := json.Marshal(nonNilIndicators(rec.Indicators))
	if err != nil {
		return fmt.Errorf("encoding indicators: %w", err)
	}
	lastUpdated := rec.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now().UTC()
	}

	query := `
		INSERT INTO conditions (` + conditionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (canonical_name) DO UPDATE SET
			aliases = EXCLUDED.aliases,
			symptoms = EXCLUDED.symptoms,
			treatments = EXCLUDED.treatments,
			lab_tests = EXCLUDED.lab_tests,
			drug_interactions = EXCLUDED.drug_interactions,
			severity = EXCLUDED.severity,
			source_provenance = EXCLUDED.source_provenance,
			refs = EXCLUDED.refs,
			indicators = EXCLUDED.indicators,
			last_updated = EXCLUDED.last_updated`

	_, err = r.db.Exec(ctx, query,
		rec.CanonicalName,
		nonNil(rec.Aliases),
		nonNil(rec.Symptoms),
		nonNil(rec.Treatments),
		nonNil(rec.LabTests),
		nonNil(rec.DrugInteractions),
		string(rec.Severity),
		nonNil(rec.SourceProvenance),
		string(refs),
		string(indicators),
		lastUpdated,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"condition": rec.CanonicalName,
			"error":     err,
		}).Error("Failed to upsert condition")
		return fmt.Errorf("upserting condition: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"condition": rec.CanonicalName,
		"aliases":   len(rec.Aliases),
	}).Debug("Condition upserted")
	return nil
}

// ListConditions returns every record ordered by insertion.
func (r *ConditionRepository) ListConditions(ctx context.Context) ([]domain.ConditionRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+conditionColumns+` FROM conditions ORDER BY created_at, canonical_name`)
	if err != nil {
		r.log.WithError(err).Error("Failed to list conditions")
		return nil, fmt.Errorf("listing conditions: %w", err)
	}
	defer rows.Close()

	var records []domain.ConditionRecord
	for rows.Next() {
		rec, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning condition row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating condition rows: %w", err)
	}
	return records, nil
}

// GetByName retrieves a record by its canonical name
func (r *ConditionRepository) GetByName(ctx context.Context, name string) (*domain.ConditionRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+conditionColumns+` FROM conditions WHERE canonical_name = $1`, name)
	rec, err := scanCondition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("condition %q: %w", name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("getting condition: %w", err)
	}
	return rec, nil
}

func scanCondition(row pgx.Row) (*domain.ConditionRecord, error) {
	var rec domain.ConditionRecord
	var severity string
	var refs, indicators []byte

	err := row.Scan(
		&rec.CanonicalName,
		&rec.Aliases,
		&rec.Symptoms,
		&rec.Treatments,
		&rec.LabTests,
		&rec.DrugInteractions,
		&severity,
		&rec.SourceProvenance,
		&refs,
		&indicators,
		&rec.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	rec.Severity = domain.Severity(severity)
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &rec.References); err != nil {
			return nil, fmt.Errorf("decoding references: %w", err)
		}
	}
	if len(indicators) > 0 {
		if err := json.Unmarshal(indicators, &rec.Indicators); err != nil {
			return nil, fmt.Errorf("decoding indicators: %w", err)
		}
	}
	if len(rec.References) == 0 {
		rec.References = nil
	}
	if len(rec.Indicators) == 0 {
		rec.Indicators = nil
	}
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilRefs(r []domain.Reference) []domain.Reference {
	if r == nil {
		return []domain.Reference{}
	}
	return r
}

func nonNilIndicators(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}
