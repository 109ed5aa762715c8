package knowledge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
)

// ConditionRepository is the persistence the postgres source needs.
type ConditionRepository interface {
	ListConditions(ctx context.Context) ([]domain.ConditionRecord, error)
	UpsertCondition(ctx context.Context, rec domain.ConditionRecord) error
}

// PostgresSource keeps records in the conditions table. An empty table is
// seeded from seed when one is given.
type PostgresSource struct {
	repo   ConditionRepository
	seed   RecordSource
	logger *logrus.Logger
}

func NewPostgresSource(repo ConditionRepository, seed RecordSource, logger *logrus.Logger) *PostgresSource {
	return &PostgresSource{repo: repo, seed: seed, logger: logger}
}

func (p *PostgresSource) Name() string {
	return "postgres"
}

func (p *PostgresSource) Load(ctx context.Context) ([]domain.ConditionRecord, error) {
	recs, err := p.repo.ListConditions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing conditions: %w", err)
	}
	if len(recs) > 0 {
		return recs, nil
	}
	if p.seed == nil {
		return nil, fmt.Errorf("%w: conditions table is empty", domain.ErrKnowledgeSourceMissing)
	}

	seed, err := p.seed.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading seed records: %w", err)
	}
	seeded := 0
	for _, rec := range seed {
		if err := rec.Validate(); err != nil {
			continue
		}
		if err := p.repo.UpsertCondition(ctx, rec); err != nil {
			return nil, fmt.Errorf("seeding %s: %w", rec.CanonicalName, err)
		}
		seeded++
	}
	p.logger.WithFields(logrus.Fields{
		"seed":    p.seed.Name(),
		"records": seeded,
	}).Info("Seeded conditions table")
	return seed, nil
}

func (p *PostgresSource) Save(ctx context.Context, changed domain.ConditionRecord, _ []domain.ConditionRecord) error {
	return p.repo.UpsertCondition(ctx, changed)
}
