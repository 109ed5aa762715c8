// Package service combines the engine components behind a single facade
// used by the HTTP API, the CLI and the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/artifact"
	"github.com/medical-dx-engine/internal/dataset"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/knowledge"
	"github.com/medical-dx-engine/internal/logging"
	"github.com/medical-dx-engine/internal/training"
)

// ErrExamplesDisabled is returned by example operations when no example
// store is configured.
var ErrExamplesDisabled = errors.New("example store is disabled")

// ErrEnrichmentDisabled is returned by Enrich without an enricher.
var ErrEnrichmentDisabled = errors.New("enrichment is disabled")

// Ranker produces ranked differential diagnoses.
type Ranker interface {
	Rank(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error)
}

// KnowledgeBase is the knowledge store surface the service reads.
type KnowledgeBase interface {
	domain.ConditionLookup
	Len() int
}

// ModelRegistry exposes the active model.
type ModelRegistry interface {
	Current() *artifact.Active
}

// Enricher refreshes condition records from external references.
type Enricher interface {
	Enrich(ctx context.Context, names ...string) (*knowledge.EnrichReport, error)
}

// ModelInfo describes the active model without its fitted state.
type ModelInfo struct {
	Version         string                  `json:"version"`
	Family          string                  `json:"classifier_family"`
	HeldOutAccuracy float64                 `json:"held_out_accuracy"`
	TrainedAt       time.Time               `json:"trained_at"`
	Labels          []string                `json:"labels"`
	Candidates      []domain.CandidateScore `json:"candidates,omitempty"`
	SplitStrategy   string                  `json:"split_strategy"`
	TrainCount      int                     `json:"train_count"`
	TestCount       int                     `json:"test_count"`
	TrainOnlyLabels []string                `json:"train_only_labels,omitempty"`
}

// Dependencies are the components a DiagnosticService delegates to.
// Examples and Enricher are optional.
type Dependencies struct {
	Knowledge      KnowledgeBase
	Ranker         Ranker
	Trainer        domain.ModelTrainer
	Models         ModelRegistry
	Interactions   domain.InteractionChecker
	Examples       dataset.Store
	Enricher       Enricher
	PriorityLabels []string
}

// DiagnosticService is the application facade.
type DiagnosticService struct {
	deps   Dependencies
	logger *logrus.Logger
}

func NewDiagnosticService(deps Dependencies, logger *logrus.Logger) *DiagnosticService {
	return &DiagnosticService{deps: deps, logger: logger}
}

// Analyze ranks candidate conditions for free-text symptoms.
func (s *DiagnosticService) Analyze(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error) {
	result, err := s.deps.Ranker.Rank(ctx, symptoms)
	if err != nil {
		logging.ForOperation(ctx, s.logger, logging.OperationAnalyze).WithError(err).Debug("Analysis failed")
		return nil, err
	}
	return result, nil
}

// Train fits a new model. Without explicit examples the generated examples
// of the knowledge base plus the stored clinician examples are used.
func (s *DiagnosticService) Train(ctx context.Context, examples []domain.TrainingExample) (*domain.ModelArtifact, error) {
	log := logging.ForOperation(ctx, s.logger, logging.OperationTrain)
	if len(examples) == 0 {
		var err error
		examples, err = s.TrainingExamples(ctx)
		if err != nil {
			return nil, err
		}
	}

	a, err := s.deps.Trainer.Train(ctx, examples)
	if err != nil {
		log.WithError(err).Warn("Training did not produce a new model")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"version":  a.Version,
		"family":   a.ClassifierFamily,
		"accuracy": a.HeldOutAccuracy,
	}).Info("Training finished")
	return a, nil
}

// TrainingExamples builds the default training corpus.
func (s *DiagnosticService) TrainingExamples(ctx context.Context) ([]domain.TrainingExample, error) {
	examples := training.GenerateExamples(s.deps.Knowledge.List(), s.deps.PriorityLabels)
	generated := len(examples)

	stored := 0
	if s.deps.Examples != nil {
		extra, err := s.deps.Examples.All(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading stored examples: %w", err)
		}
		examples = append(examples, extra...)
		stored = len(extra)
	}

	s.logger.WithFields(logrus.Fields{
		"generated": generated,
		"stored":    stored,
	}).Debug("Assembled training examples")
	return examples, nil
}

// CheckInteractions checks a medication list for pairwise interactions.
func (s *DiagnosticService) CheckInteractions(ctx context.Context, medications []string) (*domain.InteractionReport, error) {
	return s.deps.Interactions.CheckInteractions(ctx, medications)
}

// Condition looks up a record by canonical name or alias.
func (s *DiagnosticService) Condition(name string) (domain.ConditionRecord, error) {
	if strings.TrimSpace(name) == "" {
		return domain.ConditionRecord{}, fmt.Errorf("%w: condition name is empty", domain.ErrInvalidInput)
	}
	canonical, ok := s.deps.Knowledge.ResolveAlias(name)
	if !ok {
		return domain.ConditionRecord{}, fmt.Errorf("condition %q: %w", name, domain.ErrNotFound)
	}
	rec, ok := s.deps.Knowledge.Get(canonical)
	if !ok {
		return domain.ConditionRecord{}, fmt.Errorf("condition %q: %w", canonical, domain.ErrNotFound)
	}
	return rec, nil
}

// Conditions returns every record in the knowledge base.
func (s *DiagnosticService) Conditions() []domain.ConditionRecord {
	return s.deps.Knowledge.List()
}

// ActiveModel describes the model used for inference.
func (s *DiagnosticService) ActiveModel() (*ModelInfo, error) {
	active := s.deps.Models.Current()
	if active == nil {
		return nil, domain.ErrModelNotReady
	}
	a := active.Artifact
	return &ModelInfo{
		Version:         a.Version,
		Family:          a.ClassifierFamily,
		HeldOutAccuracy: a.HeldOutAccuracy,
		TrainedAt:       a.TrainedAt,
		Labels:          a.LabelSet,
		Candidates:      a.Candidates,
		SplitStrategy:   a.SplitStrategy,
		TrainCount:      a.TrainCount,
		TestCount:       a.TestCount,
		TrainOnlyLabels: a.TrainOnlyLabels,
	}, nil
}

// AddExample stores a clinician-labeled example. The label must resolve to
// a known condition and is stored in canonical form.
func (s *DiagnosticService) AddExample(ctx context.Context, ex domain.TrainingExample) (*domain.TrainingExample, error) {
	if s.deps.Examples == nil {
		return nil, ErrExamplesDisabled
	}
	canonical, ok := s.deps.Knowledge.ResolveAlias(ex.Label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownLabel, ex.Label)
	}
	ex.Label = canonical
	if ex.Source == "" {
		ex.Source = domain.ExampleSourceClinician
	}
	if err := s.deps.Examples.Save(ctx, &ex); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"id":    ex.ID,
		"label": ex.Label,
	}).Info("Stored training example")
	return &ex, nil
}

// Examples lists stored examples, newest first.
func (s *DiagnosticService) Examples(ctx context.Context, limit, offset int) ([]*domain.TrainingExample, error) {
	if s.deps.Examples == nil {
		return nil, ErrExamplesDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	return s.deps.Examples.List(ctx, limit, offset)
}

// ExportExamples writes the stored examples as JSON.
func (s *DiagnosticService) ExportExamples(ctx context.Context, w io.Writer) error {
	if s.deps.Examples == nil {
		return ErrExamplesDisabled
	}
	return s.deps.Examples.ExportJSON(ctx, w)
}

// ImportExamples reads a JSON export into the example store.
func (s *DiagnosticService) ImportExamples(ctx context.Context, r io.Reader) (imported, skipped int, err error) {
	if s.deps.Examples == nil {
		return 0, 0, ErrExamplesDisabled
	}
	return s.deps.Examples.ImportJSON(ctx, r)
}

// Enrich refreshes condition records from the literature and health
// indicator services. No names means every condition.
func (s *DiagnosticService) Enrich(ctx context.Context, names ...string) (*knowledge.EnrichReport, error) {
	if s.deps.Enricher == nil {
		return nil, ErrEnrichmentDisabled
	}
	return s.deps.Enricher.Enrich(ctx, names...)
}

// Health reports component readiness.
func (s *DiagnosticService) Health() map[string]interface{} {
	status := map[string]interface{}{
		"conditions":   s.deps.Knowledge.Len(),
		"model_loaded": false,
	}
	if active := s.deps.Models.Current(); active != nil {
		status["model_loaded"] = true
		status["model_version"] = active.Artifact.Version
	}
	status["examples_enabled"] = s.deps.Examples != nil
	return status
}
