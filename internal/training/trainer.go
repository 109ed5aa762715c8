// Package training turns labeled symptom text into model artifacts: it
// canonicalizes labels, splits the data, fits every candidate classifier
// family and activates the one with the best held-out accuracy.
package training

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/medical-dx-engine/internal/artifact"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/metrics"
	"github.com/medical-dx-engine/internal/ml"
)

// Config holds the trainer settings.
type Config struct {
	MinExamples  int
	TestFraction float64
	Seed         int64
	Vectorizer   ml.VectorizerConfig
	Candidates   []ml.Family
	Params       ml.Params
	Parallelism  int
	Retain       int
}

// ConfigFromDomain maps the application config onto trainer settings.
func ConfigFromDomain(t domain.TrainingConfig, a domain.ArtifactConfig) Config {
	families := make([]ml.Family, 0, len(t.Candidates))
	for _, c := range t.Candidates {
		families = append(families, ml.Family(strings.ToLower(strings.TrimSpace(c))))
	}
	return Config{
		MinExamples:  t.MinExamples,
		TestFraction: t.TestFraction,
		Seed:         t.Seed,
		Vectorizer: ml.VectorizerConfig{
			MaxFeatures: t.MaxFeatures,
			NGramMin:    t.NGramMin,
			NGramMax:    t.NGramMax,
			StopWords:   t.StopWords,
		},
		Candidates: families,
		Params: ml.Params{
			Seed: t.Seed,
			Forest: ml.ForestParams{
				Trees:           t.RandomForest.Trees,
				MaxDepth:        t.RandomForest.MaxDepth,
				MinSamplesSplit: t.RandomForest.MinSamplesSplit,
			},
			Boosting: ml.BoostingParams{
				Rounds:       t.Boosting.Rounds,
				LearningRate: t.Boosting.LearningRate,
				MaxDepth:     t.Boosting.MaxDepth,
			},
			Logistic: ml.LogisticParams{
				MaxIter:      t.Logistic.MaxIter,
				C:            t.Logistic.C,
				LearningRate: t.Logistic.LearningRate,
				Tolerance:    t.Logistic.Tolerance,
			},
		},
		Parallelism: t.Parallelism,
		Retain:      a.Retain,
	}
}

// ArtifactStore persists artifacts and the current selector.
type ArtifactStore interface {
	Save(ctx context.Context, a *domain.ModelArtifact) error
	SetCurrent(version string) error
	Prune(keep int) ([]string, error)
}

// Publisher activates an artifact for inference.
type Publisher interface {
	Publish(a *domain.ModelArtifact) error
}

// Trainer runs the training and selection pipeline. Only one run may be in
// progress at a time.
type Trainer struct {
	cfg       Config
	resolver  domain.LabelResolver
	store     ArtifactStore
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time
	build     func(ml.Family, ml.Params) (ml.Classifier, error)

	running atomic.Bool
}

func NewTrainer(cfg Config, resolver domain.LabelResolver, store ArtifactStore, publisher Publisher,
	m *metrics.Metrics, logger *logrus.Logger) *Trainer {
	if cfg.MinExamples <= 0 {
		cfg.MinExamples = 50
	}
	if cfg.TestFraction <= 0 || cfg.TestFraction >= 1 {
		cfg.TestFraction = 0.2
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = []ml.Family{ml.FamilyRandomForest, ml.FamilyGradientBoosting, ml.FamilyLogisticRegression}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = len(cfg.Candidates)
	}
	return &Trainer{
		cfg:       cfg,
		resolver:  resolver,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		build:     ml.NewClassifier,
	}
}

// Running reports whether a training run is in progress.
func (t *Trainer) Running() bool {
	return t.running.Load()
}

type candidateResult struct {
	score      domain.CandidateScore
	classifier ml.Classifier
}

// Train fits the candidates on examples and activates the best one. On
// any error the previously active artifact stays in place.
func (t *Trainer) Train(ctx context.Context, examples []domain.TrainingExample) (*domain.ModelArtifact, error) {
	if !t.running.CompareAndSwap(false, true) {
		return nil, domain.ErrTrainingInProgress
	}
	defer t.running.Store(false)

	start := t.now()
	a, err := t.train(ctx, examples)
	elapsed := t.now().Sub(start)

	switch {
	case err == nil:
		t.metrics.RecordTraining("success", elapsed, a.HeldOutAccuracy)
	case errors.Is(err, domain.ErrTrainingDataInsufficient):
		t.metrics.RecordTraining("insufficient_data", elapsed, 0)
	default:
		t.metrics.RecordTraining("failure", elapsed, 0)
	}
	return a, err
}

func (t *Trainer) train(ctx context.Context, examples []domain.TrainingExample) (*domain.ModelArtifact, error) {
	texts, labels, weights, dropped := t.canonicalize(examples)
	log := t.logger.WithFields(logrus.Fields{
		"examples":  len(examples),
		"usable":    len(texts),
		"discarded": dropped,
	})
	if dropped > 0 {
		log.Warn("Discarded training examples with unresolvable labels")
	}

	if len(texts) < t.cfg.MinExamples {
		return nil, fmt.Errorf("%w: %d usable examples, need %d",
			domain.ErrTrainingDataInsufficient, len(texts), t.cfg.MinExamples)
	}

	labelSet, y := indexLabels(labels)
	if len(labelSet) < 2 {
		return nil, fmt.Errorf("%w: %d distinct labels, need 2", domain.ErrTrainingDataInsufficient, len(labelSet))
	}

	split := ml.StratifiedSplit(y, len(labelSet), t.cfg.TestFraction, t.cfg.Seed)
	if len(split.Test) == 0 {
		return nil, fmt.Errorf("%w: no label has two examples to hold out", domain.ErrTrainingDataInsufficient)
	}

	trainTexts := make([]string, len(split.Train))
	for i, idx := range split.Train {
		trainTexts[i] = texts[idx]
	}
	vec, err := ml.FitVectorizer(t.cfg.Vectorizer, trainTexts)
	if err != nil {
		return nil, fmt.Errorf("%w: fitting vectorizer: %w", domain.ErrTrainingFailed, err)
	}

	full := &ml.Dataset{
		X:        vec.TransformAll(texts),
		Y:        y,
		W:        weights,
		Features: vec.Features(),
		Classes:  len(labelSet),
	}
	trainSet := full.Subset(split.Train)
	testSet := full.Subset(split.Test)

	log.WithFields(logrus.Fields{
		"labels":     len(labelSet),
		"train":      len(split.Train),
		"test":       len(split.Test),
		"features":   vec.Features(),
		"strategy":   split.Strategy,
		"candidates": t.cfg.Candidates,
	}).Info("Training candidates")

	results := t.fitCandidates(ctx, trainSet, testSet)

	best := -1
	for i, r := range results {
		if r.classifier == nil {
			continue
		}
		if best < 0 || r.score.Accuracy > results[best].score.Accuracy {
			best = i
		}
	}
	scores := make([]domain.CandidateScore, len(results))
	for i, r := range results {
		scores[i] = r.score
	}
	if best < 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTrainingFailed, err)
		}
		return nil, fmt.Errorf("%w: every candidate failed", domain.ErrTrainingFailed)
	}
	winner := results[best]

	vecState, err := ml.EncodeVectorizer(vec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTrainingFailed, err)
	}
	clfState, err := ml.MarshalClassifier(winner.classifier)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTrainingFailed, err)
	}

	trainedAt := t.now().UTC()
	a := &domain.ModelArtifact{
		Version:              artifact.NewVersion(trainedAt),
		TrainedAt:            trainedAt,
		HeldOutAccuracy:      winner.score.Accuracy,
		LabelSet:             labelSet,
		ClassifierFamily:     string(winner.classifier.Family()),
		VectorizerParameters: vecState,
		ClassifierState:      clfState,
		Candidates:           scores,
		SplitStrategy:        split.Strategy,
		TrainCount:           len(split.Train),
		TestCount:            len(split.Test),
	}
	for _, c := range split.TrainOnlyClasses {
		a.TrainOnlyLabels = append(a.TrainOnlyLabels, labelSet[c])
	}

	if err := t.activate(ctx, a); err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"version":  a.Version,
		"family":   a.ClassifierFamily,
		"accuracy": a.HeldOutAccuracy,
		"labels":   len(a.LabelSet),
	}).Info("Training completed")
	return a, nil
}

// activate persists the artifact, swaps the selector and publishes it.
func (t *Trainer) activate(ctx context.Context, a *domain.ModelArtifact) error {
	if err := t.store.Save(ctx, a); err != nil {
		return fmt.Errorf("%w: saving artifact: %w", domain.ErrTrainingFailed, err)
	}
	if err := t.store.SetCurrent(a.Version); err != nil {
		return fmt.Errorf("%w: selecting artifact: %w", domain.ErrTrainingFailed, err)
	}
	if err := t.publisher.Publish(a); err != nil {
		return fmt.Errorf("%w: publishing artifact: %w", domain.ErrTrainingFailed, err)
	}
	if t.cfg.Retain > 0 {
		removed, err := t.store.Prune(t.cfg.Retain)
		if err != nil {
			t.logger.WithError(err).Warn("Failed to prune old artifacts")
		} else if len(removed) > 0 {
			t.logger.WithField("removed", removed).Info("Pruned old artifacts")
		}
	}
	return nil
}

func (t *Trainer) fitCandidates(ctx context.Context, trainSet, testSet *ml.Dataset) []candidateResult {
	results := make([]candidateResult, len(t.cfg.Candidates))

	var g errgroup.Group
	g.SetLimit(t.cfg.Parallelism)
	for i, family := range t.cfg.Candidates {
		i, family := i, family
		results[i].score.Family = string(family)
		g.Go(func() error {
			started := time.Now()
			clf, acc, err := fitCandidate(ctx, t.build, family, t.cfg.Params, trainSet, testSet)
			results[i].score.Duration = time.Since(started)

			log := t.logger.WithFields(logrus.Fields{
				"family":   family,
				"duration": results[i].score.Duration,
			})
			if err != nil {
				results[i].score.Error = err.Error()
				log.WithError(err).Warn("Training candidate failed")
				return nil
			}
			results[i].classifier = clf
			results[i].score.Accuracy = acc
			log.WithField("accuracy", acc).Info("Training candidate finished")
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func fitCandidate(ctx context.Context, build func(ml.Family, ml.Params) (ml.Classifier, error),
	family ml.Family, p ml.Params, trainSet, testSet *ml.Dataset) (clf ml.Classifier, acc float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			clf, acc = nil, 0
			err = fmt.Errorf("candidate panicked: %v\n%s", r, debug.Stack())
		}
	}()

	clf, err = build(family, p)
	if err != nil {
		return nil, 0, err
	}
	if err := clf.Fit(ctx, trainSet); err != nil {
		return nil, 0, err
	}
	return clf, ml.Accuracy(clf, testSet), nil
}

func (t *Trainer) canonicalize(examples []domain.TrainingExample) (texts, labels []string, weights []float64, dropped int) {
	for _, ex := range examples {
		text := strings.TrimSpace(ex.Text)
		if text == "" {
			dropped++
			continue
		}
		canonical, ok := t.resolver.ResolveAlias(ex.Label)
		if !ok {
			dropped++
			continue
		}
		w := ex.Weight
		if w <= 0 {
			w = 1
		}
		texts = append(texts, text)
		labels = append(labels, canonical)
		weights = append(weights, w)
	}
	return texts, labels, weights, dropped
}

// indexLabels returns the sorted distinct labels and each row's index.
func indexLabels(labels []string) ([]string, []int) {
	seen := make(map[string]bool)
	var set []string
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			set = append(set, l)
		}
	}
	sort.Strings(set)
	idx := make(map[string]int, len(set))
	for i, l := range set {
		idx[l] = i
	}
	y := make([]int, len(labels))
	for i, l := range labels {
		y[i] = idx[l]
	}
	return set, y
}

var _ ArtifactStore = (*artifact.FileStore)(nil)
var _ Publisher = (*artifact.Registry)(nil)
