package training

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-dx-engine/internal/artifact"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/knowledge"
	"github.com/medical-dx-engine/internal/metrics"
	"github.com/medical-dx-engine/internal/ml"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func curatedStore(t *testing.T) *knowledge.Store {
	t.Helper()
	store := knowledge.NewStore(knowledge.NewEmbeddedSource(testLogger()), testLogger())
	_, err := store.Load(context.Background())
	require.NoError(t, err)
	return store
}

func testConfig() Config {
	return Config{
		MinExamples:  50,
		TestFraction: 0.2,
		Seed:         42,
		Vectorizer:   ml.VectorizerConfig{MaxFeatures: 1000, NGramMin: 1, NGramMax: 2, StopWords: true},
		Candidates:   []ml.Family{ml.FamilyRandomForest, ml.FamilyGradientBoosting, ml.FamilyLogisticRegression},
		Params: ml.Params{
			Seed:     42,
			Forest:   ml.ForestParams{Trees: 15},
			Boosting: ml.BoostingParams{Rounds: 8, LearningRate: 0.3, MaxDepth: 3},
			Logistic: ml.LogisticParams{MaxIter: 300},
		},
		Retain: 2,
	}
}

type fixture struct {
	trainer  *Trainer
	store    *artifact.FileStore
	registry *artifact.Registry
	metrics  *metrics.Metrics
	examples []domain.TrainingExample
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	kb := curatedStore(t)
	store, err := artifact.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	registry := artifact.NewRegistry(testLogger())
	m := metrics.New()
	return &fixture{
		trainer:  NewTrainer(cfg, kb, store, registry, m, testLogger()),
		store:    store,
		registry: registry,
		metrics:  m,
		examples: GenerateExamples(kb.List(), nil),
	}
}

func TestGenerateExamples(t *testing.T) {
	records := []domain.ConditionRecord{
		{CanonicalName: "Malaria", Symptoms: []string{"High Fever", "chills", "sweating", "headache", "muscle pain", "fatigue"}},
		{CanonicalName: "Asthma", Symptoms: []string{"wheezing", "shortness of breath", "  ", "chest tightness"}},
	}

	examples := GenerateExamples(records, []string{"malaria"})

	counts := map[string]map[float64]int{}
	for _, ex := range examples {
		if counts[ex.Label] == nil {
			counts[ex.Label] = map[float64]int{}
		}
		counts[ex.Label][ex.Weight]++
		assert.Equal(t, domain.ExampleSourceGenerated, ex.Source)
	}

	// 6 symptoms: 6 singles, 5+4+3 windows, 2 priority windows of 5.
	assert.Equal(t, map[float64]int{WeightSingleSymptom: 6, WeightSymptomWindow: 12, WeightPriority: 2}, counts["Malaria"])
	// Blank symptoms are ignored: 3 singles, 2+1 windows, no priority.
	assert.Equal(t, map[float64]int{WeightSingleSymptom: 3, WeightSymptomWindow: 3}, counts["Asthma"])

	assert.Equal(t, "high fever", examples[0].Text)
	assert.Equal(t, "high fever chills", examples[6].Text)
}

func TestTrainer_Train_Success(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	a, err := f.trainer.Train(ctx, f.examples)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, a.HeldOutAccuracy, 0.0)
	assert.LessOrEqual(t, a.HeldOutAccuracy, 1.0)
	assert.Len(t, a.LabelSet, 22)
	assert.Len(t, a.Candidates, 3)
	for _, c := range a.Candidates {
		assert.Empty(t, c.Error, c.Family)
		assert.LessOrEqual(t, c.Accuracy, a.HeldOutAccuracy, c.Family)
	}
	assert.Equal(t, ml.SplitStratified, a.SplitStrategy)
	assert.Equal(t, len(f.examples), a.TrainCount+a.TestCount)

	current, err := f.store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, a.Version, current)

	active := f.registry.Current()
	require.NotNil(t, active)
	assert.Equal(t, a.Version, active.Artifact.Version)

	loaded, err := f.store.Load(ctx, a.Version)
	require.NoError(t, err)
	reloaded, err := artifact.Decode(loaded)
	require.NoError(t, err)
	want, _ := active.Model.Predict("high fever chills sweating")
	got, _ := reloaded.Model.Predict("high fever chills sweating")
	assert.Equal(t, want, got)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TrainingRuns.WithLabelValues("success")))
}

func TestTrainer_Train_LogisticPredicts(t *testing.T) {
	cfg := testConfig()
	cfg.Candidates = []ml.Family{ml.FamilyLogisticRegression}
	f := newFixture(t, cfg)

	a, err := f.trainer.Train(context.Background(), f.examples)
	require.NoError(t, err)
	assert.Equal(t, string(ml.FamilyLogisticRegression), a.ClassifierFamily)

	probs, known := f.registry.Current().Model.Predict("excessive thirst and increased hunger")
	require.True(t, known)
	assert.Equal(t, "Diabetes Mellitus", probs[0].Label)
}

func TestTrainer_Train_InsufficientKeepsPrior(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	prior, err := f.trainer.Train(ctx, f.examples)
	require.NoError(t, err)

	_, err = f.trainer.Train(ctx, f.examples[:10])
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTrainingDataInsufficient)

	current, err := f.store.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, prior.Version, current)
	assert.Equal(t, prior.Version, f.registry.Current().Artifact.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TrainingRuns.WithLabelValues("insufficient_data")))
}

func TestTrainer_Train_DiscardsUnknownLabels(t *testing.T) {
	cfg := testConfig()
	cfg.MinExamples = 40
	f := newFixture(t, cfg)

	var examples []domain.TrainingExample
	for i := 0; i < 45; i++ {
		examples = append(examples, domain.TrainingExample{Text: fmt.Sprintf("mystery symptom %d", i), Label: "Unobtainium Poisoning"})
	}
	examples = append(examples, f.examples[:20]...)

	_, err := f.trainer.Train(context.Background(), examples)
	assert.ErrorIs(t, err, domain.ErrTrainingDataInsufficient)
	assert.Nil(t, f.registry.Current())
}

func TestTrainer_Train_AliasLabelsCanonicalized(t *testing.T) {
	f := newFixture(t, testConfig())

	examples := append([]domain.TrainingExample(nil), f.examples...)
	for i := range examples {
		if examples[i].Label == "Influenza" {
			examples[i].Label = "flu"
		}
	}

	a, err := f.trainer.Train(context.Background(), examples)
	require.NoError(t, err)
	assert.Contains(t, a.LabelSet, "Influenza")
	assert.NotContains(t, a.LabelSet, "flu")
}

func TestTrainer_Train_SingletonLabelTrainOnly(t *testing.T) {
	f := newFixture(t, testConfig())

	examples := append([]domain.TrainingExample(nil), f.examples...)
	examples = append(examples, domain.TrainingExample{Text: "sudden confusion", Label: "eczema", Weight: 1})
	for i := len(examples) - 2; i >= 0; i-- {
		if examples[i].Label == "Dermatitis" {
			examples = append(examples[:i], examples[i+1:]...)
		}
	}

	a, err := f.trainer.Train(context.Background(), examples)
	require.NoError(t, err)
	assert.Equal(t, ml.SplitStratifiedTrainOnlySolo, a.SplitStrategy)
	assert.Equal(t, []string{"Dermatitis"}, a.TrainOnlyLabels)
}

func TestTrainer_Train_AllCandidatesFail(t *testing.T) {
	cfg := testConfig()
	cfg.Candidates = []ml.Family{"bogus"}
	f := newFixture(t, cfg)

	_, err := f.trainer.Train(context.Background(), f.examples)
	assert.ErrorIs(t, err, domain.ErrTrainingFailed)
	assert.Nil(t, f.registry.Current())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TrainingRuns.WithLabelValues("failure")))
}

type panickingClassifier struct{}

func (panickingClassifier) Family() ml.Family { return "panicky" }
func (panickingClassifier) Fit(context.Context, *ml.Dataset) error {
	panic("index out of range")
}
func (panickingClassifier) PredictProba(ml.SparseVector) []float64 { return nil }

func TestTrainer_Train_PanickingCandidateExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.Candidates = []ml.Family{"panicky", ml.FamilyLogisticRegression}
	f := newFixture(t, cfg)
	f.trainer.build = func(family ml.Family, p ml.Params) (ml.Classifier, error) {
		if family == "panicky" {
			return panickingClassifier{}, nil
		}
		return ml.NewClassifier(family, p)
	}

	a, err := f.trainer.Train(context.Background(), f.examples)
	require.NoError(t, err)
	assert.Equal(t, string(ml.FamilyLogisticRegression), a.ClassifierFamily)
	require.Len(t, a.Candidates, 2)
	assert.Contains(t, a.Candidates[0].Error, "panicked")
}

type blockingStore struct {
	ArtifactStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, a *domain.ModelArtifact) error {
	close(b.entered)
	<-b.release
	return b.ArtifactStore.Save(ctx, a)
}

func TestTrainer_Train_RefusesConcurrentRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Candidates = []ml.Family{ml.FamilyLogisticRegression}
	f := newFixture(t, cfg)
	bs := &blockingStore{ArtifactStore: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	f.trainer.store = bs

	done := make(chan error, 1)
	go func() {
		_, err := f.trainer.Train(context.Background(), f.examples)
		done <- err
	}()

	select {
	case <-bs.entered:
	case <-time.After(30 * time.Second):
		t.Fatal("first training run never reached the artifact store")
	}
	assert.True(t, f.trainer.Running())

	_, err := f.trainer.Train(context.Background(), f.examples)
	assert.ErrorIs(t, err, domain.ErrTrainingInProgress)

	close(bs.release)
	require.NoError(t, <-done)
	assert.False(t, f.trainer.Running())
}

func TestTrainer_Train_PrunesOldArtifacts(t *testing.T) {
	cfg := testConfig()
	cfg.Candidates = []ml.Family{ml.FamilyLogisticRegression}
	cfg.Retain = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	var last *domain.ModelArtifact
	for i := 0; i < 3; i++ {
		a, err := f.trainer.Train(ctx, f.examples)
		require.NoError(t, err)
		last = a
	}

	// The current artifact plus one older one.
	infos, err := f.store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	var current []string
	for _, info := range infos {
		if info.Current {
			current = append(current, info.Version)
		}
	}
	assert.Equal(t, []string{last.Version}, current)
}

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.TrainingConfig{
		MinExamples:  50,
		TestFraction: 0.2,
		Seed:         7,
		MaxFeatures:  2000,
		NGramMin:     1,
		NGramMax:     3,
		StopWords:    true,
		Candidates:   []string{" Random_Forest ", "logistic_regression"},
		RandomForest: domain.RandomForestConfig{Trees: 200},
		Boosting:     domain.GradientBoostConfig{Rounds: 100, LearningRate: 0.1, MaxDepth: 3},
		Logistic:     domain.LogisticConfig{MaxIter: 1000, C: 1},
	}, domain.ArtifactConfig{Retain: 5})

	assert.Equal(t, []ml.Family{ml.FamilyRandomForest, ml.FamilyLogisticRegression}, cfg.Candidates)
	assert.Equal(t, int64(7), cfg.Params.Seed)
	assert.Equal(t, 200, cfg.Params.Forest.Trees)
	assert.Equal(t, 3, cfg.Vectorizer.NGramMax)
	assert.Equal(t, 5, cfg.Retain)
}
