// Package inference maps symptom text to candidate conditions using the
// active model, a fast path for common respiratory presentations and an
// ordered keyword fallback.
package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/artifact"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/metrics"
)

// Config holds the inference thresholds.
type Config struct {
	TopN               int
	MinProbability     float64
	FastPathConfidence float64
	FeverConfidence    float64
	FallbackConfidence float64
	FallbackRules      []KeywordRule
}

// ConfigFromDomain maps the application config onto engine settings.
func ConfigFromDomain(c domain.InferenceConfig) Config {
	return Config{
		TopN:               c.TopN,
		MinProbability:     c.MinProbability,
		FastPathConfidence: c.FastPathConfidence,
		FeverConfidence:    c.FeverConfidence,
		FallbackConfidence: c.FallbackConfidence,
	}
}

// ModelSource yields the active model, or nil when none is loaded.
type ModelSource interface {
	Current() *artifact.Active
}

// Engine implements domain.Analyzer.
type Engine struct {
	cfg      Config
	models   ModelSource
	resolver domain.LabelResolver
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	now      func() time.Time
}

func NewEngine(cfg Config, models ModelSource, resolver domain.LabelResolver, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	if cfg.MinProbability <= 0 {
		cfg.MinProbability = 0.10
	}
	if cfg.FastPathConfidence <= 0 {
		cfg.FastPathConfidence = 0.7
	}
	if cfg.FeverConfidence <= 0 {
		cfg.FeverConfidence = 0.6
	}
	if cfg.FallbackConfidence <= 0 {
		cfg.FallbackConfidence = 0.6
	}
	if cfg.FallbackRules == nil {
		cfg.FallbackRules = DefaultFallbackRules
	}
	return &Engine{
		cfg:      cfg,
		models:   models,
		resolver: resolver,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Analyze returns the unranked candidates for symptom text. Without an
// active model only the fast path can answer; anything else is
// ErrModelNotReady.
func (e *Engine) Analyze(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error) {
	start := e.now()
	res, err := e.analyze(ctx, symptoms)
	status := "error"
	if err == nil {
		status = string(res.Status)
	}
	e.metrics.RecordAnalyze(status, e.now().Sub(start))
	return res, err
}

func (e *Engine) analyze(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := Normalize(symptoms)
	if text == "" {
		return nil, fmt.Errorf("%w: symptom text is empty", domain.ErrInvalidInput)
	}

	res := &domain.DiagnosisResult{Input: text, AnalyzedAt: e.now().UTC()}

	if containsAny(text, respiratoryKeywords) {
		res.Status = domain.StatusFastPath
		res.Candidates = e.fastPath(text)
		return res, nil
	}

	active := e.models.Current()
	if active == nil {
		return nil, domain.ErrModelNotReady
	}
	res.ModelVersion = active.Artifact.Version

	if cands := e.classify(active, text); len(cands) > 0 {
		res.Status = domain.StatusClassifier
		res.Candidates = cands
		return res, nil
	}

	res.LowConfidence = true
	if c, ok := e.fallback(text); ok {
		res.Status = domain.StatusKeywordFallback
		res.Candidates = []domain.Candidate{c}
		return res, nil
	}

	e.logger.WithField("input", text).Info("No condition matched the symptom text")
	res.Status = domain.StatusIndeterminate
	res.Message = domain.IndeterminateMessage
	res.Candidates = []domain.Candidate{}
	return res, nil
}

func (e *Engine) fastPath(text string) []domain.Candidate {
	cands := []domain.Candidate{{
		Condition:  e.canonicalOr(CommonCold),
		Confidence: e.cfg.FastPathConfidence,
		Source:     SourceFastPath,
	}}
	if containsAny(text, feverKeywords) {
		cands = append(cands, domain.Candidate{
			Condition:  e.canonicalOr(Influenza),
			Confidence: e.cfg.FeverConfidence,
			Source:     SourceFastPath,
		})
	}
	return cands
}

// classify keeps the top-N labels above the probability floor that resolve
// to a canonical condition. Labels resolving to the same condition merge.
func (e *Engine) classify(active *artifact.Active, text string) []domain.Candidate {
	probs, known := active.Model.Predict(text)
	if !known {
		e.logger.WithField("input", text).Debug("No vocabulary term in symptom text")
		return nil
	}

	var (
		out     []domain.Candidate
		index   = make(map[string]int)
		unknown []string
	)
	for i, p := range probs {
		if i >= e.cfg.TopN || p.Probability < e.cfg.MinProbability {
			break
		}
		canonical, ok := e.resolver.ResolveAlias(p.Label)
		if !ok {
			unknown = append(unknown, p.Label)
			continue
		}
		if j, seen := index[canonical]; seen {
			out[j].Confidence += p.Probability
			continue
		}
		index[canonical] = len(out)
		out = append(out, domain.Candidate{
			Condition:  canonical,
			Confidence: p.Probability,
			Source:     SourceClassifier,
		})
	}

	if len(unknown) > 0 {
		e.metrics.RecordUnknownLabels(len(unknown))
		e.logger.WithFields(logrus.Fields{
			"labels":  unknown,
			"version": active.Artifact.Version,
		}).Warn("Dropped classifier labels without a canonical condition")
	}
	domain.SortCandidates(out)
	return out
}

func (e *Engine) fallback(text string) (domain.Candidate, bool) {
	for _, rule := range e.cfg.FallbackRules {
		if !rule.Matches(text) {
			continue
		}
		canonical, ok := e.resolver.ResolveAlias(rule.Condition)
		if !ok {
			continue
		}
		return domain.Candidate{
			Condition:  canonical,
			Confidence: e.cfg.FallbackConfidence,
			Source:     SourceKeywordFallback,
		}, true
	}
	return domain.Candidate{}, false
}

func (e *Engine) canonicalOr(name string) string {
	if canonical, ok := e.resolver.ResolveAlias(name); ok {
		return canonical
	}
	return name
}

var _ domain.Analyzer = (*Engine)(nil)
