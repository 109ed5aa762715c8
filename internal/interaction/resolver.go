// Package interaction checks medication lists for pairwise drug
// interactions using the built-in rule table and cached formulary lookups.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/metrics"
	"github.com/medical-dx-engine/internal/refcache"
	"github.com/medical-dx-engine/pkg/external"
)

const labelRecommendation = "Consult healthcare provider"

// Config holds the resolver settings.
type Config struct {
	Concurrency           int
	AdverseEventThreshold int
	NormalizeNames        bool
}

func ConfigFromDomain(c domain.InteractionConfig) Config {
	return Config{
		Concurrency:           c.Concurrency,
		AdverseEventThreshold: c.AdverseEventThreshold,
		NormalizeNames:        c.NormalizeNames,
	}
}

// Resolver implements domain.InteractionChecker. The formulary, normalizer
// and cache are optional; without them only the rule table is consulted.
type Resolver struct {
	cfg        Config
	rules      *RuleTable
	formulary  external.FormularyService
	normalizer external.DrugNormalizer
	cache      *refcache.Cache
	metrics    *metrics.Metrics
	logger     *logrus.Logger
	now        func() time.Time
}

func NewResolver(cfg Config, rules *RuleTable, formulary external.FormularyService, normalizer external.DrugNormalizer,
	cache *refcache.Cache, m *metrics.Metrics, logger *logrus.Logger) *Resolver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.AdverseEventThreshold <= 0 {
		cfg.AdverseEventThreshold = 100
	}
	if rules == nil {
		rules = NewRuleTable(KnownInteractions)
	}
	return &Resolver{
		cfg:        cfg,
		rules:      rules,
		formulary:  formulary,
		normalizer: normalizer,
		cache:      cache,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// degradedSet collects sources that could not be reached during a check.
type degradedSet struct {
	mu      sync.Mutex
	sources map[string]bool
}

func (d *degradedSet) add(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sources == nil {
		d.sources = make(map[string]bool)
	}
	d.sources[source] = true
}

func (d *degradedSet) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sources))
	for s := range d.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CheckInteractions checks every unordered pair of the medication list.
// Pairs are reported in input order. A pair without a known interaction is
// not an error, and unreachable sources only show up as degraded.
func (r *Resolver) CheckInteractions(ctx context.Context, medications []string) (*domain.InteractionReport, error) {
	degraded := &degradedSet{}

	meds, err := r.normalize(ctx, medications, degraded)
	if err != nil {
		return nil, err
	}
	if len(meds) == 0 {
		return nil, fmt.Errorf("%w: no medication names given", domain.ErrInvalidInput)
	}

	var pairs []domain.DrugPair
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			pairs = append(pairs, domain.DrugPair{A: meds[i], B: meds[j]})
		}
	}

	results := make([]domain.PairResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, pair := range pairs {
		i, pair := i, pair
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.checkPair(gctx, pair, degraded)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &domain.InteractionReport{
		Medications:     meds,
		Pairs:           results,
		Interactions:    []domain.InteractionRule{},
		Warnings:        []string{},
		Recommendations: []string{},
		DegradedSources: degraded.list(),
		CheckedAt:       r.now().UTC(),
	}
	for _, res := range results {
		if res.Interaction == nil {
			continue
		}
		in := *res.Interaction
		report.Interactions = append(report.Interactions, in)
		if in.Severity == domain.InteractionSevere || in.Severity == domain.InteractionModerate {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s: %s - %s", strings.ToUpper(string(in.Severity)), res.Pair, in.Description))
		}
		if in.Recommendation != "" {
			report.Recommendations = append(report.Recommendations, fmt.Sprintf("%s: %s", res.Pair, in.Recommendation))
		}
	}
	report.RiskLevel = domain.AggregateRisk(report.Interactions)
	r.metrics.RecordInteractionCheck(string(report.RiskLevel))

	r.logger.WithFields(logrus.Fields{
		"medications":  len(meds),
		"pairs":        len(pairs),
		"interactions": len(report.Interactions),
		"risk_level":   report.RiskLevel,
		"degraded":     report.DegradedSources,
	}).Info("Checked medication interactions")
	return report, nil
}

// normalize cleans and de-duplicates names, keeping first occurrences.
func (r *Resolver) normalize(ctx context.Context, medications []string, degraded *degradedSet) ([]string, error) {
	seen := make(map[string]bool, len(medications))
	out := make([]string, 0, len(medications))
	for _, m := range medications {
		name := NormalizeName(m)
		if name == "" {
			continue
		}
		if r.cfg.NormalizeNames && r.normalizer != nil && r.cache != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			name = r.ingredient(ctx, name, degraded)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func (r *Resolver) ingredient(ctx context.Context, name string, degraded *degradedSet) string {
	key := refcache.Key{Source: external.SourceRxNorm, ID: "drug:" + name}
	normalized, res := refcache.FetchJSON(ctx, r.cache, key, func(ctx context.Context) (string, error) {
		n, err := r.normalizer.NormalizeDrug(ctx, name)
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return n, err
	})
	if res.Degraded() {
		degraded.add(external.SourceRxNorm)
	}
	if n := NormalizeName(normalized); n != "" {
		return n
	}
	return name
}

func (r *Resolver) checkPair(ctx context.Context, pair domain.DrugPair, degraded *degradedSet) domain.PairResult {
	res := domain.PairResult{Pair: pair, Status: domain.PairNoneKnown}

	if rule, ok := r.rules.Lookup(pair.A, pair.B); ok {
		res.Status = domain.PairInteraction
		res.Interaction = &rule
		return res
	}
	if r.formulary == nil || r.cache == nil {
		return res
	}

	if in := r.labelMention(ctx, pair, degraded); in != nil {
		res.Status = domain.PairInteraction
		res.Interaction = in
		return res
	}
	if in := r.coReported(ctx, pair, degraded); in != nil {
		res.Status = domain.PairInteraction
		res.Interaction = in
	}
	return res
}

// labelMention looks for either drug in the other's label interaction text.
func (r *Resolver) labelMention(ctx context.Context, pair domain.DrugPair, degraded *degradedSet) *domain.InteractionRule {
	for _, d := range [][2]string{{pair.A, pair.B}, {pair.B, pair.A}} {
		drug, other := d[0], d[1]
		label := r.drugLabel(ctx, drug, degraded)
		if label == nil {
			continue
		}
		for _, text := range label.InteractionsText {
			if mentions(text, other) {
				return &domain.InteractionRule{
					Pair:           domain.NewDrugPair(pair.A, pair.B),
					Severity:       domain.InteractionModerate,
					Description:    text,
					Recommendation: labelRecommendation,
					EvidenceSource: EvidenceDrugLabel,
					EvidenceLevel:  "label",
				}
			}
		}
	}
	return nil
}

// mentions reports whether drug occurs in text as whole words, so "iron"
// does not match "environment".
func mentions(text, drug string) bool {
	want := words(drug)
	if len(want) == 0 {
		return false
	}
	have := words(text)
	for i := 0; i+len(want) <= len(have); i++ {
		match := true
		for j, w := range want {
			if have[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (r *Resolver) drugLabel(ctx context.Context, drug string, degraded *degradedSet) *external.DrugLabel {
	key := refcache.Key{Source: external.SourceOpenFDA, ID: "label:" + drug}
	label, res := refcache.FetchJSON(ctx, r.cache, key, func(ctx context.Context) (*external.DrugLabel, error) {
		l, err := r.formulary.DrugLabel(ctx, drug)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return l, err
	})
	if res.Degraded() {
		degraded.add(external.SourceOpenFDA)
	}
	return label
}

func (r *Resolver) coReported(ctx context.Context, pair domain.DrugPair, degraded *degradedSet) *domain.InteractionRule {
	key := refcache.Key{Source: external.SourceOpenFDA, ID: "coreports:" + pair.Key()}
	count, res := refcache.FetchJSON(ctx, r.cache, key, func(ctx context.Context) (int, error) {
		return r.formulary.CoReportCount(ctx, pair.A, pair.B)
	})
	if res.Degraded() {
		degraded.add(external.SourceOpenFDA)
	}
	if !res.Available() || count < r.cfg.AdverseEventThreshold {
		return nil
	}
	return &domain.InteractionRule{
		Pair:           domain.NewDrugPair(pair.A, pair.B),
		Severity:       domain.InteractionModerate,
		Description:    fmt.Sprintf("Adverse events reported with %s and %s (%d reports)", pair.A, pair.B, count),
		Recommendation: "Monitor for adverse effects",
		EvidenceSource: EvidenceAdverseEvent,
		EvidenceLevel:  "adverse_event_reports",
	}
}

var _ domain.InteractionChecker = (*Resolver)(nil)
