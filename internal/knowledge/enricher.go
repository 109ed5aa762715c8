package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/refcache"
	"github.com/medical-dx-engine/pkg/external"
)

// EnrichReport summarizes an enrichment run.
type EnrichReport struct {
	Updated         []string  `json:"updated"`
	Unchanged       []string  `json:"unchanged"`
	Failed          []string  `json:"failed,omitempty"`
	DegradedSources []string  `json:"degraded_sources,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// EnricherConfig tunes an Enricher.
type EnricherConfig struct {
	MaxArticles int
	Concurrency int
	// Indicators maps canonical condition names to indicator codes.
	Indicators map[string][]string
}

// Enricher attaches literature references and health indicators to
// condition records. It runs offline, never on the inference path.
type Enricher struct {
	store      *Store
	literature external.LiteratureService
	indicators external.IndicatorService
	cache      *refcache.Cache
	cfg        EnricherConfig
	logger     *logrus.Logger
	now        func() time.Time
}

func NewEnricher(store *Store, lit external.LiteratureService, ind external.IndicatorService,
	cache *refcache.Cache, cfg EnricherConfig, logger *logrus.Logger) *Enricher {
	if cfg.MaxArticles <= 0 {
		cfg.MaxArticles = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	idx := make(map[string][]string, len(cfg.Indicators))
	for name, codes := range cfg.Indicators {
		idx[normalizeKey(name)] = codes
	}
	cfg.Indicators = idx
	return &Enricher{
		store:      store,
		literature: lit,
		indicators: ind,
		cache:      cache,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Enrich refreshes the named conditions, or every condition when names is
// empty. Unreachable sources are reported, not returned as errors.
func (e *Enricher) Enrich(ctx context.Context, names ...string) (*EnrichReport, error) {
	report := &EnrichReport{StartedAt: e.now().UTC()}

	var targets []domain.ConditionRecord
	if len(names) == 0 {
		targets = e.store.List()
	} else {
		for _, n := range names {
			canonical, ok := e.store.ResolveAlias(n)
			if !ok {
				return nil, fmt.Errorf("condition %q: %w", n, domain.ErrNotFound)
			}
			rec, _ := e.store.Get(canonical)
			targets = append(targets, rec)
		}
	}

	var (
		mu       sync.Mutex
		degraded = map[string]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, rec := range targets {
		rec := rec
		g.Go(func() error {
			updated, changed, bad := e.enrichOne(gctx, rec)

			var err error
			if changed {
				err = e.store.Upsert(gctx, updated)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, s := range bad {
				degraded[s] = true
			}
			switch {
			case err != nil:
				e.logger.WithFields(logrus.Fields{"condition": rec.CanonicalName}).WithError(err).Warn("Enrichment upsert failed")
				report.Failed = append(report.Failed, rec.CanonicalName)
			case changed:
				report.Updated = append(report.Updated, rec.CanonicalName)
			default:
				report.Unchanged = append(report.Unchanged, rec.CanonicalName)
			}
			return nil
		})
	}
	_ = g.Wait()

	for s := range degraded {
		report.DegradedSources = append(report.DegradedSources, s)
	}
	sort.Strings(report.DegradedSources)
	sort.Strings(report.Updated)
	sort.Strings(report.Unchanged)
	sort.Strings(report.Failed)
	report.FinishedAt = e.now().UTC()

	e.logger.WithFields(logrus.Fields{
		"updated":  len(report.Updated),
		"failed":   len(report.Failed),
		"degraded": report.DegradedSources,
	}).Info("Knowledge enrichment finished")

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("enrichment interrupted: %w", err)
	}
	return report, nil
}

func (e *Enricher) enrichOne(ctx context.Context, rec domain.ConditionRecord) (domain.ConditionRecord, bool, []string) {
	var degraded []string
	changed := false
	out := rec.Clone()

	if e.literature != nil {
		query := rec.CanonicalName
		key := refcache.Key{Source: external.SourcePubMed, ID: fmt.Sprintf("search:%s:%d", normalizeKey(query), e.cfg.MaxArticles)}
		articles, res := refcache.FetchJSON(ctx, e.cache, key, func(ctx context.Context) ([]external.Article, error) {
			return e.literature.SearchLiterature(ctx, query, e.cfg.MaxArticles)
		})
		if res.Degraded() {
			degraded = append(degraded, external.SourcePubMed)
		}
		if res.Available() && len(articles) > 0 {
			out.References = mergeReferences(out.References, articles)
			out.SourceProvenance = addProvenance(out.SourceProvenance, external.SourcePubMed)
			changed = true
		}
	}

	if e.indicators != nil {
		for _, code := range e.cfg.Indicators[normalizeKey(rec.CanonicalName)] {
			code := code
			key := refcache.Key{Source: external.SourceGHO, ID: code}
			stat, res := refcache.FetchJSON(ctx, e.cache, key, func(ctx context.Context) (*external.IndicatorStat, error) {
				s, err := e.indicators.Indicator(ctx, code)
				if errors.Is(err, domain.ErrNotFound) {
					return nil, nil
				}
				return s, err
			})
			if res.Degraded() {
				degraded = append(degraded, external.SourceGHO)
			}
			if res.Available() && stat != nil {
				if out.Indicators == nil {
					out.Indicators = make(map[string]float64)
				}
				out.Indicators[code] = stat.Latest
				out.SourceProvenance = addProvenance(out.SourceProvenance, external.SourceGHO)
				changed = true
			}
		}
	}

	if changed {
		out.LastUpdated = e.now().UTC()
	}
	return out, changed, degraded
}

func mergeReferences(existing []domain.Reference, articles []external.Article) []domain.Reference {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.Source+":"+r.ID] = true
	}
	out := append([]domain.Reference(nil), existing...)
	for _, a := range articles {
		if a.PMID == "" || seen[external.SourcePubMed+":"+a.PMID] {
			continue
		}
		seen[external.SourcePubMed+":"+a.PMID] = true
		out = append(out, domain.Reference{
			ID:      a.PMID,
			Title:   strings.TrimSpace(a.Title),
			Journal: a.Journal,
			Year:    a.Year,
			Source:  external.SourcePubMed,
		})
	}
	return out
}

func addProvenance(prov []string, source string) []string {
	for _, p := range prov {
		if p == source {
			return prov
		}
	}
	return append(prov, source)
}
