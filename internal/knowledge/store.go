// Package knowledge holds the curated condition records and the alias table
// used to canonicalize classifier labels.
package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
)

// RecordSource loads and persists condition records.
type RecordSource interface {
	Name() string
	// Load returns every decodable record. A missing backing store is
	// reported as domain.ErrKnowledgeSourceMissing.
	Load(ctx context.Context) ([]domain.ConditionRecord, error)
	// Save persists changed. all is the full record set after the change,
	// for sources that rewrite everything.
	Save(ctx context.Context, changed domain.ConditionRecord, all []domain.ConditionRecord) error
}

// LoadStats summarizes a Load.
type LoadStats struct {
	Loaded         int `json:"loaded"`
	Skipped        int `json:"skipped"`
	DroppedAliases int `json:"dropped_aliases"`
}

type slot struct {
	mu  sync.RWMutex
	rec domain.ConditionRecord
}

type aliasEntry struct {
	alias string
	owner string
}

// Store is the Knowledge Store. Reads take a short lock on the index and a
// read lock on the single record; Upsert holds the exclusive lock only on
// the record it writes.
type Store struct {
	source RecordSource
	logger *logrus.Logger
	now    func() time.Time

	// writeMu serializes writers so alias checks see a stable table.
	writeMu sync.Mutex

	mu         sync.RWMutex
	records    map[string]*slot
	order      []string
	aliases    []aliasEntry
	aliasOwner map[string]string
}

// NewStore creates an empty store backed by source. Call Load before use.
func NewStore(source RecordSource, logger *logrus.Logger) *Store {
	return &Store{
		source:     source,
		logger:     logger,
		now:        time.Now,
		records:    make(map[string]*slot),
		aliasOwner: make(map[string]string),
	}
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Load replaces the store contents from the record source. Invalid records
// and duplicate canonical names are skipped; an alias claimed by an earlier
// record is dropped from the later one.
func (s *Store) Load(ctx context.Context) (LoadStats, error) {
	var stats LoadStats

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recs, err := s.source.Load(ctx)
	if err != nil {
		return stats, fmt.Errorf("loading knowledge from %s: %w", s.source.Name(), err)
	}

	records := make(map[string]*slot, len(recs))
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		log := s.logger.WithFields(logrus.Fields{
			"source":    s.source.Name(),
			"condition": rec.CanonicalName,
		})
		if err := rec.Validate(); err != nil {
			log.WithError(err).Warn("Skipping invalid condition record")
			stats.Skipped++
			continue
		}
		k := normalizeKey(rec.CanonicalName)
		if _, dup := records[k]; dup {
			log.Warn("Skipping duplicate condition record")
			stats.Skipped++
			continue
		}
		records[k] = &slot{rec: rec.Clone()}
		order = append(order, k)
	}

	aliases := make([]aliasEntry, 0, len(order)*2)
	owner := make(map[string]string)
	for _, k := range order {
		sl := records[k]
		kept := make([]string, 0, len(sl.rec.Aliases))
		for _, a := range sl.rec.Aliases {
			ak := normalizeKey(a)
			if prev, taken := owner[ak]; taken {
				if prev != k {
					s.logger.WithFields(logrus.Fields{
						"alias":     a,
						"condition": sl.rec.CanonicalName,
						"owner":     records[prev].rec.CanonicalName,
					}).Warn("Dropping alias already owned by another condition")
					stats.DroppedAliases++
				}
				continue
			}
			if _, isCanonical := records[ak]; isCanonical && ak != k {
				s.logger.WithFields(logrus.Fields{
					"alias":     a,
					"condition": sl.rec.CanonicalName,
				}).Warn("Dropping alias that names another condition")
				stats.DroppedAliases++
				continue
			}
			owner[ak] = k
			aliases = append(aliases, aliasEntry{alias: ak, owner: k})
			kept = append(kept, a)
		}
		sl.rec.Aliases = kept
	}

	s.mu.Lock()
	s.records = records
	s.order = order
	s.aliases = aliases
	s.aliasOwner = owner
	s.mu.Unlock()

	stats.Loaded = len(order)
	s.logger.WithFields(logrus.Fields{
		"source":          s.source.Name(),
		"loaded":          stats.Loaded,
		"skipped":         stats.Skipped,
		"dropped_aliases": stats.DroppedAliases,
	}).Info("Knowledge store loaded")
	return stats, nil
}

// ResolveAlias maps a raw label to a canonical condition name: an exact
// case-insensitive canonical match first, then the first alias (in
// insertion order) contained in the label.
func (s *Store) ResolveAlias(raw string) (string, bool) {
	label := normalizeKey(raw)
	if label == "" {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if sl, ok := s.records[label]; ok {
		return s.canonicalOf(sl), true
	}
	for _, e := range s.aliases {
		if strings.Contains(label, e.alias) {
			return s.canonicalOf(s.records[e.owner]), true
		}
	}
	return "", false
}

func (s *Store) canonicalOf(sl *slot) string {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.rec.CanonicalName
}

// Get returns a copy of the record with the given canonical name.
func (s *Store) Get(canonicalName string) (domain.ConditionRecord, bool) {
	s.mu.RLock()
	sl, ok := s.records[normalizeKey(canonicalName)]
	s.mu.RUnlock()
	if !ok {
		return domain.ConditionRecord{}, false
	}
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return sl.rec.Clone(), true
}

// List returns copies of all records in load order.
func (s *Store) List() []domain.ConditionRecord {
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.order))
	for _, k := range s.order {
		slots = append(slots, s.records[k])
	}
	s.mu.RUnlock()

	out := make([]domain.ConditionRecord, 0, len(slots))
	for _, sl := range slots {
		sl.mu.RLock()
		out = append(out, sl.rec.Clone())
		sl.mu.RUnlock()
	}
	return out
}

// Len is the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Upsert validates and writes a record. Aliases may not collide with
// another record's aliases or canonical name.
func (s *Store) Upsert(ctx context.Context, record domain.ConditionRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid condition record: %w", err)
	}
	rec := record.Clone()
	rec.Aliases = dedupeFold(rec.Aliases)
	if rec.Severity == "" {
		rec.Severity = domain.SeverityModerate
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = s.now().UTC()
	}
	k := normalizeKey(rec.CanonicalName)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkConflicts(k, rec); err != nil {
		return err
	}

	s.mu.RLock()
	sl, exists := s.records[k]
	s.mu.RUnlock()
	if !exists {
		sl = &slot{}
	}

	all := s.snapshotWith(k, rec)

	sl.mu.Lock()
	if err := s.source.Save(ctx, rec, all); err != nil {
		sl.mu.Unlock()
		return fmt.Errorf("persisting %s: %w", rec.CanonicalName, err)
	}
	sl.rec = rec
	sl.mu.Unlock()

	s.mu.Lock()
	if !exists {
		s.records[k] = sl
		s.order = append(s.order, k)
	}
	s.reindexAliases(k, rec.Aliases)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"condition": rec.CanonicalName,
		"created":   !exists,
		"aliases":   len(rec.Aliases),
	}).Info("Condition record upserted")
	return nil
}

func (s *Store) checkConflicts(k string, rec domain.ConditionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if owner, ok := s.aliasOwner[k]; ok && owner != k {
		return fmt.Errorf("%w: canonical name %q is an alias of %s",
			domain.ErrAliasConflict, rec.CanonicalName, s.records[owner].rec.CanonicalName)
	}
	for _, a := range rec.Aliases {
		ak := normalizeKey(a)
		if owner, ok := s.aliasOwner[ak]; ok && owner != k {
			return fmt.Errorf("%w: alias %q belongs to %s",
				domain.ErrAliasConflict, a, s.records[owner].rec.CanonicalName)
		}
		if _, ok := s.records[ak]; ok && ak != k {
			return fmt.Errorf("%w: alias %q names another condition", domain.ErrAliasConflict, a)
		}
	}
	return nil
}

// snapshotWith returns all records with rec substituted or appended.
func (s *Store) snapshotWith(k string, rec domain.ConditionRecord) []domain.ConditionRecord {
	s.mu.RLock()
	keys := append([]string(nil), s.order...)
	slots := make(map[string]*slot, len(keys))
	for _, key := range keys {
		slots[key] = s.records[key]
	}
	s.mu.RUnlock()

	out := make([]domain.ConditionRecord, 0, len(keys)+1)
	replaced := false
	for _, key := range keys {
		if key == k {
			out = append(out, rec)
			replaced = true
			continue
		}
		sl := slots[key]
		sl.mu.RLock()
		out = append(out, sl.rec.Clone())
		sl.mu.RUnlock()
	}
	if !replaced {
		out = append(out, rec)
	}
	return out
}

// reindexAliases keeps the positions of aliases the record still has,
// drops the removed ones and appends new ones. Callers hold s.mu.
func (s *Store) reindexAliases(k string, aliases []string) {
	want := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		want[normalizeKey(a)] = true
	}

	kept := s.aliases[:0:0]
	for _, e := range s.aliases {
		if e.owner == k && !want[e.alias] {
			delete(s.aliasOwner, e.alias)
			continue
		}
		kept = append(kept, e)
	}
	for _, a := range aliases {
		ak := normalizeKey(a)
		if _, ok := s.aliasOwner[ak]; ok {
			continue
		}
		s.aliasOwner[ak] = k
		kept = append(kept, aliasEntry{alias: ak, owner: k})
	}
	s.aliases = kept
}

func dedupeFold(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		k := normalizeKey(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
