package knowledge

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/medical-dx-engine/internal/domain"
)

//go:embed data/conditions.json
var curatedConditions []byte

// document is the on-disk layout of a record file.
type document struct {
	Conditions []domain.ConditionRecord `json:"conditions" yaml:"conditions"`
}

// FileSource reads records from a JSON or YAML file and rewrites the whole
// file atomically on every save.
type FileSource struct {
	path   string
	yaml   bool
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileSource picks the format from the file extension.
func NewFileSource(path string, logger *logrus.Logger) *FileSource {
	ext := strings.ToLower(filepath.Ext(path))
	return &FileSource{
		path:   path,
		yaml:   ext == ".yaml" || ext == ".yml",
		logger: logger,
	}
}

func (f *FileSource) Name() string {
	return "file:" + f.path
}

func (f *FileSource) Load(ctx context.Context) ([]domain.ConditionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrKnowledgeSourceMissing, f.path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.path, err)
	}
	if f.yaml {
		return decodeYAMLRecords(data, f.logger)
	}
	return decodeJSONRecords(data, f.logger)
}

func (f *FileSource) Save(ctx context.Context, _ domain.ConditionRecord, all []domain.ConditionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		data []byte
		err  error
	)
	doc := document{Conditions: all}
	if f.yaml {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return writeFileAtomic(f.path, data)
}

// EmbeddedSource serves the curated dataset compiled into the binary.
// Saves are kept in memory for the life of the process.
type EmbeddedSource struct {
	logger *logrus.Logger

	mu      sync.Mutex
	overlay map[string]domain.ConditionRecord
	added   []string
}

func NewEmbeddedSource(logger *logrus.Logger) *EmbeddedSource {
	return &EmbeddedSource{logger: logger, overlay: make(map[string]domain.ConditionRecord)}
}

func (e *EmbeddedSource) Name() string {
	return "embedded"
}

func (e *EmbeddedSource) Load(ctx context.Context) ([]domain.ConditionRecord, error) {
	recs, err := decodeJSONRecords(curatedConditions, e.logger)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]bool, len(recs))
	for i, r := range recs {
		k := normalizeKey(r.CanonicalName)
		seen[k] = true
		if o, ok := e.overlay[k]; ok {
			recs[i] = o.Clone()
		}
	}
	for _, k := range e.added {
		if !seen[k] {
			recs = append(recs, e.overlay[k].Clone())
		}
	}
	return recs, nil
}

func (e *EmbeddedSource) Save(ctx context.Context, changed domain.ConditionRecord, _ []domain.ConditionRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := normalizeKey(changed.CanonicalName)
	if _, ok := e.overlay[k]; !ok {
		e.added = append(e.added, k)
	}
	e.overlay[k] = changed.Clone()
	return nil
}

// CuratedRecords decodes the embedded dataset.
func CuratedRecords(logger *logrus.Logger) ([]domain.ConditionRecord, error) {
	return decodeJSONRecords(curatedConditions, logger)
}

// decodeJSONRecords accepts either a bare array or {"conditions": [...]}.
// Elements that fail to decode are skipped.
func decodeJSONRecords(data []byte, logger *logrus.Logger) ([]domain.ConditionRecord, error) {
	trimmed := bytes.TrimSpace(data)
	var raw []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decoding condition records: %w", err)
		}
	} else {
		var doc struct {
			Conditions []json.RawMessage `json:"conditions"`
		}
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decoding condition records: %w", err)
		}
		raw = doc.Conditions
	}

	out := make([]domain.ConditionRecord, 0, len(raw))
	for i, msg := range raw {
		var rec domain.ConditionRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			logger.WithFields(logrus.Fields{"index": i}).WithError(err).Warn("Skipping undecodable condition record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeYAMLRecords(data []byte, logger *logrus.Logger) ([]domain.ConditionRecord, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("decoding condition records: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	seq := root.Content[0]
	if seq.Kind == yaml.MappingNode {
		seq = nil
		for i := 0; i+1 < len(root.Content[0].Content); i += 2 {
			if root.Content[0].Content[i].Value == "conditions" {
				seq = root.Content[0].Content[i+1]
				break
			}
		}
		if seq == nil {
			return nil, nil
		}
	}
	if seq.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("decoding condition records: expected a list at line %d", seq.Line)
	}

	out := make([]domain.ConditionRecord, 0, len(seq.Content))
	for i, node := range seq.Content {
		var rec domain.ConditionRecord
		if err := node.Decode(&rec); err != nil {
			logger.WithFields(logrus.Fields{"index": i, "line": node.Line}).WithError(err).Warn("Skipping undecodable condition record")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
