// Package artifact persists trained models. Artifacts are immutable gzip
// JSON files; the active one is named by a small JSON selector that is
// replaced atomically, so readers never observe a half-written model.
package artifact

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
)

const (
	artifactDir  = "artifacts"
	artifactExt  = ".json.gz"
	selectorFile = "current.json"
)

// Selector is the on-disk pointer to the active artifact.
type Selector struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info describes a stored artifact without loading it.
type Info struct {
	Version string    `json:"version"`
	Size    int64     `json:"size"`
	Current bool      `json:"current"`
	ModTime time.Time `json:"mod_time"`
}

// FileStore keeps artifacts under <dir>/artifacts and the selector at
// <dir>/current.json.
type FileStore struct {
	dir    string
	logger *logrus.Logger
}

// NewVersion returns a sortable, unique artifact version.
func NewVersion(trainedAt time.Time) string {
	return trainedAt.UTC().Format("20060102T150405Z") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewFileStore creates the store directories if needed.
func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, artifactDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(version string) string {
	return filepath.Join(s.dir, artifactDir, version+artifactExt)
}

// Save writes a new artifact. An existing version is never overwritten.
func (s *FileStore) Save(ctx context.Context, a *domain.ModelArtifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(a.Version, `/\`) {
		return domain.NewValidationError("version", "must not contain path separators", a.Version)
	}

	final := s.path(a.Version)
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-"+a.Version+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(a); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to compress artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}

	// Link fails when the target exists, which keeps artifacts immutable.
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", domain.ErrArtifactExists, a.Version)
		}
		return fmt.Errorf("failed to publish artifact: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"version":  a.Version,
		"family":   a.ClassifierFamily,
		"accuracy": a.HeldOutAccuracy,
	}).Info("Model artifact saved")
	return nil
}

// Load reads an artifact by version.
func (s *FileStore) Load(ctx context.Context, version string) (*domain.ModelArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s: %w", version, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", version, err)
	}
	defer gz.Close()

	var a domain.ModelArtifact
	if err := json.NewDecoder(gz).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact %s: %w", version, err)
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("artifact %s is invalid: %w", version, err)
	}
	return &a, nil
}

// SetCurrent points the selector at version, which must already exist.
func (s *FileStore) SetCurrent(version string) error {
	if _, err := os.Stat(s.path(version)); err != nil {
		return fmt.Errorf("artifact %s: %w", version, domain.ErrNotFound)
	}
	data, err := json.MarshalIndent(Selector{Version: version, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode selector: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, selectorFile), data); err != nil {
		return fmt.Errorf("failed to write selector: %w", err)
	}
	s.logger.WithField("version", version).Info("Active model artifact updated")
	return nil
}

// CurrentVersion returns the selected version, or ErrNotFound.
func (s *FileStore) CurrentVersion() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, selectorFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("artifact selector: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to read selector: %w", err)
	}
	var sel Selector
	if err := json.Unmarshal(data, &sel); err != nil {
		return "", fmt.Errorf("failed to decode selector: %w", err)
	}
	if sel.Version == "" {
		return "", fmt.Errorf("artifact selector: %w", domain.ErrNotFound)
	}
	return sel.Version, nil
}

// Current loads the selected artifact.
func (s *FileStore) Current(ctx context.Context) (*domain.ModelArtifact, error) {
	version, err := s.CurrentVersion()
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, version)
}

// List returns stored artifacts, newest version first.
func (s *FileStore) List() ([]Info, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, artifactDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	current, _ := s.CurrentVersion()

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, artifactExt) || strings.HasPrefix(name, ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		version := strings.TrimSuffix(name, artifactExt)
		out = append(out, Info{
			Version: version,
			Size:    fi.Size(),
			Current: version == current,
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// Prune removes all but the newest keep artifacts. The current artifact is
// never removed and does not count against keep.
func (s *FileStore) Prune(keep int) ([]string, error) {
	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	kept := 0
	for _, info := range infos {
		if info.Current {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		if err := os.Remove(s.path(info.Version)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove artifact %s: %w", info.Version, err)
		}
		removed = append(removed, info.Version)
	}
	if len(removed) > 0 {
		s.logger.WithFields(logrus.Fields{
			"removed": len(removed),
			"kept":    kept,
		}).Info("Pruned model artifacts")
	}
	return removed, nil
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
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
