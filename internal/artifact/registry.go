package artifact

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/ml"
)

// Active is a decoded artifact ready for inference.
type Active struct {
	Artifact *domain.ModelArtifact
	Model    *ml.Model
}

// Registry holds the in-process active model behind an atomic pointer.
type Registry struct {
	current atomic.Pointer[Active]
	logger  *logrus.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{logger: logger}
}

// Decode rebuilds the model carried by an artifact.
func Decode(a *domain.ModelArtifact) (*Active, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	m, err := ml.DecodeModel(a.LabelSet, ml.Family(a.ClassifierFamily), a.VectorizerParameters, a.ClassifierState)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", a.Version, err)
	}
	return &Active{Artifact: a, Model: m}, nil
}

// Publish decodes a and makes it the active model.
func (r *Registry) Publish(a *domain.ModelArtifact) error {
	active, err := Decode(a)
	if err != nil {
		return err
	}
	r.current.Store(active)
	r.logger.WithFields(logrus.Fields{
		"version":  a.Version,
		"family":   a.ClassifierFamily,
		"accuracy": a.HeldOutAccuracy,
		"labels":   len(a.LabelSet),
	}).Info("Model published")
	return nil
}

// Current returns the active model or nil.
func (r *Registry) Current() *Active {
	return r.current.Load()
}

// LoadCurrent publishes the store's selected artifact. A store without a
// selector leaves the registry empty and returns ErrModelNotReady.
func (r *Registry) LoadCurrent(ctx context.Context, store *FileStore) error {
	a, err := store.Current(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: no artifact selected", domain.ErrModelNotReady)
		}
		return err
	}
	return r.Publish(a)
}
