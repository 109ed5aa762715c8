package domain

import (
	"context"
)

// LabelResolver maps raw classifier labels to canonical condition names.
type LabelResolver interface {
	ResolveAlias(raw string) (string, bool)
}

// ConditionLookup gives read access to the knowledge base.
type ConditionLookup interface {
	LabelResolver
	Get(canonicalName string) (ConditionRecord, bool)
	List() []ConditionRecord
}

// ConditionWriter mutates the knowledge base.
type ConditionWriter interface {
	Upsert(ctx context.Context, record ConditionRecord) error
}

// Analyzer produces a raw (unranked) diagnosis for symptom text.
type Analyzer interface {
	Analyze(ctx context.Context, symptoms string) (*DiagnosisResult, error)
}

// ModelTrainer trains and activates a new model artifact.
type ModelTrainer interface {
	Train(ctx context.Context, examples []TrainingExample) (*ModelArtifact, error)
}

// InteractionChecker resolves interactions across a medication list.
type InteractionChecker interface {
	CheckInteractions(ctx context.Context, medications []string) (*InteractionReport, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	Validate() error
}
