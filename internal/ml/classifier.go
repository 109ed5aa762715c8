// Package ml implements the text classification stack used by the trainer:
// a TF-IDF vectorizer and three classifier families whose fitted state is
// plain JSON, so a reloaded model reproduces its probabilities exactly.
package ml

import (
	"context"
	"encoding/json"
	"fmt"
)

// Family names a classifier implementation.
type Family string

const (
	FamilyRandomForest       Family = "random_forest"
	FamilyGradientBoosting   Family = "gradient_boosting"
	FamilyLogisticRegression Family = "logistic_regression"
)

// Classifier is a fitted multi-class probabilistic model.
type Classifier interface {
	Family() Family
	Fit(ctx context.Context, d *Dataset) error
	PredictProba(x SparseVector) []float64
}

// Params carries the hyperparameters of every family.
type Params struct {
	Seed     int64
	Forest   ForestParams
	Boosting BoostingParams
	Logistic LogisticParams
}

// NewClassifier builds an unfitted classifier of the given family.
func NewClassifier(family Family, p Params) (Classifier, error) {
	switch family {
	case FamilyRandomForest:
		fp := p.Forest
		fp.Seed = p.Seed
		return NewRandomForest(fp), nil
	case FamilyGradientBoosting:
		return NewGradientBoosting(p.Boosting), nil
	case FamilyLogisticRegression:
		return NewLogisticRegression(p.Logistic), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
}

// MarshalClassifier serializes a fitted classifier's state.
func MarshalClassifier(c Classifier) (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s state: %w", c.Family(), err)
	}
	return data, nil
}

// UnmarshalClassifier restores a classifier from MarshalClassifier output.
func UnmarshalClassifier(family Family, data json.RawMessage) (Classifier, error) {
	var c Classifier
	switch family {
	case FamilyRandomForest:
		c = &RandomForest{}
	case FamilyGradientBoosting:
		c = &GradientBoosting{}
	case FamilyLogisticRegression:
		c = &LogisticRegression{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding %s state: %w", family, err)
	}
	if v, ok := c.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s state: %w", family, err)
		}
	}
	return c, nil
}

// Accuracy is the fraction of rows whose most probable class is the label.
func Accuracy(c Classifier, d *Dataset) float64 {
	if len(d.X) == 0 {
		return 0
	}
	correct := 0
	for i, x := range d.X {
		if argmax(c.PredictProba(x)) == d.Y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(d.X))
}
