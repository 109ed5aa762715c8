package ml

import (
	"encoding/json"
	"fmt"
	"sort"
)

// LabelProbability pairs a class label with its predicted probability.
type LabelProbability struct {
	Label       string
	Probability float64
}

// Model couples a fitted vectorizer and classifier with the label names
// of the classifier's output columns.
type Model struct {
	Vectorizer *Vectorizer
	Classifier Classifier
	Labels     []string
}

// Predict returns every label ordered by descending probability. known
// is false when the text contains no vocabulary term, in which case the
// classifier is not consulted.
func (m *Model) Predict(text string) (probs []LabelProbability, known bool) {
	x := m.Vectorizer.Transform(text)
	if x.Len() == 0 {
		return nil, false
	}
	p := m.Classifier.PredictProba(x)
	out := make([]LabelProbability, 0, len(p))
	for k, v := range p {
		if k < len(m.Labels) {
			out = append(out, LabelProbability{Label: m.Labels[k], Probability: v})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Label < out[j].Label
	})
	return out, true
}

// EncodeVectorizer serializes the vectorizer state.
func EncodeVectorizer(v *Vectorizer) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding vectorizer: %w", err)
	}
	return data, nil
}

// DecodeModel rebuilds a Model from serialized vectorizer and classifier state.
func DecodeModel(labels []string, family Family, vectorizer, classifier json.RawMessage) (*Model, error) {
	var v Vectorizer
	if err := json.Unmarshal(vectorizer, &v); err != nil {
		return nil, fmt.Errorf("decoding vectorizer: %w", err)
	}
	if err := v.validate(); err != nil {
		return nil, fmt.Errorf("invalid vectorizer: %w", err)
	}
	c, err := UnmarshalClassifier(family, classifier)
	if err != nil {
		return nil, err
	}
	if n := len(c.PredictProba(SparseVector{})); n != len(labels) {
		return nil, fmt.Errorf("classifier has %d classes but %d labels were supplied", n, len(labels))
	}
	return &Model{Vectorizer: &v, Classifier: c, Labels: labels}, nil
}
