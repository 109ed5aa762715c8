package ml

import (
	"fmt"
	"math"
	"sort"
)

// VectorizerConfig bounds the TF-IDF vocabulary.
type VectorizerConfig struct {
	MaxFeatures int  `json:"max_features"`
	NGramMin    int  `json:"ngram_min"`
	NGramMax    int  `json:"ngram_max"`
	StopWords   bool `json:"stop_words"`
}

// Vectorizer maps text to L2-normalized TF-IDF vectors. Its exported state
// is everything needed to reproduce Transform after a JSON round trip.
type Vectorizer struct {
	Config     VectorizerConfig `json:"config"`
	Vocabulary map[string]int   `json:"vocabulary"`
	IDF        []float64        `json:"idf"`
}

// FitVectorizer learns the vocabulary and inverse document frequencies.
// Terms are ranked by corpus frequency when the vocabulary must be capped;
// smoothed idf is ln((1+n)/(1+df)) + 1.
func FitVectorizer(cfg VectorizerConfig, docs []string) (*Vectorizer, error) {
	if cfg.NGramMin < 1 {
		cfg.NGramMin = 1
	}
	if cfg.NGramMax < cfg.NGramMin {
		cfg.NGramMax = cfg.NGramMin
	}
	v := &Vectorizer{Config: cfg}

	termFreq := make(map[string]int)
	docFreq := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool)
		for _, term := range v.analyze(doc) {
			termFreq[term]++
			if !seen[term] {
				seen[term] = true
				docFreq[term]++
			}
		}
	}
	if len(termFreq) == 0 {
		return nil, errEmptyVocabulary
	}

	terms := make([]string, 0, len(termFreq))
	for term := range termFreq {
		terms = append(terms, term)
	}
	if cfg.MaxFeatures > 0 && len(terms) > cfg.MaxFeatures {
		sort.Slice(terms, func(i, j int) bool {
			if termFreq[terms[i]] != termFreq[terms[j]] {
				return termFreq[terms[i]] > termFreq[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:cfg.MaxFeatures]
	}
	sort.Strings(terms)

	n := float64(len(docs))
	v.Vocabulary = make(map[string]int, len(terms))
	v.IDF = make([]float64, len(terms))
	for i, term := range terms {
		v.Vocabulary[term] = i
		v.IDF[i] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}
	return v, nil
}

func (v *Vectorizer) analyze(doc string) []string {
	return NGrams(Tokenize(doc, v.Config.StopWords), v.Config.NGramMin, v.Config.NGramMax)
}

// Features is the vocabulary size.
func (v *Vectorizer) Features() int {
	return len(v.IDF)
}

// Transform vectorizes a single document.
func (v *Vectorizer) Transform(doc string) SparseVector {
	counts := make(map[int]float64)
	for _, term := range v.analyze(doc) {
		if idx, ok := v.Vocabulary[term]; ok {
			counts[idx]++
		}
	}
	vec := SparseVector{
		Indices: make([]int, 0, len(counts)),
		Values:  make([]float64, 0, len(counts)),
	}
	for idx := range counts {
		vec.Indices = append(vec.Indices, idx)
	}
	sort.Ints(vec.Indices)
	for _, idx := range vec.Indices {
		vec.Values = append(vec.Values, counts[idx]*v.IDF[idx])
	}
	vec.normalize()
	return vec
}

// TransformAll vectorizes every document.
func (v *Vectorizer) TransformAll(docs []string) []SparseVector {
	out := make([]SparseVector, len(docs))
	for i, doc := range docs {
		out[i] = v.Transform(doc)
	}
	return out
}

func (v *Vectorizer) validate() error {
	if len(v.Vocabulary) != len(v.IDF) {
		return fmt.Errorf("vocabulary has %d terms but %d idf weights", len(v.Vocabulary), len(v.IDF))
	}
	for term, idx := range v.Vocabulary {
		if idx < 0 || idx >= len(v.IDF) {
			return fmt.Errorf("term %q has out of range index %d", term, idx)
		}
	}
	return nil
}
