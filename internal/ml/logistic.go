package ml

import (
	"context"
	"fmt"
	"math"
)

// LogisticParams configures LogisticRegression.
type LogisticParams struct {
	MaxIter      int     `json:"max_iter"`
	C            float64 `json:"c"`
	LearningRate float64 `json:"learning_rate"`
	Tolerance    float64 `json:"tolerance"`
}

// LogisticRegression is a multinomial (softmax) linear model with L2
// regularization, fitted by full-batch gradient descent.
type LogisticRegression struct {
	Params     LogisticParams `json:"params"`
	Classes    int            `json:"classes"`
	Features   int            `json:"features"`
	Weights    [][]float64    `json:"weights"`
	Bias       []float64      `json:"bias"`
	Iterations int            `json:"iterations"`
}

// NewLogisticRegression returns an unfitted linear model.
func NewLogisticRegression(p LogisticParams) *LogisticRegression {
	if p.MaxIter <= 0 {
		p.MaxIter = 1000
	}
	if p.C <= 0 {
		p.C = 1
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 1
	}
	if p.Tolerance <= 0 {
		p.Tolerance = 1e-4
	}
	return &LogisticRegression{Params: p}
}

func (l *LogisticRegression) Family() Family { return FamilyLogisticRegression }

// Fit minimizes the weighted mean cross-entropy plus ||W||^2 / (2 C sum(w)).
func (l *LogisticRegression) Fit(ctx context.Context, d *Dataset) error {
	if err := d.validate(); err != nil {
		return err
	}
	K, D := d.Classes, d.Features
	l.Classes, l.Features = K, D
	l.Weights = make([][]float64, K)
	gradW := make([][]float64, K)
	for k := range l.Weights {
		l.Weights[k] = make([]float64, D)
		gradW[k] = make([]float64, D)
	}
	l.Bias = make([]float64, K)
	gradB := make([]float64, K)

	var wsum float64
	for _, w := range d.W {
		wsum += w
	}
	if wsum <= 0 {
		return errBadWeight
	}
	lambda := 1 / (l.Params.C * wsum)
	z := make([]float64, K)

	for it := 0; it < l.Params.MaxIter; it++ {
		if it%50 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for k := 0; k < K; k++ {
			for j := range gradW[k] {
				gradW[k][j] = lambda * l.Weights[k][j]
			}
			gradB[k] = 0
		}
		for i, x := range d.X {
			if d.W[i] == 0 {
				continue
			}
			for k := 0; k < K; k++ {
				z[k] = l.Bias[k] + x.Dot(l.Weights[k])
			}
			p := softmax(z)
			for k := 0; k < K; k++ {
				target := 0.0
				if d.Y[i] == k {
					target = 1
				}
				g := d.W[i] * (p[k] - target) / wsum
				gradB[k] += g
				for idx, j := range x.Indices {
					gradW[k][j] += g * x.Values[idx]
				}
			}
		}

		var maxGrad float64
		for k := 0; k < K; k++ {
			maxGrad = math.Max(maxGrad, math.Abs(gradB[k]))
			l.Bias[k] -= l.Params.LearningRate * gradB[k]
			for j := range gradW[k] {
				maxGrad = math.Max(maxGrad, math.Abs(gradW[k][j]))
				l.Weights[k][j] -= l.Params.LearningRate * gradW[k][j]
			}
		}
		l.Iterations = it + 1
		if maxGrad < l.Params.Tolerance {
			break
		}
	}
	return nil
}

func (l *LogisticRegression) PredictProba(x SparseVector) []float64 {
	z := make([]float64, l.Classes)
	for k := range z {
		z[k] = l.Bias[k] + l.dot(k, x)
	}
	if len(z) == 0 {
		return z
	}
	return softmax(z)
}

// dot ignores feature indices beyond the fitted width.
func (l *LogisticRegression) dot(k int, x SparseVector) float64 {
	var s float64
	w := l.Weights[k]
	for idx, j := range x.Indices {
		if j < len(w) {
			s += x.Values[idx] * w[j]
		}
	}
	return s
}

func (l *LogisticRegression) validate() error {
	if l.Classes < 2 || len(l.Weights) != l.Classes || len(l.Bias) != l.Classes {
		return errNotFitted
	}
	for k, row := range l.Weights {
		if len(row) != l.Features {
			return fmt.Errorf("weight row %d has %d features, want %d", k, len(row), l.Features)
		}
	}
	return nil
}
