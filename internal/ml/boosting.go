package ml

import (
	"context"
	"fmt"
	"math"
)

// BoostingParams configures GradientBoosting.
type BoostingParams struct {
	Rounds       int     `json:"rounds"`
	LearningRate float64 `json:"learning_rate"`
	MaxDepth     int     `json:"max_depth"`
}

// GradientBoosting fits one regression tree per class per round to the
// softmax residuals, with Newton-step leaf values.
type GradientBoosting struct {
	Params  BoostingParams `json:"params"`
	Classes int            `json:"classes"`
	Init    []float64      `json:"init"`
	Rounds  [][]Tree       `json:"rounds"`
}

// NewGradientBoosting returns an unfitted boosted ensemble.
func NewGradientBoosting(p BoostingParams) *GradientBoosting {
	if p.Rounds <= 0 {
		p.Rounds = 100
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.MaxDepth <= 0 {
		p.MaxDepth = 3
	}
	return &GradientBoosting{Params: p}
}

func (g *GradientBoosting) Family() Family { return FamilyGradientBoosting }

func (g *GradientBoosting) Fit(ctx context.Context, d *Dataset) error {
	if err := d.validate(); err != nil {
		return err
	}
	n, K := len(d.X), d.Classes
	g.Classes = K

	prior := make([]float64, K)
	var wsum float64
	for i, y := range d.Y {
		prior[y] += d.W[i]
		wsum += d.W[i]
	}
	if wsum <= 0 {
		return errBadWeight
	}
	g.Init = make([]float64, K)
	for k := range prior {
		g.Init[k] = math.Log(math.Max(prior[k]/wsum, 1e-12))
	}

	scores := make([][]float64, n)
	for i := range scores {
		scores[i] = append([]float64(nil), g.Init...)
	}

	rows := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if d.W[i] > 0 {
			rows = append(rows, i)
		}
	}
	cols := buildColumns(d.X, d.Features)
	residual := make([]float64, n)
	probs := make([][]float64, n)
	scale := float64(K-1) / float64(K)

	g.Rounds = make([][]Tree, 0, g.Params.Rounds)
	for m := 0; m < g.Params.Rounds; m++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range scores {
			probs[i] = softmax(scores[i])
		}
		round := make([]Tree, K)
		for k := 0; k < K; k++ {
			for i := range residual {
				target := 0.0
				if d.Y[i] == k {
					target = 1
				}
				residual[i] = target - probs[i][k]
			}
			b := &treeBuilder{
				X:        d.X,
				cols:     cols,
				weights:  d.W,
				crit:     mseCriterion{target: residual},
				maxDepth: g.Params.MaxDepth,
				minSplit: 2,
				leafValue: func(leafRows []int, _ []float64) []float64 {
					var num, den float64
					for _, r := range leafRows {
						res := residual[r]
						num += d.W[r] * res
						den += d.W[r] * math.Abs(res) * (1 - math.Abs(res))
					}
					if den < 1e-150 {
						return []float64{0}
					}
					return []float64{scale * num / den}
				},
			}
			round[k] = b.build(rows)
			for i := range scores {
				scores[i][k] += g.Params.LearningRate * round[k].leaf(d.X[i])[0]
			}
		}
		g.Rounds = append(g.Rounds, round)
	}
	return nil
}

func (g *GradientBoosting) PredictProba(x SparseVector) []float64 {
	z := append([]float64(nil), g.Init...)
	for _, round := range g.Rounds {
		for k := range round {
			z[k] += g.Params.LearningRate * round[k].leaf(x)[0]
		}
	}
	if len(z) == 0 {
		return z
	}
	return softmax(z)
}

func (g *GradientBoosting) validate() error {
	if g.Classes < 2 || len(g.Init) != g.Classes {
		return errNotFitted
	}
	for m, round := range g.Rounds {
		if len(round) != g.Classes {
			return fmt.Errorf("round %d has %d trees, want %d", m, len(round), g.Classes)
		}
		if err := validateTrees(round, 1); err != nil {
			return err
		}
	}
	return nil
}
