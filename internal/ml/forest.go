package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// ForestParams configures a RandomForest.
type ForestParams struct {
	Trees           int   `json:"trees"`
	MaxDepth        int   `json:"max_depth"`
	MinSamplesSplit int   `json:"min_samples_split"`
	Seed            int64 `json:"seed"`
}

// RandomForest averages the class distributions of bootstrapped Gini trees
// grown on random feature subsets.
type RandomForest struct {
	Params  ForestParams `json:"params"`
	Classes int          `json:"classes"`
	Trees   []Tree       `json:"trees"`
}

// NewRandomForest returns an unfitted forest.
func NewRandomForest(p ForestParams) *RandomForest {
	if p.Trees <= 0 {
		p.Trees = 200
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	return &RandomForest{Params: p}
}

func (f *RandomForest) Family() Family { return FamilyRandomForest }

func (f *RandomForest) Fit(ctx context.Context, d *Dataset) error {
	if err := d.validate(); err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(f.Params.Seed))
	cols := buildColumns(d.X, d.Features)
	maxFeatures := int(math.Sqrt(float64(d.Features)))
	if maxFeatures < 1 {
		maxFeatures = 1
	}

	n := len(d.X)
	f.Classes = d.Classes
	f.Trees = make([]Tree, 0, f.Params.Trees)
	for t := 0; t < f.Params.Trees; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		treeRng := rand.New(rand.NewSource(rng.Int63()))

		counts := make([]int, n)
		for i := 0; i < n; i++ {
			counts[treeRng.Intn(n)]++
		}
		weights := make([]float64, n)
		rows := make([]int, 0, n)
		for i, c := range counts {
			if c > 0 && d.W[i] > 0 {
				weights[i] = d.W[i] * float64(c)
				rows = append(rows, i)
			}
		}
		if len(rows) == 0 {
			continue
		}

		b := &treeBuilder{
			X:           d.X,
			cols:        cols,
			weights:     weights,
			crit:        giniCriterion{y: d.Y, classes: d.Classes},
			maxDepth:    f.Params.MaxDepth,
			minSplit:    f.Params.MinSamplesSplit,
			maxFeatures: maxFeatures,
			rng:         treeRng,
			leafValue:   classDistribution,
		}
		f.Trees = append(f.Trees, b.build(rows))
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("random forest produced no trees")
	}
	return nil
}

func (f *RandomForest) PredictProba(x SparseVector) []float64 {
	out := make([]float64, f.Classes)
	if len(f.Trees) == 0 {
		return out
	}
	for i := range f.Trees {
		for k, p := range f.Trees[i].leaf(x) {
			out[k] += p
		}
	}
	for k := range out {
		out[k] /= float64(len(f.Trees))
	}
	return out
}

func (f *RandomForest) validate() error {
	if f.Classes < 2 || len(f.Trees) == 0 {
		return errNotFitted
	}
	return validateTrees(f.Trees, f.Classes)
}

func validateTrees(trees []Tree, width int) error {
	for ti := range trees {
		nodes := trees[ti].Nodes
		if len(nodes) == 0 {
			return fmt.Errorf("tree %d is empty", ti)
		}
		for ni, n := range nodes {
			if n.Feature < 0 {
				if len(n.Value) != width {
					return fmt.Errorf("tree %d leaf %d has %d values, want %d", ti, ni, len(n.Value), width)
				}
				continue
			}
			if n.Left <= ni || n.Right <= ni || n.Left >= len(nodes) || n.Right >= len(nodes) {
				return fmt.Errorf("tree %d node %d has invalid children", ti, ni)
			}
		}
	}
	return nil
}
