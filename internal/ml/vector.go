package ml

import (
	"math"
	"sort"
)

// SparseVector holds the non-zero entries of a feature vector, sorted by index.
type SparseVector struct {
	Indices []int
	Values  []float64
}

// At returns the value of feature i.
func (v SparseVector) At(i int) float64 {
	k := sort.SearchInts(v.Indices, i)
	if k < len(v.Indices) && v.Indices[k] == i {
		return v.Values[k]
	}
	return 0
}

// Len is the number of non-zero entries.
func (v SparseVector) Len() int {
	return len(v.Indices)
}

// Dot computes the inner product with a dense weight row.
func (v SparseVector) Dot(w []float64) float64 {
	var s float64
	for k, i := range v.Indices {
		s += v.Values[k] * w[i]
	}
	return s
}

// normalize scales v to unit L2 norm in place.
func (v SparseVector) normalize() {
	var sq float64
	for _, x := range v.Values {
		sq += x * x
	}
	if sq == 0 {
		return
	}
	norm := math.Sqrt(sq)
	for k := range v.Values {
		v.Values[k] /= norm
	}
}

// Dataset is a weighted, labeled design matrix.
type Dataset struct {
	X        []SparseVector
	Y        []int
	W        []float64
	Features int
	Classes  int
}

// Subset returns the rows at idx.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{
		X:        make([]SparseVector, len(idx)),
		Y:        make([]int, len(idx)),
		W:        make([]float64, len(idx)),
		Features: d.Features,
		Classes:  d.Classes,
	}
	for k, i := range idx {
		out.X[k] = d.X[i]
		out.Y[k] = d.Y[i]
		out.W[k] = d.W[i]
	}
	return out
}

func (d *Dataset) validate() error {
	if len(d.X) == 0 {
		return errEmptyDataset
	}
	if len(d.Y) != len(d.X) || len(d.W) != len(d.X) {
		return errShapeMismatch
	}
	if d.Classes < 2 {
		return errTooFewClasses
	}
	for i, y := range d.Y {
		if y < 0 || y >= d.Classes {
			return errLabelOutOfRange
		}
		if d.W[i] < 0 || math.IsNaN(d.W[i]) {
			return errBadWeight
		}
	}
	return nil
}

func softmax(z []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, v := range z {
		if v > maxZ {
			maxZ = v
		}
	}
	out := make([]float64, len(z))
	var sum float64
	for k, v := range z {
		out[k] = math.Exp(v - maxZ)
		sum += out[k]
	}
	for k := range out {
		out[k] /= sum
	}
	return out
}

func argmax(p []float64) int {
	best := 0
	for k := 1; k < len(p); k++ {
		if p[k] > p[best] {
			best = k
		}
	}
	return best
}
