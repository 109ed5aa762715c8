package ml

import (
	"math/rand"
	"sort"
)

const impurityEpsilon = 1e-12

// Node is one node of a fitted decision tree. Leaves have Feature -1.
type Node struct {
	Feature   int       `json:"f"`
	Threshold float64   `json:"t"`
	Left      int       `json:"l"`
	Right     int       `json:"r"`
	Value     []float64 `json:"v,omitempty"`
}

// Tree is a binary decision tree stored as a flat node array rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) leaf(x SparseVector) []float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x.At(n.Feature) <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

type colEntry struct {
	row int
	val float64
}

// buildColumns indexes the non-zero entries of every feature in descending
// value order. Features are assumed non-negative, as TF-IDF weights are.
func buildColumns(X []SparseVector, features int) [][]colEntry {
	cols := make([][]colEntry, features)
	for r, x := range X {
		for k, f := range x.Indices {
			if x.Values[k] != 0 {
				cols[f] = append(cols[f], colEntry{row: r, val: x.Values[k]})
			}
		}
	}
	for f := range cols {
		col := cols[f]
		sort.Slice(col, func(i, j int) bool {
			if col[i].val != col[j].val {
				return col[i].val > col[j].val
			}
			return col[i].row < col[j].row
		})
	}
	return cols
}

// criterion accumulates additive split statistics and scores them.
// impurity is weighted by the node's total weight so that child impurities
// can be subtracted from the parent's directly.
type criterion interface {
	dim() int
	add(stats []float64, row int, weight float64)
	impurity(stats []float64) float64
}

type giniCriterion struct {
	y       []int
	classes int
}

func (g giniCriterion) dim() int { return g.classes }

func (g giniCriterion) add(stats []float64, row int, weight float64) {
	stats[g.y[row]] += weight
}

func (g giniCriterion) impurity(stats []float64) float64 {
	var total, sq float64
	for _, c := range stats {
		total += c
		sq += c * c
	}
	if total <= 0 {
		return 0
	}
	if v := total - sq/total; v > 0 {
		return v
	}
	return 0
}

type mseCriterion struct {
	target []float64
}

func (m mseCriterion) dim() int { return 3 }

func (m mseCriterion) add(stats []float64, row int, weight float64) {
	t := m.target[row]
	stats[0] += weight
	stats[1] += weight * t
	stats[2] += weight * t * t
}

func (m mseCriterion) impurity(stats []float64) float64 {
	if stats[0] <= 0 {
		return 0
	}
	if v := stats[2] - stats[1]*stats[1]/stats[0]; v > 0 {
		return v
	}
	return 0
}

type treeBuilder struct {
	X           []SparseVector
	cols        [][]colEntry
	weights     []float64
	crit        criterion
	maxDepth    int
	minSplit    int
	maxFeatures int
	rng         *rand.Rand
	leafValue   func(rows []int, stats []float64) []float64

	nodes []Node
	mark  []int
	seen  []int
	stamp int
	buf   []colEntry
}

func (b *treeBuilder) build(rows []int) Tree {
	if b.minSplit < 2 {
		b.minSplit = 2
	}
	b.nodes = nil
	b.mark = make([]int, len(b.X))
	b.seen = make([]int, len(b.cols))
	b.stamp = 0
	b.grow(rows, 0)
	return Tree{Nodes: b.nodes}
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1})

	total := make([]float64, b.crit.dim())
	for _, r := range rows {
		b.crit.add(total, r, b.weights[r])
	}
	imp := b.crit.impurity(total)

	makeLeaf := func() int {
		b.nodes[id].Value = b.leafValue(rows, total)
		return id
	}
	if len(rows) < b.minSplit || (b.maxDepth > 0 && depth >= b.maxDepth) || imp <= impurityEpsilon {
		return makeLeaf()
	}

	feature, threshold, ok := b.bestSplit(rows, total, imp)
	if !ok {
		return makeLeaf()
	}
	var left, right []int
	for _, r := range rows {
		if b.X[r].At(feature) <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return makeLeaf()
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[id] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return id
}

// bestSplit sweeps each candidate feature's node entries from the largest
// value down, treating everything not yet swept (including implicit zeros)
// as the left child.
func (b *treeBuilder) bestSplit(rows []int, total []float64, parentImp float64) (int, float64, bool) {
	b.stamp++
	stamp := b.stamp
	for _, r := range rows {
		b.mark[r] = stamp
	}

	var candidates []int
	for _, r := range rows {
		for _, f := range b.X[r].Indices {
			if b.seen[f] != stamp {
				b.seen[f] = stamp
				candidates = append(candidates, f)
			}
		}
	}
	sort.Ints(candidates)
	if b.maxFeatures > 0 && b.maxFeatures < len(candidates) {
		b.rng.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	}

	dim := b.crit.dim()
	right := make([]float64, dim)
	left := make([]float64, dim)
	n := len(rows)

	bestGain := impurityEpsilon
	bestFeature := -1
	bestThreshold := 0.0
	visited := 0

	for _, f := range candidates {
		if b.maxFeatures > 0 && visited >= b.maxFeatures {
			break
		}
		buf := b.buf[:0]
		for _, e := range b.cols[f] {
			if b.mark[e.row] == stamp {
				buf = append(buf, e)
			}
		}
		b.buf = buf
		if len(buf) == 0 {
			continue
		}

		for k := range right {
			right[k] = 0
		}
		hasZeros := len(buf) < n
		valid := false
		for i, e := range buf {
			b.crit.add(right, e.row, b.weights[e.row])
			var next float64
			switch {
			case i+1 < len(buf):
				next = buf[i+1].val
			case hasZeros:
				next = 0
			default:
				continue
			}
			if next == e.val {
				continue
			}
			valid = true
			for k := range left {
				left[k] = total[k] - right[k]
			}
			gain := parentImp - b.crit.impurity(left) - b.crit.impurity(right)
			if gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (e.val + next) / 2
			}
		}
		if valid {
			visited++
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func classDistribution(_ []int, stats []float64) []float64 {
	out := make([]float64, len(stats))
	var total float64
	for _, c := range stats {
		total += c
	}
	if total <= 0 {
		return out
	}
	for k, c := range stats {
		out[k] = c / total
	}
	return out
}
