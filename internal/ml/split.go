package ml

import (
	"math"
	"math/rand"
	"sort"
)

// Split strategies recorded on trained artifacts.
const (
	SplitStratified              = "stratified"
	SplitStratifiedTrainOnlySolo = "stratified_train_only_singletons"
)

// Split holds row indices for the train and test partitions.
type Split struct {
	Train            []int
	Test             []int
	Strategy         string
	TrainOnlyClasses []int
}

// StratifiedSplit partitions rows per class so that every class with at
// least two rows appears in both partitions. Classes with a single row are
// kept in the training partition and reported in TrainOnlyClasses.
func StratifiedSplit(y []int, classes int, testFraction float64, seed int64) Split {
	byClass := make([][]int, classes)
	for i, c := range y {
		if c >= 0 && c < classes {
			byClass[c] = append(byClass[c], i)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	var s Split
	for c, rows := range byClass {
		switch len(rows) {
		case 0:
			continue
		case 1:
			s.Train = append(s.Train, rows[0])
			s.TrainOnlyClasses = append(s.TrainOnlyClasses, c)
			continue
		}
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		nTest := int(math.Round(float64(len(rows)) * testFraction))
		if nTest < 1 {
			nTest = 1
		}
		if nTest > len(rows)-1 {
			nTest = len(rows) - 1
		}
		s.Test = append(s.Test, rows[:nTest]...)
		s.Train = append(s.Train, rows[nTest:]...)
	}
	sort.Ints(s.Train)
	sort.Ints(s.Test)

	s.Strategy = SplitStratified
	if len(s.TrainOnlyClasses) > 0 {
		s.Strategy = SplitStratifiedTrainOnlySolo
	}
	return s
}
