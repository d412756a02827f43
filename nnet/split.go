package nnet

import (
	"math"
	"math/rand"
)

// SplitHead returns the first n samples as the head and the rest as the tail. It is used to take a
// fixed validation set from the start of the training data.
func SplitHead(d Data, n int) (head, tail Data) {
	if n < 0 || n > d.Len() {
		panic("SplitHead: invalid sample count")
	}
	return d.Subset(indexRange(0, n)), d.Subset(indexRange(n, d.Len()))
}

// ValidationSplit holds back the last fraction of the samples for validation, before any shuffling.
// The split point is rounded down so the validation set gets any remainder.
func ValidationSplit(d Data, frac float64) (train, valid Data) {
	ntrain := int(float64(d.Len()) * (1 - frac))
	return d.Subset(indexRange(0, ntrain)), d.Subset(indexRange(ntrain, d.Len()))
}

// TrainTestSplit shuffles the samples with the given random seed and returns the training set and a
// test set with the given fraction of samples. The test size is rounded up.
func TrainTestSplit(d Data, testFrac float64, seed int64) (train, test Data) {
	ntest := int(math.Ceil(float64(d.Len()) * testFrac))
	perm := rand.New(rand.NewSource(seed)).Perm(d.Len())
	return d.Subset(perm[ntest:]), d.Subset(perm[:ntest])
}

func indexRange(start, end int) []int {
	index := make([]int, end-start)
	for i := range index {
		index[i] = start + i
	}
	return index
}
