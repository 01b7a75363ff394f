package logits

import (
	"cmp"
	"math"
	"slices"
)

// Softmax returns the probability distribution of row, computed in float64.
func Softmax(row []float32) []float64 {
	out := make([]float64, len(row))
	if len(row) == 0 {
		return out
	}
	maxv := math.Inf(-1)
	for _, v := range row {
		maxv = max(maxv, float64(v))
	}
	if math.IsInf(maxv, -1) {
		// Every entry is filtered; fall back to uniform so callers never see NaN.
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v) - maxv)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// LogSoftmax writes the log-probabilities of row into a new slice.
func LogSoftmax(row []float32) []float32 {
	out := make([]float32, len(row))
	if len(row) == 0 {
		return out
	}
	maxv := math.Inf(-1)
	for _, v := range row {
		maxv = max(maxv, float64(v))
	}
	if math.IsInf(maxv, 0) {
		copy(out, row)
		return out
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxv)
	}
	lse := maxv + math.Log(sum)
	for i, v := range row {
		out[i] = float32(float64(v) - lse)
	}
	return out
}

// LogSoftmaxRows applies LogSoftmax to every row.
func LogSoftmaxRows(scores [][]float32) [][]float32 {
	out := make([][]float32, len(scores))
	for i, row := range scores {
		out[i] = LogSoftmax(row)
	}
	return out
}

// Argmax returns the index of the maximum value. Ties resolve to the lowest
// index. It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// TopKIndices returns the indices of the k largest values ordered from largest to
// smallest. Equal values keep ascending index order.
func TopKIndices(x []float32, k int) []int {
	k = min(k, len(x))
	if k <= 0 {
		return nil
	}
	idx := make([]int, 0, k+1)
	for i, v := range x {
		pos := len(idx)
		for pos > 0 && x[idx[pos-1]] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		copy(idx[pos+1:], idx[pos:])
		idx[pos] = i
		if len(idx) > k {
			idx = idx[:k]
		}
	}
	return idx
}

// argsortAscending returns the indices that sort row ascending. The sort is
// stable so equal scores keep their vocabulary order.
func argsortAscending(row []float32) []int {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(row[a], row[b])
	})
	return idx
}
