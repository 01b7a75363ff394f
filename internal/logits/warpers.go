package logits

// Temperature divides every score by T. Lower temperatures sharpen the
// distribution.
type Temperature struct {
	T float32
}

// NewTemperature rejects non-positive temperatures.
func NewTemperature(t float32) (*Temperature, error) {
	if !(t > 0) {
		return nil, invalidf("temperature has to be a strictly positive float, got %v", t)
	}
	return &Temperature{T: t}, nil
}

func (w *Temperature) Process(_ [][]int, scores [][]float32) {
	for _, row := range scores {
		for i := range row {
			row[i] /= w.T
		}
	}
}

// TopK keeps the K highest scores of each row (at least MinKeep) and sets the
// rest to Filter. Entries tied with the K-th score survive.
type TopK struct {
	K       int
	MinKeep int
	Filter  float32
}

// NewTopK returns a top-k warper filtering with negative infinity.
func NewTopK(k, minKeep int) (*TopK, error) {
	if k <= 0 {
		return nil, invalidf("top_k has to be a strictly positive integer, got %d", k)
	}
	if minKeep < 1 {
		return nil, invalidf("min_tokens_to_keep has to be a positive integer, got %d", minKeep)
	}
	return &TopK{K: k, MinKeep: minKeep, Filter: NegInf}, nil
}

func (w *TopK) Process(_ [][]int, scores [][]float32) {
	for _, row := range scores {
		k := min(max(w.K, w.MinKeep), len(row))
		if k == 0 || k == len(row) {
			continue
		}
		top := TopKIndices(row, k)
		threshold := row[top[k-1]]
		for i, v := range row {
			if v < threshold {
				row[i] = w.Filter
			}
		}
	}
}

// TopP keeps the smallest set of highest-probability tokens whose cumulative
// probability exceeds P, never fewer than MinKeep.
//
// Tokens are sorted ascending with a stable sort and a token is removed when
// the cumulative probability up to and including it is <= 1-P. The token
// whose mass crosses the cut therefore survives.
type TopP struct {
	P       float32
	MinKeep int
	Filter  float32
}

// NewTopP returns a nucleus warper filtering with negative infinity.
func NewTopP(p float32, minKeep int) (*TopP, error) {
	if p < 0 || p > 1 {
		return nil, invalidf("top_p has to be a float in [0, 1], got %v", p)
	}
	if minKeep < 1 {
		return nil, invalidf("min_tokens_to_keep has to be a positive integer, got %d", minKeep)
	}
	return &TopP{P: p, MinKeep: minKeep, Filter: NegInf}, nil
}

func (w *TopP) Process(_ [][]int, scores [][]float32) {
	cut := 1 - float64(w.P)
	for _, row := range scores {
		order := argsortAscending(row)
		sorted := make([]float32, len(row))
		for i, idx := range order {
			sorted[i] = row[idx]
		}
		probs := Softmax(sorted)
		keepFrom := len(row) - w.MinKeep
		var cum float64
		for i, idx := range order {
			cum += probs[i]
			if i >= keepFrom {
				break
			}
			if cum <= cut {
				row[idx] = w.Filter
			}
		}
	}
}

// TopKTopPFilter applies top-k and then top-p filtering to scores in place,
// each honoring minKeep. A zero topK or a topP of 1 disables that stage.
func TopKTopPFilter(scores [][]float32, topK int, topP float32, filter float32, minKeep int) {
	if topK > 0 {
		(&TopK{K: topK, MinKeep: minKeep, Filter: filter}).Process(nil, scores)
	}
	if topP < 1 {
		(&TopP{P: topP, MinKeep: minKeep, Filter: filter}).Process(nil, scores)
	}
}
