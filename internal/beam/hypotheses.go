package beam

import (
	"math"
	"slices"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// EarlyStopping selects when a batch item stops searching once it holds
// enough finished hypotheses.
type EarlyStopping int

const (
	// Heuristic stops when no live beam can beat the worst finished
	// hypothesis, assuming the live beams finish at the current length.
	Heuristic EarlyStopping = iota
	// Always stops as soon as enough hypotheses are finished.
	Always
	// Never keeps searching until no live beam could win, assuming the most
	// favorable length the length penalty allows.
	Never
)

func (e EarlyStopping) String() string {
	switch e {
	case Always:
		return "true"
	case Never:
		return "never"
	default:
		return "false"
	}
}

// Hypothesis is a finished candidate sequence.
type Hypothesis struct {
	Tokens []int
	// Score is the length-normalized log-probability used for ranking.
	Score float64
	// BeamIndices lists, per generated step, the row the hypothesis was
	// extended from. It is nil when beam indices are not tracked.
	BeamIndices []int

	order int
}

// Hypotheses is the bounded set of finished hypotheses of one batch item
// (or one beam group of it). The worst kept hypothesis sits on top of a
// min-heap so eviction is cheap.
type Hypotheses struct {
	capacity      int
	lengthPenalty float64
	earlyStopping EarlyStopping
	maxLength     int

	heap  *binaryheap.Heap[*Hypothesis]
	worst float64
	next  int
}

// NewHypotheses returns an empty set keeping at most capacity hypotheses.
func NewHypotheses(capacity int, lengthPenalty float64, earlyStopping EarlyStopping, maxLength int) *Hypotheses {
	return &Hypotheses{
		capacity:      capacity,
		lengthPenalty: lengthPenalty,
		earlyStopping: earlyStopping,
		maxLength:     maxLength,
		heap:          binaryheap.NewWith(compareHypotheses),
		worst:         1e9,
	}
}

// compareHypotheses orders by score, then by insertion so that among equal
// scores the oldest hypothesis is evicted first.
func compareHypotheses(a, b *Hypothesis) int {
	switch {
	case a.Score < b.Score:
		return -1
	case a.Score > b.Score:
		return 1
	}
	return a.order - b.order
}

// Len returns the number of kept hypotheses.
func (h *Hypotheses) Len() int { return h.heap.Size() }

// Worst returns the score of the worst kept hypothesis, or 1e9 when the set
// has never been filled.
func (h *Hypotheses) Worst() float64 { return h.worst }

// NormalizedScore divides sumLogProbs by length^lengthPenalty.
func (h *Hypotheses) NormalizedScore(sumLogProbs float64, length int) float64 {
	return sumLogProbs / math.Pow(float64(length), h.lengthPenalty)
}

// Add offers a hypothesis whose tokens exclude the end token. It is kept when
// the set has room or when it beats the current worst, in which case the
// worst is evicted.
func (h *Hypotheses) Add(tokens []int, sumLogProbs float64, beamIndices []int) {
	score := h.NormalizedScore(sumLogProbs, len(tokens))
	if h.Len() >= h.capacity && score <= h.worst {
		return
	}
	h.heap.Push(&Hypothesis{
		Tokens:      slices.Clone(tokens),
		Score:       score,
		BeamIndices: slices.Clone(beamIndices),
		order:       h.next,
	})
	h.next++
	if h.Len() > h.capacity {
		h.heap.Pop()
		top, _ := h.heap.Peek()
		h.worst = top.Score
		return
	}
	h.worst = min(score, h.worst)
}

// IsDone reports whether the set is full and, depending on the early
// stopping mode, no live beam can still produce a better hypothesis.
// bestSumLogProbs is the best cumulative score among live candidates and
// curLen the length those candidates would have.
func (h *Hypotheses) IsDone(bestSumLogProbs float64, curLen int) bool {
	if h.Len() < h.capacity {
		return false
	}
	switch h.earlyStopping {
	case Always:
		return true
	case Never:
		length := curLen
		if h.lengthPenalty > 0 {
			length = h.maxLength
		}
		return h.worst >= h.NormalizedScore(bestSumLogProbs, length)
	default:
		return h.worst >= h.NormalizedScore(bestSumLogProbs, curLen)
	}
}

// Beams returns the kept hypotheses in insertion order.
func (h *Hypotheses) Beams() []*Hypothesis {
	out := h.heap.Values()
	slices.SortFunc(out, func(a, b *Hypothesis) int { return a.order - b.order })
	return out
}
