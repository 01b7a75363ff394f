// Package logits holds the next-token score transforms applied during
// decoding: processors that enforce generation policy and warpers that
// reshape the distribution before sampling.
//
// Scores are laid out as one row per live hypothesis ([rows][vocab]) and are
// modified in place. inputIDs carries the token history of the same rows.
package logits

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidArgument is returned by constructors given an unusable parameter.
var ErrInvalidArgument = errors.New("logits: invalid argument")

// NegInf is the filter value used to remove a token from consideration.
var NegInf = float32(math.Inf(-1))

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

// Processor transforms next-token scores in place.
type Processor interface {
	Process(inputIDs [][]int, scores [][]float32)
}

// Group describes the beam group whose scores are being processed during
// diverse beam search.
type Group struct {
	// CurrentTokens holds the tokens picked so far at this step for every
	// beam of every batch item, laid out [batch*numBeams].
	CurrentTokens []int
	// Index is the position of the group within the step's round robin.
	Index int
}

// GroupProcessor is implemented by processors that need to know which beam
// group is being scored.
type GroupProcessor interface {
	Processor
	ProcessGroup(inputIDs [][]int, scores [][]float32, g Group)
}

// Func adapts a plain function to the Processor interface.
type Func func(inputIDs [][]int, scores [][]float32)

func (f Func) Process(inputIDs [][]int, scores [][]float32) { f(inputIDs, scores) }

// List applies processors strictly in order.
type List []Processor

// Process runs every processor in registration order.
func (l List) Process(inputIDs [][]int, scores [][]float32) {
	for _, p := range l {
		p.Process(inputIDs, scores)
	}
}

// ProcessGroup runs the list for one beam group. Group-aware processors get
// the group context, the rest run as usual.
func (l List) ProcessGroup(inputIDs [][]int, scores [][]float32, g Group) {
	for _, p := range l {
		if gp, ok := p.(GroupProcessor); ok {
			gp.ProcessGroup(inputIDs, scores, g)
			continue
		}
		p.Process(inputIDs, scores)
	}
}

// curLen returns the current sequence length shared by all rows.
func curLen(inputIDs [][]int) int {
	if len(inputIDs) == 0 {
		return 0
	}
	return len(inputIDs[0])
}

// setAll writes v at every listed id that falls inside the row.
func setAll(row []float32, ids []int, v float32) {
	for _, id := range ids {
		if id >= 0 && id < len(row) {
			row[id] = v
		}
	}
}
