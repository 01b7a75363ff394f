// Package stopping decides when a decoding loop should stop producing tokens
// for each row of the batch.
package stopping

import (
	"slices"
	"time"

	"github.com/samcharles93/seqgen/internal/logger"
)

// Criteria reports, for every row of inputIDs, whether that row is done.
// scores holds the final next-token scores of the step that produced the
// last token and may be nil.
type Criteria interface {
	Stop(inputIDs [][]int, scores [][]float32) []bool
}

// List combines criteria with a logical OR per row.
type List []Criteria

// Stop returns true for a row as soon as any criterion flags it.
func (l List) Stop(inputIDs [][]int, scores [][]float32) []bool {
	done := make([]bool, len(inputIDs))
	for _, c := range l {
		for i, d := range c.Stop(inputIDs, scores) {
			if i < len(done) && d {
				done[i] = true
			}
		}
	}
	return done
}

// All reports whether every row of inputIDs is done.
func (l List) All(inputIDs [][]int, scores [][]float32) bool {
	if len(inputIDs) == 0 {
		return true
	}
	for _, d := range l.Stop(inputIDs, scores) {
		if !d {
			return false
		}
	}
	return true
}

// MaxLength returns the bound of the first MaxLength criterion in the list.
func (l List) MaxLength() (int, bool) {
	for _, c := range l {
		if m, ok := c.(*MaxLength); ok {
			return m.Max, true
		}
	}
	return 0, false
}

// MaxLength stops rows once they hold Max tokens.
type MaxLength struct {
	Max int
}

func (c *MaxLength) Stop(inputIDs [][]int, _ [][]float32) []bool {
	return fill(len(inputIDs), len(firstRow(inputIDs)) >= c.Max)
}

// MaxTime stops every row once Limit has elapsed since Start.
type MaxTime struct {
	Limit time.Duration
	Start time.Time
	// Now returns the current time; nil means time.Now.
	Now func() time.Time
}

// NewMaxTime starts the clock now.
func NewMaxTime(limit time.Duration) *MaxTime {
	return &MaxTime{Limit: limit, Start: time.Now()}
}

func (c *MaxTime) Stop(inputIDs [][]int, _ [][]float32) []bool {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return fill(len(inputIDs), now().Sub(c.Start) >= c.Limit)
}

// StopSequences stops a row once it ends with any of Sequences.
type StopSequences struct {
	Sequences [][]int
}

func (c *StopSequences) Stop(inputIDs [][]int, _ [][]float32) []bool {
	done := make([]bool, len(inputIDs))
	for i, row := range inputIDs {
		for _, seq := range c.Sequences {
			if len(seq) > 0 && len(seq) <= len(row) && slices.Equal(row[len(row)-len(seq):], seq) {
				done[i] = true
				break
			}
		}
	}
	return done
}

// Func adapts a per-row predicate to Criteria.
type Func func(row []int, scores []float32) bool

func (f Func) Stop(inputIDs [][]int, scores [][]float32) []bool {
	done := make([]bool, len(inputIDs))
	for i, row := range inputIDs {
		var s []float32
		if i < len(scores) {
			s = scores[i]
		}
		done[i] = f(row, s)
	}
	return done
}

// Validate reconciles a criteria list with an explicit max length. When the
// list already carries a different bound a warning is logged and both are
// honored; when it carries none, a MaxLength criterion is appended. The input
// list is never modified.
func Validate(l List, maxLength int, log logger.Logger) List {
	out := append(List(nil), l...)
	if found, ok := l.MaxLength(); ok {
		if found != maxLength {
			log.Warn("max_length differs between the stopping criteria and the explicit argument; the tighter bound applies",
				"criteria_max_length", found, "max_length", maxLength)
			out = append(out, &MaxLength{Max: maxLength})
		}
		return out
	}
	return append(out, &MaxLength{Max: maxLength})
}

func fill(n int, v bool) []bool {
	out := make([]bool, n)
	if v {
		for i := range out {
			out[i] = true
		}
	}
	return out
}

func firstRow(inputIDs [][]int) []int {
	if len(inputIDs) == 0 {
		return nil
	}
	return inputIDs[0]
}

