// Package beam keeps the bookkeeping of beam search: the live beams chosen at
// each step and the bounded set of finished hypotheses per batch item.
package beam

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrInvalidConfig reports an unusable scorer configuration.
	ErrInvalidConfig = errors.New("beam: invalid configuration")
	// ErrInvalidState reports a call sequence the scorer cannot honor, such
	// as too few non-terminal candidates to refill the beams.
	ErrInvalidState = errors.New("beam: invalid state")
)

// Config describes the beam layout.
type Config struct {
	BatchSize int
	NumBeams  int
	// NumGroups splits each batch item's beams into groups for diverse beam
	// search. Zero means one group.
	NumGroups     int
	LengthPenalty float64
	EarlyStopping EarlyStopping
	// NumReturn is the number of hypotheses returned per batch item.
	NumReturn int
	// MaxLength bounds the normalized score estimate of the Never mode.
	MaxLength int
}

func (c *Config) normalize() error {
	if c.NumGroups == 0 {
		c.NumGroups = 1
	}
	if c.NumReturn == 0 {
		c.NumReturn = 1
	}
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.NumBeams <= 1:
		return fmt.Errorf("%w: num_beams has to be an integer strictly greater than 1, got %d; use greedy search for a single beam", ErrInvalidConfig, c.NumBeams)
	case c.NumGroups > c.NumBeams || c.NumBeams%c.NumGroups != 0:
		return fmt.Errorf("%w: num_beam_groups must divide num_beams, got %d and %d", ErrInvalidConfig, c.NumGroups, c.NumBeams)
	case c.NumReturn > c.NumBeams:
		return fmt.Errorf("%w: num_return_sequences (%d) must not exceed num_beams (%d)", ErrInvalidConfig, c.NumReturn, c.NumBeams)
	}
	return nil
}

// SpecialTokens carries the padding and end tokens used to fill finished
// beams and terminate sequences. Pad may be nil when no padding is needed.
type SpecialTokens struct {
	Pad *int
	EOS []int
}

func (t SpecialTokens) isEOS(token int) bool {
	return slices.Contains(t.EOS, token)
}

// Candidates are the top expansions of one step, per batch item, ordered by
// descending cumulative score. Indices are beam positions within the batch
// item's (group's) rows.
type Candidates struct {
	Scores  [][]float32
	Tokens  [][]int
	Indices [][]int
}

// Step holds the beams selected for the next step, one entry per row of the
// scored group. Indices are row numbers into that group's input rows.
type Step struct {
	Scores  []float32
	Tokens  []int
	Indices []int
}

// Result is the final output of a scorer.
type Result struct {
	Sequences [][]int
	Scores    []float64
	// BeamIndices is nil unless beam indices were tracked.
	BeamIndices [][]int
}

// Scorer implements standard and grouped beam search bookkeeping.
type Scorer struct {
	cfg       Config
	groupSize int
	hyps      []*Hypotheses
	done      []bool
}

// NewScorer validates cfg and returns a scorer with empty finished sets.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, groupSize: cfg.NumBeams / cfg.NumGroups}
	n := cfg.BatchSize * cfg.NumGroups
	s.hyps = make([]*Hypotheses, n)
	for i := range s.hyps {
		s.hyps[i] = NewHypotheses(s.groupSize, cfg.LengthPenalty, cfg.EarlyStopping, cfg.MaxLength)
	}
	s.done = make([]bool, n)
	return s, nil
}

func (s *Scorer) BatchSize() int { return s.cfg.BatchSize }
func (s *Scorer) NumBeams() int  { return s.cfg.NumBeams }
func (s *Scorer) NumGroups() int { return s.cfg.NumGroups }
func (s *Scorer) GroupSize() int { return s.groupSize }
func (s *Scorer) NumReturn() int { return s.cfg.NumReturn }

// IsDone reports whether every batch item (and group) has finished.
func (s *Scorer) IsDone() bool {
	for _, d := range s.done {
		if !d {
			return false
		}
	}
	return true
}

// Process consumes the candidates of one step for beam group group.
// inputIDs holds the group's current rows, batch-major. Candidates that end
// in an end token and rank within the group size become finished
// hypotheses; the rest refill the beams. beamIndices, when non-nil, holds
// the row history of each input row and is extended for finished
// hypotheses.
func (s *Scorer) Process(inputIDs [][]int, c Candidates, tok SpecialTokens, beamIndices [][]int, group int) (Step, error) {
	gs := s.groupSize
	curLen := len(inputIDs[0]) + 1
	out := newStep(s.cfg.BatchSize * gs)
	for b := 0; b < s.cfg.BatchSize; b++ {
		bg := b*s.cfg.NumGroups + group
		if s.done[bg] {
			if err := s.fillDone(out, b, gs, tok); err != nil {
				return Step{}, err
			}
			continue
		}
		filled := 0
		for rank, token := range c.Tokens[b] {
			score := c.Scores[b][rank]
			row := b*gs + c.Indices[b][rank]
			if tok.isEOS(token) {
				if rank >= gs {
					continue
				}
				s.hyps[bg].Add(inputIDs[row], float64(score), extend(beamIndices, row, s.globalRow(b, group, c.Indices[b][rank])))
			} else {
				out.Scores[b*gs+filled] = score
				out.Tokens[b*gs+filled] = token
				out.Indices[b*gs+filled] = row
				filled++
			}
			if filled == gs {
				break
			}
		}
		if filled < gs {
			return Step{}, fmt.Errorf("%w: at most %d tokens in %v can be end tokens, need %d non-terminal candidates",
				ErrInvalidState, len(c.Tokens[b])-gs, c.Tokens[b], gs)
		}
		s.done[bg] = s.done[bg] || s.hyps[bg].IsDone(float64(slices.Max(c.Scores[b])), curLen)
	}
	return out, nil
}

// globalRow maps a beam of a group back to its row in the full
// batch×num_beams layout.
func (s *Scorer) globalRow(batch, group, beam int) int {
	return batch*s.cfg.NumBeams + group*s.groupSize + beam
}

func (s *Scorer) fillDone(out Step, b, gs int, tok SpecialTokens) error {
	if tok.Pad == nil || len(tok.EOS) == 0 {
		return fmt.Errorf("%w: generated beams are done but pad or end tokens are not defined", ErrInvalidState)
	}
	for j := 0; j < gs; j++ {
		out.Scores[b*gs+j] = 0
		out.Tokens[b*gs+j] = *tok.Pad
		out.Indices[b*gs+j] = 0
	}
	return nil
}

// Finalize adds the live beams of every unfinished batch item to its
// finished set and returns the NumReturn best hypotheses per batch item,
// best first. inputIDs and finalScores cover all batch×num_beams rows.
// Sequences shorter than the longest are terminated with the first end
// token and right-padded.
func (s *Scorer) Finalize(inputIDs [][]int, finalScores []float32, maxLength int, tok SpecialTokens, beamIndices [][]int) (*Result, error) {
	for bg, h := range s.hyps {
		if s.done[bg] {
			continue
		}
		for j := 0; j < s.groupSize; j++ {
			row := bg*s.groupSize + j
			h.Add(inputIDs[row], float64(finalScores[row]), rowHistory(beamIndices, row))
		}
	}
	best := make([]*Hypothesis, 0, s.cfg.BatchSize*s.cfg.NumReturn)
	for b := 0; b < s.cfg.BatchSize; b++ {
		var cands []*Hypothesis
		for g := 0; g < s.cfg.NumGroups; g++ {
			cands = append(cands, s.hyps[b*s.cfg.NumGroups+g].Beams()...)
		}
		best = append(best, pickBest(cands, s.cfg.NumReturn)...)
	}
	return assemble(best, maxLength, tok, beamIndices != nil)
}

// pickBest returns the n highest scoring hypotheses. Among equal scores the
// one offered last wins, matching a stable ascending sort popped from the
// end.
func pickBest(cands []*Hypothesis, n int) []*Hypothesis {
	sorted := slices.Clone(cands)
	slices.SortStableFunc(sorted, func(a, b *Hypothesis) int {
		switch {
		case a.Score < b.Score:
			return -1
		case a.Score > b.Score:
			return 1
		}
		return 0
	})
	out := make([]*Hypothesis, 0, n)
	for len(out) < n && len(sorted) > 0 {
		out = append(out, sorted[len(sorted)-1])
		sorted = sorted[:len(sorted)-1]
	}
	return out
}

func assemble(best []*Hypothesis, maxLength int, tok SpecialTokens, withIndices bool) (*Result, error) {
	longest, shortest := 0, -1
	for _, h := range best {
		longest = max(longest, len(h.Tokens))
		if shortest < 0 || len(h.Tokens) < shortest {
			shortest = len(h.Tokens)
		}
	}
	// The extra column only ever holds an end token, so without one the
	// sequences are exactly as long as the longest hypothesis.
	width := longest
	if len(tok.EOS) > 0 {
		width++
	}
	if maxLength > 0 {
		width = min(width, maxLength)
	}
	fill := -1
	if shortest != longest {
		switch {
		case tok.Pad != nil:
			fill = *tok.Pad
		default:
			return nil, fmt.Errorf("%w: hypotheses have different lengths but no pad token is defined", ErrInvalidState)
		}
	}

	res := &Result{
		Sequences: make([][]int, len(best)),
		Scores:    make([]float64, len(best)),
	}
	if withIndices {
		res.BeamIndices = make([][]int, len(best))
	}
	for i, h := range best {
		seq := make([]int, width)
		for j := range seq {
			seq[j] = fill
		}
		copy(seq, h.Tokens)
		if len(h.Tokens) < width && len(tok.EOS) > 0 {
			seq[len(h.Tokens)] = tok.EOS[0]
		}
		res.Sequences[i] = seq
		res.Scores[i] = h.Score
		if withIndices {
			res.BeamIndices[i] = slices.Clone(h.BeamIndices)
		}
	}
	return res, nil
}

func newStep(n int) Step {
	return Step{
		Scores:  make([]float32, n),
		Tokens:  make([]int, n),
		Indices: make([]int, n),
	}
}

// extend returns the history of row with next appended, or nil when
// histories are not tracked.
func extend(beamIndices [][]int, row, next int) []int {
	if beamIndices == nil {
		return nil
	}
	return append(slices.Clone(beamIndices[row]), next)
}

func rowHistory(beamIndices [][]int, row int) []int {
	if beamIndices == nil {
		return nil
	}
	return beamIndices[row]
}
