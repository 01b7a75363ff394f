package beam

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/samcharles93/seqgen/internal/constraints"
	"github.com/samcharles93/seqgen/internal/logger"
)

// ConstrainedScorer is a beam scorer that only finalizes hypotheses
// satisfying every constraint, and that reserves beam slots for candidates
// making constraint progress.
type ConstrainedScorer struct {
	cfg         Config
	constraints []constraints.Constraint
	hyps        []*Hypotheses
	done        []bool
	log         logger.Logger
}

// NewConstrainedScorer validates the layout against the constraint count:
// num_beams must be at least NumReturn×(len(constraints)+1).
func NewConstrainedScorer(cfg Config, cs []constraints.Constraint, log logger.Logger) (*ConstrainedScorer, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if cfg.NumGroups != 1 {
		return nil, fmt.Errorf("%w: constrained beam search does not support beam groups", ErrInvalidConfig)
	}
	if len(cs) == 0 {
		return nil, fmt.Errorf("%w: constrained beam search needs at least one constraint", ErrInvalidConfig)
	}
	if need := cfg.NumReturn * (len(cs) + 1); cfg.NumBeams < need {
		return nil, fmt.Errorf("%w: num_beams (%d) must be at least num_return_sequences × (constraints + 1) = %d",
			ErrInvalidConfig, cfg.NumBeams, need)
	}
	if log == nil {
		log = logger.Discard()
	}
	s := &ConstrainedScorer{cfg: cfg, constraints: cs, log: log}
	s.hyps = make([]*Hypotheses, cfg.BatchSize)
	for i := range s.hyps {
		s.hyps[i] = NewHypotheses(cfg.NumBeams, cfg.LengthPenalty, cfg.EarlyStopping, cfg.MaxLength)
	}
	s.done = make([]bool, cfg.BatchSize)
	return s, nil
}

func (s *ConstrainedScorer) BatchSize() int { return s.cfg.BatchSize }
func (s *ConstrainedScorer) NumBeams() int  { return s.cfg.NumBeams }
func (s *ConstrainedScorer) NumReturn() int { return s.cfg.NumReturn }

// Constraints returns the constraint templates.
func (s *ConstrainedScorer) Constraints() []constraints.Constraint { return s.constraints }

// IsDone reports whether every batch item has finished.
func (s *ConstrainedScorer) IsDone() bool {
	for _, d := range s.done {
		if !d {
			return false
		}
	}
	return true
}

func (s *ConstrainedScorer) newState() *constraints.ListState {
	return constraints.NewListState(s.constraints)
}

func (s *ConstrainedScorer) completes(seq []int) bool {
	st := s.newState()
	st.Reset(seq)
	return st.Completed()
}

// Process consumes the candidates of one step. vocabScores holds the
// cumulative scores of every token for every row; it is used to offer
// constraint-advancing tokens that did not make the candidate list.
func (s *ConstrainedScorer) Process(inputIDs [][]int, c Candidates, vocabScores [][]float32, tok SpecialTokens, beamIndices [][]int) (Step, error) {
	nb := s.cfg.NumBeams
	curLen := len(inputIDs[0]) + 1
	out := newStep(s.cfg.BatchSize * nb)
	for b := 0; b < s.cfg.BatchSize; b++ {
		if s.done[b] {
			if tok.Pad == nil || len(tok.EOS) == 0 {
				return Step{}, fmt.Errorf("%w: generated beams are done but pad or end tokens are not defined", ErrInvalidState)
			}
			for j := 0; j < nb; j++ {
				out.Scores[b*nb+j], out.Tokens[b*nb+j], out.Indices[b*nb+j] = 0, *tok.Pad, 0
			}
			continue
		}

		scores := make([]float32, 0, nb)
		tokens := make([]int, 0, nb)
		rows := make([]int, 0, nb)
		for rank, token := range c.Tokens[b] {
			row := b*nb + c.Indices[b][rank]
			if tok.isEOS(token) {
				if rank >= nb {
					continue
				}
				if s.completes(inputIDs[row]) {
					s.hyps[b].Add(inputIDs[row], float64(c.Scores[b][rank]), extend(beamIndices, row, row))
				}
			} else {
				scores = append(scores, c.Scores[b][rank])
				tokens = append(tokens, token)
				rows = append(rows, row)
			}
			if len(rows) == nb {
				break
			}
		}
		if len(rows) < nb {
			return Step{}, fmt.Errorf("%w: at most %d tokens in %v can be end tokens, need %d non-terminal candidates",
				ErrInvalidState, len(c.Tokens[b])-nb, c.Tokens[b], nb)
		}

		scores, tokens, rows = s.stepSentenceConstraint(b, inputIDs, vocabScores, scores, tokens, rows)
		copy(out.Scores[b*nb:], scores)
		copy(out.Tokens[b*nb:], tokens)
		copy(out.Indices[b*nb:], rows)
		s.done[b] = s.done[b] || s.hyps[b].IsDone(float64(slices.Max(c.Scores[b])), curLen)
	}
	return out, nil
}

type rankedCandidate struct {
	bank  int
	score float32
	token int
	row   int
}

// stepSentenceConstraint merges the selected beams with every candidate that
// advances a constraint from one of the current beams, then ranks them by
// constraint progress. The ranking interleaves progress tiers: the best of
// each tier comes first, then the second best of each tier, and so on, so
// that beams at every level of progress survive.
func (s *ConstrainedScorer) stepSentenceConstraint(b int, inputIDs [][]int, vocabScores [][]float32, scores []float32, tokens, rows []int) ([]float32, []int, []int) {
	n := len(rows)
	start := b * n
	seen := make([][]int, 0, 2*n)
	all := make([]rankedCandidate, 0, 2*n)
	for i := range rows {
		full := append(slices.Clone(inputIDs[rows[i]]), tokens[i])
		seen = append(seen, full)
		st := s.newState()
		st.Reset(full)
		all = append(all, rankedCandidate{bank: st.Bank(), score: scores[i], token: tokens[i], row: rows[i]})
	}

	added := 0
	for i := 0; i < n; i++ {
		row := start + i
		pre := inputIDs[row]
		adv := s.newState()
		adv.Reset(pre)
		if adv.Completed() {
			continue
		}
		for _, t := range adv.Next() {
			seq := append(slices.Clone(pre), t)
			if slices.ContainsFunc(seen, func(x []int) bool { return slices.Equal(x, seq) }) {
				continue
			}
			seen = append(seen, seq)
			next := adv.Copy(true)
			next.Add(t)
			all = append(all, rankedCandidate{bank: next.Bank(), score: vocabScores[row][t], token: t, row: row})
			added++
		}
	}
	if added == 0 {
		return scores, tokens, rows
	}

	order := make([]int, len(all))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		za := float32(all[a].bank)*100 + all[a].score
		zb := float32(all[b].bank)*100 + all[b].score
		return cmp.Compare(zb, za)
	})

	increments := make([]int, len(order))
	counter, cur := -1, all[order[0]].bank
	for i, idx := range order {
		if all[idx].bank == cur {
			counter++
		} else {
			counter, cur = 0, all[idx].bank
		}
		increments[i] = counter
	}
	rearranged := make([]int, len(order))
	for i := range rearranged {
		rearranged[i] = i
	}
	slices.SortStableFunc(rearranged, func(a, b int) int { return cmp.Compare(increments[a], increments[b]) })

	outScores := make([]float32, n)
	outTokens := make([]int, n)
	outRows := make([]int, n)
	for i := 0; i < n; i++ {
		c := all[order[rearranged[i]]]
		outScores[i], outTokens[i], outRows[i] = c.score, c.token, c.row
	}
	return outScores, outTokens, outRows
}

// Finalize adds every live beam that satisfies the constraints to its batch
// item's finished set. When fewer than NumReturn beams qualify, the best
// remaining beams are added anyway and a warning is logged.
func (s *ConstrainedScorer) Finalize(inputIDs [][]int, finalScores []float32, maxLength int, tok SpecialTokens, beamIndices [][]int) (*Result, error) {
	nb := s.cfg.NumBeams
	for b, h := range s.hyps {
		if s.done[b] {
			continue
		}
		collected := make([]bool, nb)
		count := 0
		for j := 0; j < nb; j++ {
			row := b*nb + j
			if s.completes(inputIDs[row]) {
				h.Add(inputIDs[row], float64(finalScores[row]), rowHistory(beamIndices, row))
				collected[j] = true
				count++
			}
		}
		if count >= s.cfg.NumReturn {
			continue
		}
		s.log.Warn("constrained beam search could not satisfy every constraint; returning unconstrained beams",
			"batch_index", b, "satisfied", count, "requested", s.cfg.NumReturn)
		for j := 0; j < nb && count < s.cfg.NumReturn; j++ {
			if collected[j] {
				continue
			}
			row := b*nb + j
			h.Add(inputIDs[row], float64(finalScores[row]), rowHistory(beamIndices, row))
			count++
		}
	}

	best := make([]*Hypothesis, 0, s.cfg.BatchSize*s.cfg.NumReturn)
	for _, h := range s.hyps {
		best = append(best, pickBest(h.Beams(), s.cfg.NumReturn)...)
	}
	return assemble(best, maxLength, tok, beamIndices != nil)
}
