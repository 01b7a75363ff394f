package generation

import (
	"context"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// GroupBeamSearch runs diverse beam search: the beams of every batch item
// are split into groups that are advanced one after another within a step,
// so that group-aware processors can penalize tokens picked by earlier
// groups.
func GroupBeamSearch(ctx context.Context, m model.Model, st *State, scorer *beam.Scorer, opts *Options) (_ *Output, err error) {
	r, err := newRun(ctx, ModeGroupBeamSearch, m, st, opts)
	if err != nil {
		return nil, err
	}
	defer r.observe(&err)
	if scorer == nil {
		return nil, invalidConfig("beam_scorer", "a beam scorer is required")
	}
	batch, nb, groups, gs := scorer.BatchSize(), scorer.NumBeams(), scorer.NumGroups(), scorer.GroupSize()
	if err := checkBeamRows(st, batch, nb); err != nil {
		return nil, err
	}
	rows := batch * nb
	beamScores := make([]float32, rows)
	for i := range beamScores {
		if i%gs != 0 {
			beamScores[i] = initialBeamScore
		}
	}
	hist := r.newBeamHistory()
	tok := beam.SpecialTokens{Pad: r.opts.Pad, EOS: r.opts.EOS}
	nEOS := len(r.opts.EOS)
	for {
		out, err := r.step()
		if err != nil {
			return nil, err
		}
		all := out.LastLogits()
		currentTokens := make([]int, rows)
		reordering := make([]int, rows)
		var processedAll [][]float32
		if r.opts.ReturnDict && r.opts.OutputScores {
			processedAll = make([][]float32, rows)
		}
		nextHist := hist
		if hist != nil {
			nextHist = make([][]int, rows)
		}

		for g := 0; g < groups; g++ {
			global := groupRows(batch, nb, g, gs)
			groupIDs := make([][]int, len(global))
			groupScores := make([][]float32, len(global))
			groupBeamScores := make([]float32, len(global))
			var groupHist [][]int
			if hist != nil {
				groupHist = make([][]int, len(global))
			}
			for i, row := range global {
				groupIDs[i] = st.InputIDs[row]
				groupScores[i] = logits.LogSoftmax(all[row])
				groupBeamScores[i] = beamScores[row]
				if hist != nil {
					groupHist[i] = hist[row]
				}
			}
			r.opts.Processors.ProcessGroup(groupIDs, groupScores, logits.Group{CurrentTokens: currentTokens, Index: g})
			if processedAll != nil {
				for i, row := range global {
					processedAll[row] = groupScores[i]
				}
			}
			next := addBeamScores(groupScores, groupBeamScores)
			cands := topCandidates(next, batch, gs, max(2, 1+nEOS)*gs)
			sel, err := scorer.Process(groupIDs, cands, tok, groupHist, g)
			if err != nil {
				return nil, err
			}
			for i, row := range global {
				beamScores[row] = sel.Scores[i]
				currentTokens[row] = sel.Tokens[i]
				src := sel.Indices[i]
				b, idx := src/gs, src%gs
				reordering[row] = b*nb + g*gs + idx
				if hist != nil {
					nextHist[row] = append(append([]int(nil), groupHist[src]...), reordering[row])
				}
			}
		}
		if processedAll != nil {
			r.out.Scores = append(r.out.Scores, cloneRows(processedAll))
		}
		r.recordCaptures(out)

		st.update(out)
		if err := st.reorder(reordering); err != nil {
			return nil, err
		}
		st.appendTokens(currentTokens)
		hist = nextHist
		r.stats.Steps++

		if scorer.IsDone() || r.criteria.All(st.InputIDs, nil) {
			break
		}
	}
	maxLen, _ := r.criteria.MaxLength()
	res, err := scorer.Finalize(st.InputIDs, beamScores, maxLen, tok, hist)
	if err != nil {
		return nil, err
	}
	return r.finishBeams(res), nil
}

// groupRows lists the global rows of beam group g, batch-major.
func groupRows(batch, nb, g, gs int) []int {
	rows := make([]int, 0, batch*gs)
	for b := 0; b < batch; b++ {
		for j := 0; j < gs; j++ {
			rows = append(rows, b*nb+g*gs+j)
		}
	}
	return rows
}
