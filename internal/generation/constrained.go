package generation

import (
	"context"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// ConstrainedBeamSearch is beam search whose scorer only finishes
// hypotheses that satisfy every constraint and keeps beams at every level
// of constraint progress alive.
func ConstrainedBeamSearch(ctx context.Context, m model.Model, st *State, scorer *beam.ConstrainedScorer, opts *Options) (_ *Output, err error) {
	r, err := newRun(ctx, ModeConstrainedBeamSearch, m, st, opts)
	if err != nil {
		return nil, err
	}
	defer r.observe(&err)
	if scorer == nil {
		return nil, invalidConfig("beam_scorer", "a constrained beam scorer is required")
	}
	batch, nb := scorer.BatchSize(), scorer.NumBeams()
	if err := checkBeamRows(st, batch, nb); err != nil {
		return nil, err
	}
	beamScores := make([]float32, batch*nb)
	for i := range beamScores {
		if i%nb != 0 {
			beamScores[i] = initialBeamScore
		}
	}
	hist := r.newBeamHistory()
	tok := beam.SpecialTokens{Pad: r.opts.Pad, EOS: r.opts.EOS}
	for {
		out, err := r.step()
		if err != nil {
			return nil, err
		}
		processed := logits.LogSoftmaxRows(out.LastLogits())
		r.opts.Processors.Process(st.InputIDs, processed)
		r.record(processed, out)
		vocabScores := addBeamScores(processed, beamScores)
		cands := topCandidates(vocabScores, batch, nb, max(2, 1+len(r.opts.EOS))*nb)

		sel, err := scorer.Process(st.InputIDs, cands, vocabScores, tok, hist)
		if err != nil {
			return nil, err
		}
		beamScores = sel.Scores
		st.update(out)
		if err := st.reorder(sel.Indices); err != nil {
			return nil, err
		}
		st.appendTokens(sel.Tokens)
		hist = extendBeamHistory(hist, sel.Indices)
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
