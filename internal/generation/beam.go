package generation

import (
	"cmp"
	"context"
	"slices"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// initialBeamScore keeps all but the first beam of a batch item out of the
// first step, since every beam starts from the same prompt.
const initialBeamScore = -1e9

// BeamSearch keeps the NumBeams best partial sequences of every batch item.
// st must hold batch×num_beams rows, each batch item's beams adjacent.
func BeamSearch(ctx context.Context, m model.Model, st *State, scorer *beam.Scorer, opts *Options) (*Output, error) {
	return beamLoop(ctx, ModeBeamSearch, m, st, scorer, opts)
}

// BeamSample is BeamSearch with the expansions of every step drawn from the
// warped distribution over all beams instead of taken as the top scores.
func BeamSample(ctx context.Context, m model.Model, st *State, scorer *beam.Scorer, opts *Options) (*Output, error) {
	return beamLoop(ctx, ModeBeamSample, m, st, scorer, opts)
}

func beamLoop(ctx context.Context, mode Mode, m model.Model, st *State, scorer *beam.Scorer, opts *Options) (_ *Output, err error) {
	r, err := newRun(ctx, mode, m, st, opts)
	if err != nil {
		return nil, err
	}
	defer r.observe(&err)
	if scorer == nil {
		return nil, invalidConfig("beam_scorer", "a beam scorer is required")
	}
	if scorer.NumGroups() != 1 {
		return nil, invalidConfig("num_beam_groups", "%s does not support beam groups; use GroupBeamSearch", mode)
	}
	batch, nb := scorer.BatchSize(), scorer.NumBeams()
	if err := checkBeamRows(st, batch, nb); err != nil {
		return nil, err
	}
	sample := mode == ModeBeamSample
	beamScores := make([]float32, batch*nb)
	if !sample {
		for i := range beamScores {
			if i%nb != 0 {
				beamScores[i] = initialBeamScore
			}
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
		next := addBeamScores(processed, beamScores)

		var cands beam.Candidates
		if sample {
			r.opts.Warpers.Process(st.InputIDs, next)
			var warped [][]float32
			if r.opts.ReturnDict && r.opts.OutputScores {
				warped = cloneRows(processed)
				r.opts.Warpers.Process(st.InputIDs, warped)
			}
			r.record(warped, out)
			cands = sampleCandidates(next, batch, nb, 2*nb, r.opts.Sampler)
		} else {
			r.record(processed, out)
			cands = topCandidates(next, batch, nb, max(2, 1+len(r.opts.EOS))*nb)
		}

		sel, err := scorer.Process(st.InputIDs, cands, tok, hist, 0)
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

func checkBeamRows(st *State, batch, nb int) error {
	if st.Rows() != batch*nb {
		return invalidConfig("input_ids", "expected batch size %d × num_beams %d = %d rows, got %d", batch, nb, batch*nb, st.Rows())
	}
	return nil
}

// newBeamHistory returns empty row histories when beam indices are
// requested, nil otherwise.
func (r *run) newBeamHistory() [][]int {
	if !r.opts.ReturnDict || !r.opts.OutputScores {
		return nil
	}
	return make([][]int, r.st.Rows())
}

// extendBeamHistory rebuilds the histories after a reorder: row i now
// continues source row src[i].
func extendBeamHistory(hist [][]int, src []int) [][]int {
	if hist == nil {
		return nil
	}
	out := make([][]int, len(src))
	for i, s := range src {
		out[i] = append(slices.Clone(hist[s]), s)
	}
	return out
}

// finishBeams assembles the output of a beam run. The cache is dropped: its
// rows follow the live beams, not the returned hypotheses.
func (r *run) finishBeams(res *beam.Result) *Output {
	o := r.finish(res.Sequences)
	o.Cache = nil
	if r.opts.ReturnDict && r.opts.OutputScores {
		o.SequencesScores = res.Scores
		o.BeamIndices = padBeamIndices(res.BeamIndices, len(o.Scores))
	}
	return o
}

func addBeamScores(scores [][]float32, beamScores []float32) [][]float32 {
	out := make([][]float32, len(scores))
	for i, row := range scores {
		out[i] = make([]float32, len(row))
		for v, s := range row {
			out[i][v] = s + beamScores[i]
		}
	}
	return out
}

// flatten joins the beams rows of batch item b into one
// beams×vocab wide row.
func flatten(scores [][]float32, b, beams int) []float32 {
	vocab := len(scores[0])
	flat := make([]float32, 0, beams*vocab)
	for j := 0; j < beams; j++ {
		flat = append(flat, scores[b*beams+j]...)
	}
	return flat
}

// topCandidates picks the k best expansions of every batch item across its
// beams. scores holds batch×beams rows.
func topCandidates(scores [][]float32, batch, beams, k int) beam.Candidates {
	vocab := len(scores[0])
	c := newCandidates(batch)
	for b := 0; b < batch; b++ {
		flat := flatten(scores, b, beams)
		for _, idx := range logits.TopKIndices(flat, k) {
			c.Scores[b] = append(c.Scores[b], flat[idx])
			c.Tokens[b] = append(c.Tokens[b], idx%vocab)
			c.Indices[b] = append(c.Indices[b], idx/vocab)
		}
	}
	return c
}

// sampleCandidates draws k distinct expansions of every batch item from the
// softmax over all of its beams, then orders them by descending score.
func sampleCandidates(scores [][]float32, batch, beams, k int, sampler *logits.Sampler) beam.Candidates {
	vocab := len(scores[0])
	c := newCandidates(batch)
	for b := 0; b < batch; b++ {
		flat := flatten(scores, b, beams)
		drawn := sampler.Multinomial(logits.Softmax(flat), k)
		slices.SortStableFunc(drawn, func(x, y int) int { return cmp.Compare(flat[y], flat[x]) })
		for _, idx := range drawn {
			c.Scores[b] = append(c.Scores[b], flat[idx])
			c.Tokens[b] = append(c.Tokens[b], idx%vocab)
			c.Indices[b] = append(c.Indices[b], idx/vocab)
		}
	}
	return c
}

func newCandidates(batch int) beam.Candidates {
	return beam.Candidates{
		Scores:  make([][]float32, batch),
		Tokens:  make([][]int, batch),
		Indices: make([][]int, batch),
	}
}
