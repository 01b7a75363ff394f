package generation

import (
	"context"

	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// GreedySearch extends every row with its highest scoring token until the
// stopping criteria or an end token finish it. Finished rows are padded
// while the others continue.
func GreedySearch(ctx context.Context, m model.Model, st *State, opts *Options) (*Output, error) {
	return singleSequence(ctx, ModeGreedy, m, st, opts)
}

// Sample is GreedySearch with the next token drawn from the warped
// distribution instead of taken as the maximum.
func Sample(ctx context.Context, m model.Model, st *State, opts *Options) (*Output, error) {
	return singleSequence(ctx, ModeSample, m, st, opts)
}

func singleSequence(ctx context.Context, mode Mode, m model.Model, st *State, opts *Options) (_ *Output, err error) {
	r, err := newRun(ctx, mode, m, st, opts)
	if err != nil {
		return nil, err
	}
	defer r.observe(&err)
	if err := r.requirePad(); err != nil {
		return nil, err
	}
	sample := mode == ModeSample
	done := make([]bool, st.Rows())
	for {
		out, err := r.step()
		if err != nil {
			return nil, err
		}
		scores := out.LastLogits()
		r.opts.Processors.Process(st.InputIDs, scores)
		if sample {
			r.opts.Warpers.Process(st.InputIDs, scores)
		}
		r.record(scores, out)

		next := make([]int, len(scores))
		for i, row := range scores {
			if sample {
				next[i] = r.opts.Sampler.Sample(row)
			} else {
				next[i] = logits.Argmax(row)
			}
		}
		r.padFinished(done, next)
		st.update(out)
		st.appendTokens(next)
		r.stats.Steps++

		r.markEOS(done, next)
		if r.stopRows(done, scores) {
			break
		}
	}
	return r.finish(st.InputIDs), nil
}
