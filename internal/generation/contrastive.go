package generation

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// Contrastive holds the parameters of contrastive search.
type Contrastive struct {
	// TopK is the number of candidate tokens scored at every step.
	TopK int
	// PenaltyAlpha weighs the degeneration penalty against the model
	// confidence.
	PenaltyAlpha float64
	// LowMemory scores the batch×TopK candidate rows in TopK sequential
	// passes over consecutive chunks of batch rows instead of one pass.
	LowMemory bool
}

// ContrastiveSearch picks, at every step, the candidate among the TopK most
// likely tokens that maximizes (1-α)·p(token) − α·max cosine similarity
// between its hidden state and those of the previous positions.
func ContrastiveSearch(ctx context.Context, m model.Model, st *State, c Contrastive, opts *Options) (_ *Output, err error) {
	r, err := newRun(ctx, ModeContrastive, m, st, opts)
	if err != nil {
		return nil, err
	}
	defer r.observe(&err)
	if c.TopK < 1 {
		return nil, invalidConfig("top_k", "contrastive search needs at least one candidate, got %d", c.TopK)
	}
	if c.PenaltyAlpha < 0 || c.PenaltyAlpha > 1 {
		return nil, invalidConfig("penalty_alpha", "has to be between 0 and 1, got %v", c.PenaltyAlpha)
	}
	if !r.info.SupportsCache {
		return nil, unsupported("contrastive search requires a model that returns a key/value cache")
	}
	if st.Cache != nil {
		return nil, unsupported("contrastive search cannot resume from a cache: it needs the hidden states of every prompt position")
	}
	if err := r.requirePad(); err != nil {
		return nil, err
	}
	st.UseCache = true
	k := c.TopK
	rows := st.Rows()

	_, attn := r.captureFlags()
	out, err := r.forward(r.m, "primary", st.stepInput(true, attn))
	if err != nil {
		return nil, err
	}
	if len(out.HiddenStates) == 0 {
		return nil, unsupported("contrastive search requires a model that returns hidden states")
	}
	history := cloneContext(out.HiddenStates[len(out.HiddenStates)-1])
	nextLogits := out.LastLogits()
	st.update(out)
	var candEncoder *model.EncoderOutput
	if st.Encoder != nil {
		candEncoder = st.Encoder.RepeatInterleave(k)
	}

	done := make([]bool, rows)
	recOut := out
	for {
		scores := cloneRows(nextLogits)
		r.opts.Processors.Process(st.InputIDs, scores)
		r.opts.Warpers.Process(st.InputIDs, scores)
		r.record(scores, recOut)

		candIDs := make([][]int, 0, rows*k)
		topProbs := make([][]float64, rows)
		topIDs := make([][]int, rows)
		for i, row := range scores {
			probs := logits.Softmax(row)
			topIDs[i] = logits.TopKIndices(row, k)
			for _, id := range topIDs[i] {
				topProbs[i] = append(topProbs[i], probs[id])
				candIDs = append(candIDs, []int{id})
			}
		}
		var candMask [][]int
		if st.AttentionMask != nil {
			ext := make([][]int, rows)
			for i, row := range st.AttentionMask {
				ext[i] = append(append([]int(nil), row...), 1)
			}
			candMask = repeatRows(ext, k)
		}
		cand := &model.StepInput{
			InputIDs:           candIDs,
			AttentionMask:      candMask,
			Cache:              st.Cache.RepeatInterleave(k),
			UseCache:           true,
			Encoder:            candEncoder,
			OutputHiddenStates: true,
			OutputAttentions:   attn,
		}
		var candOut *model.StepOutput
		if c.LowMemory {
			candOut, err = r.forwardSplit(cand, rows)
		} else {
			candOut, err = r.forward(r.m, "primary", cand)
		}
		if err != nil {
			return nil, err
		}
		nextHidden := candOut.LastHidden()
		if nextHidden == nil {
			return nil, unsupported("contrastive search requires a model that returns hidden states")
		}

		selected := make([]int, rows)
		next := make([]int, rows)
		for i := 0; i < rows; i++ {
			best, bestScore := 0, math.Inf(-1)
			for j := 0; j < k && j < len(topIDs[i]); j++ {
				penalty := degenerationPenalty(history[i], maskRow(st.AttentionMask, i), nextHidden[i*k+j])
				score := (1-c.PenaltyAlpha)*topProbs[i][j] - c.PenaltyAlpha*penalty
				if score > bestScore {
					best, bestScore = j, score
				}
			}
			selected[i] = i*k + best
			next[i] = topIDs[i][best]
		}

		cache, err := candOut.Cache.Select(selected)
		if err != nil {
			return nil, err
		}
		for i, row := range selected {
			history[i] = append(history[i], nextHidden[row])
		}
		recOut = candOut.SelectRows(selected)
		nextLogits = recOut.LastLogits()

		r.padFinished(done, next)
		st.appendTokens(next)
		st.Cache = cache
		r.stats.Steps++

		r.markEOS(done, next)
		if r.stopRows(done, scores) {
			break
		}
	}
	return r.finish(st.InputIDs), nil
}

// forwardSplit runs in as consecutive sub-batches of size rows and stacks
// the results, so that at most rows candidates are in flight at once.
func (r *run) forwardSplit(in *model.StepInput, rows int) (*model.StepOutput, error) {
	var outs []*model.StepOutput
	for start := 0; start < in.Rows(); start += rows {
		idx := make([]int, 0, rows)
		for i := start; i < min(start+rows, in.Rows()); i++ {
			idx = append(idx, i)
		}
		sub := &model.StepInput{
			InputIDs:           in.InputIDs[start : start+len(idx)],
			UseCache:           in.UseCache,
			OutputHiddenStates: in.OutputHiddenStates,
			OutputAttentions:   in.OutputAttentions,
		}
		if in.AttentionMask != nil {
			sub.AttentionMask = in.AttentionMask[start : start+len(idx)]
		}
		if in.Cache != nil {
			c, err := in.Cache.Select(idx)
			if err != nil {
				return nil, err
			}
			sub.Cache = c
		}
		if in.Encoder != nil {
			e, err := in.Encoder.Select(idx)
			if err != nil {
				return nil, err
			}
			sub.Encoder = e
		}
		out, err := r.forward(r.m, "primary", sub)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return model.StackOutputs(outs)
}

// degenerationPenalty is the largest cosine similarity between candidate
// and any attended earlier position.
func degenerationPenalty(history [][]float32, mask []int, candidate []float32) float64 {
	cand := toFloat64(candidate)
	candNorm := floats.Norm(cand, 2)
	best := math.Inf(-1)
	for p, h := range history {
		if mask != nil && p < len(mask) && mask[p] == 0 {
			continue
		}
		v := toFloat64(h)
		denom := floats.Norm(v, 2) * candNorm
		sim := 0.0
		if denom > 0 {
			sim = floats.Dot(v, cand) / denom
		}
		best = max(best, sim)
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return best
}

func maskRow(mask [][]int, i int) []int {
	if mask == nil {
		return nil
	}
	return mask[i]
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// cloneContext copies the position lists of a hidden-state capture so that
// appending to a row never aliases the model's buffers.
func cloneContext(h model.Hidden) [][][]float32 {
	out := make([][][]float32, len(h))
	for i, row := range h {
		out[i] = append([][]float32(nil), row...)
	}
	return out
}
