package generation

import (
	"context"
	"slices"

	"github.com/samcharles93/seqgen/internal/kvcache"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// Assistant is the draft model of assisted decoding.
type Assistant struct {
	Model model.Model
	// Encoder is the assistant's own encoder state when it is an
	// encoder-decoder model.
	Encoder *model.EncoderOutput
	// NumTokens is the initial number of draft tokens per step.
	NumTokens int
}

// AssistedDecoding lets a cheaper assistant draft a run of tokens that the
// primary model then verifies in a single forward pass. Drafts are accepted
// while they match the primary model's own choice; the primary token at the
// first mismatch is kept too, so every step yields at least one token and
// the output equals plain greedy search (or sampling, with doSample).
//
// The draft length grows by two after a fully accepted draft and shrinks by
// one, never below one, otherwise.
func AssistedDecoding(ctx context.Context, m model.Model, st *State, a *Assistant, doSample bool, opts *Options) (_ *Output, err error) {
	r, err := newRun(ctx, ModeAssisted, m, st, opts)
	if err != nil {
		return nil, err
	}
	defer r.observe(&err)
	if a == nil || a.Model == nil {
		return nil, invalidConfig("assistant_model", "an assistant model is required")
	}
	ainfo := a.Model.Info()
	switch {
	case st.Rows() != 1:
		return nil, unsupported("assisted decoding only supports a single sequence, got %d rows", st.Rows())
	case !r.info.SupportsCache || !ainfo.SupportsCache:
		return nil, unsupported("assisted decoding requires models that return a key/value cache")
	case ainfo.VocabSize != r.info.VocabSize:
		return nil, invalidConfig("assistant_model", "vocabulary size %d differs from the primary model's %d", ainfo.VocabSize, r.info.VocabSize)
	case ainfo.EncoderDecoder && (a.Encoder == nil || a.Encoder.Rows() != 1):
		return nil, invalidConfig("assistant_model", "encoder-decoder assistants need their own single-row encoder state")
	case a.NumTokens < 0:
		return nil, invalidConfig("num_assistant_tokens", "must not be negative, got %d", a.NumTokens)
	}
	maxLen, ok := r.criteria.MaxLength()
	if !ok {
		return nil, invalidConfig("stopping_criteria", "assisted decoding needs a max length criterion")
	}
	if err := r.requirePad(); err != nil {
		return nil, err
	}
	st.UseCache = true
	numAssistant := a.NumTokens
	var aCache *kvcache.Cache
	hidden, attn := r.captureFlags()
	firstPass := st.Cache == nil

	for {
		curLen := st.CurLen()
		cand := slices.Clone(st.InputIDs[0])
		baseMask := maskRow(st.AttentionMask, 0)

		numDraft := max(0, min(numAssistant, maxLen-curLen-1))
		lastIsEOS := false
		for range numDraft {
			past := aCache.SeqLen()
			in := &model.StepInput{
				InputIDs:      [][]int{cand[past:]},
				AttentionMask: oneRow(extendMask(baseMask, len(cand))),
				Cache:         aCache,
				UseCache:      true,
				Encoder:       a.Encoder,
			}
			aout, err := r.forward(a.Model, "assistant", in)
			if err != nil {
				return nil, err
			}
			aCache = aout.Cache
			scores := aout.LastLogits()
			r.opts.Processors.Process([][]int{cand}, scores)
			tok := logits.Argmax(scores[0])
			cand = append(cand, tok)
			if slices.Contains(r.opts.EOS, tok) {
				lastIsEOS = true
				break
			}
		}
		candLen := len(cand) - curLen

		past := st.Cache.SeqLen()
		out, err := r.forward(r.m, "primary", &model.StepInput{
			InputIDs:           [][]int{cand[past:]},
			AttentionMask:      oneRow(extendMask(baseMask, len(cand))),
			Cache:              st.Cache,
			UseCache:           true,
			Encoder:            st.Encoder,
			OutputHiddenStates: hidden,
			OutputAttentions:   attn,
		})
		if err != nil {
			return nil, err
		}
		fed := len(cand) - past
		offset := fed - candLen - 1
		newScores := make([][]float32, candLen+1)
		selected := make([]int, candLen+1)
		for i := range newScores {
			row := [][]float32{slices.Clone(out.Logits[0][offset+i])}
			prefix := [][]int{cand[:curLen+i]}
			r.opts.Processors.Process(prefix, row)
			if doSample {
				r.opts.Warpers.Process(prefix, row)
				selected[i] = r.opts.Sampler.Sample(row[0])
			} else {
				selected[i] = logits.Argmax(row[0])
			}
			newScores[i] = row[0]
		}

		matches := 0
		for matches < candLen && cand[curLen+matches] == selected[matches] {
			matches++
		}
		if lastIsEOS && matches == candLen {
			matches--
		}
		matches = max(0, min(matches, maxLen-curLen-1))
		valid := selected[:matches+1]
		if i := slices.IndexFunc(valid, func(t int) bool { return slices.Contains(r.opts.EOS, t) }); i >= 0 {
			valid = valid[:i+1]
		}
		assistedTokens.WithLabelValues("proposed").Add(float64(candLen))
		assistedTokens.WithLabelValues("accepted").Add(float64(min(matches, len(valid))))

		for i := range valid {
			if r.opts.ReturnDict && r.opts.OutputScores {
				r.out.Scores = append(r.out.Scores, [][]float32{newScores[i]})
			}
			from, to := offset+i, offset+i+1
			if i == 0 && firstPass {
				from = 0
			}
			r.recordCaptures(out.Positions(from, to))
		}
		firstPass = false

		st.InputIDs[0] = append(st.InputIDs[0], valid...)
		if st.AttentionMask != nil {
			st.AttentionMask[0] = extendMask(st.AttentionMask[0], len(st.InputIDs[0]))
		}
		newLen := st.CurLen()
		st.Cache = out.Cache.Crop(newLen - 1)
		aCache = aCache.Crop(newLen - 2)

		if matches == numAssistant {
			numAssistant += 2
		} else {
			numAssistant = max(1, numAssistant-1)
		}
		r.stats.Steps++

		done := []bool{slices.Contains(r.opts.EOS, valid[len(valid)-1])}
		if r.stopRows(done, [][]float32{newScores[len(valid)-1]}) {
			break
		}
	}
	return r.finish(st.InputIDs), nil
}

// extendMask returns mask right-padded with ones up to n positions. A nil
// mask stays nil.
func extendMask(mask []int, n int) []int {
	if mask == nil {
		return nil
	}
	out := make([]int, n)
	copy(out, mask)
	for i := len(mask); i < n; i++ {
		out[i] = 1
	}
	return out
}

func oneRow(mask []int) [][]int {
	if mask == nil {
		return nil
	}
	return [][]int{mask}
}
