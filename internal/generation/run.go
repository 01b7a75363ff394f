package generation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/stopping"
)

// Options carries the collaborators of a strategy routine. Generate builds
// them from a Config; callers of the routines build them directly.
type Options struct {
	Processors logits.List
	// Warpers are only used by the sampling strategies and contrastive
	// search.
	Warpers  logits.List
	Criteria stopping.List
	// MaxLength, when positive, is reconciled with Criteria: a MaxLength
	// criterion is added when missing and a warning is logged when the
	// criteria carry a different bound.
	MaxLength int

	Pad *int
	EOS []int

	OutputScores       bool
	OutputAttentions   bool
	OutputHiddenStates bool
	ReturnDict         bool

	// Sampler draws tokens for the sampling strategies. Nil means a sampler
	// seeded with zero.
	Sampler *logits.Sampler
	// Logger defaults to the logger carried by the context.
	Logger logger.Logger
}

// run holds the per-call bookkeeping shared by every strategy routine.
type run struct {
	ctx       context.Context
	mode      Mode
	m         model.Model
	info      model.Info
	st        *State
	opts      Options
	criteria  stopping.List
	log       logger.Logger
	promptLen int
	start     time.Time
	stats     Stats
	out       *Output
}

func newRun(ctx context.Context, mode Mode, m model.Model, st *State, opts *Options) (*run, error) {
	if m == nil {
		return nil, invalidConfig("model", "a model is required")
	}
	if st == nil {
		return nil, invalidConfig("input_ids", "a decoder state is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	r := &run{
		ctx:       ctx,
		mode:      mode,
		m:         m,
		info:      m.Info(),
		st:        st,
		opts:      *opts,
		promptLen: st.CurLen(),
		start:     time.Now(),
		out:       &Output{},
	}
	r.log = r.opts.Logger
	if r.log == nil {
		r.log = logger.FromContext(ctx)
	}
	if err := st.validate(r.info); err != nil {
		return nil, err
	}
	r.criteria = r.opts.Criteria
	if r.opts.MaxLength > 0 {
		r.criteria = stopping.Validate(r.criteria, r.opts.MaxLength, r.log)
	}
	if len(r.criteria) == 0 {
		return nil, invalidConfig("stopping_criteria", "at least one stopping criterion or a max length is required")
	}
	if r.opts.Sampler == nil {
		r.opts.Sampler = logits.NewSampler(0)
	}
	for _, id := range r.opts.EOS {
		if id < 0 || id >= r.info.VocabSize {
			return nil, invalidConfig("eos_token_id", "token %d is outside the vocabulary [0,%d)", id, r.info.VocabSize)
		}
	}
	if p := r.opts.Pad; p != nil && (*p < 0 || *p >= r.info.VocabSize) {
		return nil, invalidConfig("pad_token_id", "token %d is outside the vocabulary [0,%d)", *p, r.info.VocabSize)
	}
	r.log.Debug("generation started", "mode", mode.String(), "rows", st.Rows(), "input_length", st.CurLen(), "use_cache", st.UseCache)
	return r, nil
}

// requirePad rejects runs that would need to pad finished rows without a
// pad token.
func (r *run) requirePad() error {
	if len(r.opts.EOS) > 0 && r.opts.Pad == nil {
		return invalidConfig("pad_token_id", "must be defined when eos_token_id is defined")
	}
	return nil
}

func (r *run) captureFlags() (hidden, attentions bool) {
	return r.opts.ReturnDict && r.opts.OutputHiddenStates, r.opts.ReturnDict && r.opts.OutputAttentions
}

// forward runs one pass of m, converting a model panic into an error.
func (r *run) forward(m model.Model, role string, in *model.StepInput) (out *model.StepOutput, err error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step %d: panic in %s model: %v", r.stats.Steps, role, rec)
		}
	}()
	forwardPasses.WithLabelValues(r.mode.String(), role).Inc()
	r.stats.ForwardPasses++
	out, err = m.Step(r.ctx, in)
	if err != nil {
		return nil, fmt.Errorf("step %d: %s model: %w", r.stats.Steps, role, err)
	}
	if len(out.Logits) != in.Rows() {
		return nil, fmt.Errorf("step %d: %s model returned %d rows of logits for %d inputs", r.stats.Steps, role, len(out.Logits), in.Rows())
	}
	if in.UseCache && out.Cache == nil {
		return nil, unsupported("the %s model returned no cache although one was requested", role)
	}
	return out, nil
}

// step runs the primary model on the rows of the state.
func (r *run) step() (*model.StepOutput, error) {
	hidden, attn := r.captureFlags()
	return r.forward(r.m, "primary", r.st.stepInput(hidden, attn))
}

// record keeps the scores and captures of one step when requested.
func (r *run) record(scores [][]float32, out *model.StepOutput) {
	if !r.opts.ReturnDict {
		return
	}
	if r.opts.OutputScores && scores != nil {
		r.out.Scores = append(r.out.Scores, cloneRows(scores))
	}
	if out == nil {
		return
	}
	r.recordCaptures(out)
}

func (r *run) recordCaptures(out *model.StepOutput) {
	if !r.opts.ReturnDict {
		return
	}
	if r.opts.OutputAttentions {
		r.out.Attentions = append(r.out.Attentions, out.Attentions)
		if r.info.EncoderDecoder {
			r.out.CrossAttentions = append(r.out.CrossAttentions, out.CrossAttentions)
		}
	}
	if r.opts.OutputHiddenStates {
		r.out.HiddenStates = append(r.out.HiddenStates, out.HiddenStates)
	}
}

// stopRows merges the criteria verdict into done. done is sticky.
func (r *run) stopRows(done []bool, scores [][]float32) bool {
	for i, d := range r.criteria.Stop(r.st.InputIDs, scores) {
		if d {
			done[i] = true
		}
	}
	return !slices.Contains(done, false)
}

// markEOS flags rows whose last token is an end token.
func (r *run) markEOS(done []bool, tokens []int) {
	for i, t := range tokens {
		if slices.Contains(r.opts.EOS, t) {
			done[i] = true
		}
	}
}

// padFinished replaces the tokens of finished rows with the pad token.
func (r *run) padFinished(done []bool, tokens []int) {
	if r.opts.Pad == nil {
		return
	}
	for i, d := range done {
		if d {
			tokens[i] = *r.opts.Pad
		}
	}
}

// finish assembles the output of a run.
func (r *run) finish(sequences [][]int) *Output {
	r.out.Sequences = sequences
	finishStats(&r.stats, r.start, r.promptLen, sequences)
	r.out.Stats = r.stats
	if r.opts.ReturnDict {
		if r.st.UseCache {
			r.out.Cache = r.st.Cache
		}
	} else {
		r.out.Scores, r.out.Attentions, r.out.CrossAttentions, r.out.HiddenStates = nil, nil, nil, nil
	}
	r.log.Debug("generation finished", "mode", r.mode.String(), "steps", r.stats.Steps,
		"forward_passes", r.stats.ForwardPasses, "length", r.st.CurLen(), "duration", r.stats.Duration)
	return r.out
}

// observe records the run in the metrics once the routine returns.
func (r *run) observe(err *error) {
	observeRun(r.mode, r.stats, *err)
}
