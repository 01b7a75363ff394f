// Package generation turns a next-token model into a sequence generator.
// Generate resolves a Config into one of eight decoding strategies and runs
// it; the strategy routines are exported too, for callers that build their
// own processors, criteria and scorers.
package generation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/constraints"
	"github.com/samcharles93/seqgen/internal/kvcache"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/stopping"
)

// Request is the input of one Generate call.
type Request struct {
	// InputIDs is the prompt, one row per batch item. For encoder-decoder
	// models it is the encoder input.
	InputIDs [][]int
	// AttentionMask marks the real positions of InputIDs. When nil it is
	// derived from the pad token.
	AttentionMask [][]int
	// DecoderInputIDs seeds the decoder of encoder-decoder models. When nil
	// every row starts from the decoder start token.
	DecoderInputIDs [][]int
	// Config defaults to DefaultConfig. It is copied, never modified.
	Config *Config

	// Processors and Criteria are appended to the lists built from Config.
	Processors logits.List
	Criteria   stopping.List
	// PrefixAllowed restricts the tokens allowed after every prefix.
	PrefixAllowed logits.PrefixAllowedFunc
	// Assistant turns greedy search and sampling into assisted decoding.
	Assistant model.Model
	// Cache resumes a previous run. InputIDs must then hold the full
	// sequence that run returned.
	Cache *kvcache.Cache
}

// Generator runs generation requests.
type Generator struct {
	log logger.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger. By default the logger carried by the context
// of each call is used.
func WithLogger(l logger.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// New returns a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Generate runs req against m with a default Generator.
func Generate(ctx context.Context, m model.Model, req *Request) (*Output, error) {
	return New().Generate(ctx, m, req)
}

// Generate resolves the strategy implied by req.Config and runs it.
// Configuration errors are returned before any forward pass.
func (g *Generator) Generate(ctx context.Context, m model.Model, req *Request) (*Output, error) {
	if ctx == nil {
		return nil, errors.New("generation: context is required")
	}
	if m == nil {
		return nil, invalidConfig("model", "a model is required")
	}
	if req == nil {
		return nil, invalidConfig("request", "a request is required")
	}
	log := g.log
	if log == nil {
		log = logger.FromContext(ctx)
	}

	cfg := DefaultConfig()
	if req.Config != nil {
		cfg = req.Config.Clone()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info := m.Info()
	if err := checkPrompt(req.InputIDs, req.AttentionMask, info.VocabSize); err != nil {
		return nil, err
	}
	eos := []int(cfg.EOSTokenID)
	if cfg.PadTokenID == nil && len(eos) > 0 {
		log.Warn("pad_token_id is not set; using the first eos_token_id for open-end generation", "pad_token_id", eos[0])
		pad := eos[0]
		cfg.PadTokenID = &pad
	}
	mask := req.AttentionMask
	if mask == nil {
		mask = deriveAttentionMask(req.InputIDs, cfg.PadTokenID, eos)
	}
	if !info.EncoderDecoder && cfg.PadTokenID != nil && mask != nil {
		for _, row := range req.InputIDs {
			if row[len(row)-1] == *cfg.PadTokenID {
				log.Warn("right-padding detected in the inputs of a decoder-only model; pad on the left for correct results")
				break
			}
		}
	}

	st := &State{UseCache: cfg.UseCache && info.SupportsCache, Cache: req.Cache}
	if info.EncoderDecoder {
		var err error
		if st.InputIDs, err = decoderStart(req, cfg, info.VocabSize); err != nil {
			return nil, err
		}
	} else {
		st.InputIDs = cloneRows(req.InputIDs)
		st.AttentionMask = cloneRows(mask)
	}
	if req.Cache != nil && !cfg.UseCache {
		return nil, invalidConfig("use_cache", "a cache was passed but use_cache is false")
	}

	inputLen := st.CurLen()
	if err := resolveLength(cfg, inputLen, log); err != nil {
		return nil, err
	}
	mode, err := ResolveMode(cfg, req.Assistant != nil)
	if err != nil {
		return nil, err
	}
	if err := checkMode(mode, cfg, info, len(req.InputIDs), req.Assistant); err != nil {
		return nil, err
	}
	log.Debug("resolved generation mode", "mode", mode.String(), "batch_size", len(req.InputIDs),
		"input_length", inputLen, "max_length", cfg.MaxLength)

	processors, err := BuildProcessors(cfg, inputLen, req.PrefixAllowed, req.Processors)
	if err != nil {
		return nil, err
	}
	criteria, err := BuildCriteria(cfg, req.Criteria)
	if err != nil {
		return nil, err
	}
	opts := &Options{
		Processors:         processors,
		Criteria:           criteria,
		Pad:                cfg.PadTokenID,
		EOS:                eos,
		OutputScores:       cfg.OutputScores,
		OutputAttentions:   cfg.OutputAttentions,
		OutputHiddenStates: cfg.OutputHiddenStates,
		ReturnDict:         cfg.ReturnDictInGenerate,
		Sampler:            logits.NewSampler(cfg.Seed),
		Logger:             log,
	}
	if cfg.DoSample || mode == ModeContrastive {
		if opts.Warpers, err = BuildWarpers(cfg); err != nil {
			return nil, err
		}
	}
	sc, err := buildScorers(mode, cfg, len(req.InputIDs), log)
	if err != nil {
		return nil, err
	}

	// Everything above is configuration; the encoder pass is the first
	// model call.
	var encOut *model.EncoderOutput
	if info.EncoderDecoder {
		if encOut, err = encode(ctx, m, req.InputIDs, mask, cfg); err != nil {
			return nil, err
		}
		st.Encoder = encOut
	}

	out, err := g.dispatch(ctx, mode, m, st, cfg, req, sc, opts)
	if err != nil {
		return nil, err
	}
	if cfg.ReturnDictInGenerate && encOut != nil {
		if cfg.OutputAttentions {
			out.EncoderAttentions = encOut.Attentions
		}
		if cfg.OutputHiddenStates {
			out.EncoderHiddenStates = encOut.HiddenStates
		}
	}
	return out, nil
}

// scorers are the beam scorers of a run, built before any forward pass.
type scorers struct {
	beam        *beam.Scorer
	constrained *beam.ConstrainedScorer
}

func buildScorers(mode Mode, cfg *Config, batch int, log logger.Logger) (scorers, error) {
	beamCfg := beam.Config{
		BatchSize:     batch,
		NumBeams:      cfg.NumBeams,
		NumGroups:     cfg.NumBeamGroups,
		LengthPenalty: cfg.LengthPenalty,
		EarlyStopping: cfg.EarlyStopping,
		NumReturn:     cfg.NumReturnSequences,
		MaxLength:     cfg.MaxLength,
	}
	var (
		sc  scorers
		err error
	)
	switch mode {
	case ModeBeamSearch, ModeGroupBeamSearch:
		sc.beam, err = beam.NewScorer(beamCfg)
	case ModeBeamSample:
		// Every returned sequence comes from its own search.
		beamCfg.BatchSize = batch * cfg.NumReturnSequences
		beamCfg.NumReturn = 1
		sc.beam, err = beam.NewScorer(beamCfg)
	case ModeConstrainedBeamSearch:
		cs, cerr := buildConstraints(cfg)
		if cerr != nil {
			return sc, cerr
		}
		sc.constrained, err = beam.NewConstrainedScorer(beamCfg, cs, log)
	}
	if err != nil {
		return sc, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return sc, nil
}

func (g *Generator) dispatch(ctx context.Context, mode Mode, m model.Model, st *State, cfg *Config, req *Request, sc scorers, opts *Options) (*Output, error) {
	switch mode {
	case ModeGreedy:
		return GreedySearch(ctx, m, st, opts)
	case ModeSample:
		return Sample(ctx, m, st.Expand(cfg.NumReturnSequences), opts)
	case ModeContrastive:
		return ContrastiveSearch(ctx, m, st, Contrastive{TopK: cfg.TopK, PenaltyAlpha: cfg.PenaltyAlpha, LowMemory: cfg.LowMemory}, opts)
	case ModeBeamSearch:
		return BeamSearch(ctx, m, st.Expand(cfg.NumBeams), sc.beam, opts)
	case ModeBeamSample:
		return BeamSample(ctx, m, st.Expand(cfg.NumBeams*cfg.NumReturnSequences), sc.beam, opts)
	case ModeGroupBeamSearch:
		return GroupBeamSearch(ctx, m, st.Expand(cfg.NumBeams), sc.beam, opts)
	case ModeConstrainedBeamSearch:
		return ConstrainedBeamSearch(ctx, m, st.Expand(cfg.NumBeams), sc.constrained, opts)
	case ModeAssisted:
		a := &Assistant{Model: req.Assistant, NumTokens: cfg.NumAssistantTokens}
		if req.Assistant.Info().EncoderDecoder {
			enc, err := encode(ctx, req.Assistant, req.InputIDs, st.Encoder.Mask, cfg)
			if err != nil {
				return nil, fmt.Errorf("assistant: %w", err)
			}
			a.Encoder = enc
		}
		return AssistedDecoding(ctx, m, st, a, cfg.DoSample, opts)
	}
	return nil, fmt.Errorf("generation: unknown mode %d", mode)
}

// checkMode applies the checks that depend on the resolved strategy.
func checkMode(mode Mode, cfg *Config, info model.Info, batch int, assistant model.Model) error {
	switch mode {
	case ModeGreedy, ModeContrastive, ModeAssisted:
		if cfg.NumReturnSequences > 1 {
			return invalidConfig("num_return_sequences", "has to be 1 for %s, got %d", mode, cfg.NumReturnSequences)
		}
	case ModeBeamSearch, ModeGroupBeamSearch, ModeConstrainedBeamSearch:
		if cfg.NumReturnSequences > cfg.NumBeams {
			return invalidConfig("num_return_sequences", "has to be smaller or equal to num_beams (%d), got %d", cfg.NumBeams, cfg.NumReturnSequences)
		}
	}
	switch mode {
	case ModeContrastive:
		if !info.SupportsCache {
			return unsupported("contrastive search requires a model that returns a key/value cache")
		}
	case ModeAssisted:
		if !info.SupportsCache || !assistant.Info().SupportsCache {
			return unsupported("assisted decoding requires models that return a key/value cache")
		}
		if !cfg.UseCache {
			return invalidConfig("use_cache", "assisted decoding requires use_cache")
		}
		if batch != 1 {
			return unsupported("assisted decoding only supports a batch size of 1, got %d", batch)
		}
		if assistant.Info().EncoderDecoder != info.EncoderDecoder {
			return unsupported("the assistant and the primary model must both be decoder-only or both encoder-decoder")
		}
	case ModeGroupBeamSearch:
		if cfg.NumBeams%cfg.NumBeamGroups != 0 {
			return invalidConfig("num_beams", "should be divisible by num_beam_groups (%d), got %d", cfg.NumBeamGroups, cfg.NumBeams)
		}
		if cfg.DiversityPenalty == 0 {
			return invalidConfig("diversity_penalty", "should be greater than 0, otherwise the beam groups are identical")
		}
	case ModeConstrainedBeamSearch:
		if cfg.NumBeams <= 1 {
			return invalidConfig("num_beams", "constrained beam search needs more than one beam, got %d", cfg.NumBeams)
		}
		if cfg.DoSample {
			return invalidConfig("do_sample", "constrained beam search does not support sampling")
		}
		if cfg.NumBeamGroups > 1 {
			return invalidConfig("num_beam_groups", "constrained beam search does not support beam groups")
		}
	}
	return nil
}

func buildConstraints(cfg *Config) ([]constraints.Constraint, error) {
	cs := make([]constraints.Constraint, 0, len(cfg.Constraints)+len(cfg.ForceWordsIDs))
	for _, c := range cfg.Constraints {
		cs = append(cs, c.Copy(false))
	}
	for _, w := range cfg.ForceWordsIDs {
		c, err := w.Constraint()
		if err != nil {
			return nil, invalidConfig("force_words_ids", "%v", err)
		}
		cs = append(cs, c)
	}
	return cs, nil
}

// resolveLength settles cfg.MaxLength against max_new_tokens and the
// input length.
func resolveLength(cfg *Config, inputLen int, log logger.Logger) error {
	switch {
	case cfg.MaxNewTokens > 0:
		if cfg.MaxLength > 0 {
			log.Warn("both max_new_tokens and max_length are set; max_new_tokens takes precedence",
				"max_new_tokens", cfg.MaxNewTokens, "max_length", cfg.MaxLength)
		}
		cfg.MaxLength = inputLen + cfg.MaxNewTokens
	case cfg.MaxLength == 0:
		log.Warn("neither max_length nor max_new_tokens is set; using the default max_length",
			"max_length", DefaultMaxLength)
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MinLength > cfg.MaxLength {
		log.Warn("min_length is larger than max_length; generation stops at max_length",
			"min_length", cfg.MinLength, "max_length", cfg.MaxLength)
	}
	if inputLen >= cfg.MaxLength {
		log.Warn("input length reaches max_length; one token is still generated, consider increasing max_new_tokens",
			"input_length", inputLen, "max_length", cfg.MaxLength)
	}
	return nil
}

func checkPrompt(ids, mask [][]int, vocab int) error {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return invalidConfig("input_ids", "at least one non-empty row is required")
	}
	for i, row := range ids {
		if len(row) != len(ids[0]) {
			return invalidConfig("input_ids", "row %d has length %d, want %d", i, len(row), len(ids[0]))
		}
		for _, id := range row {
			if id < 0 || id >= vocab {
				return invalidConfig("input_ids", "token %d in row %d is outside the vocabulary [0,%d)", id, i, vocab)
			}
		}
	}
	if mask != nil {
		if len(mask) != len(ids) {
			return invalidConfig("attention_mask", "has %d rows, want %d", len(mask), len(ids))
		}
		for i, row := range mask {
			if len(row) != len(ids[i]) {
				return invalidConfig("attention_mask", "row %d has length %d, want %d", i, len(row), len(ids[i]))
			}
		}
	}
	return nil
}

// deriveAttentionMask masks pad positions when the pad token occurs in the
// inputs and differs from every end token. Otherwise every position is
// attended and nil is returned.
func deriveAttentionMask(ids [][]int, pad *int, eos []int) [][]int {
	if pad == nil || slices.Contains(eos, *pad) {
		return nil
	}
	found := false
	for _, row := range ids {
		if slices.Contains(row, *pad) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	mask := make([][]int, len(ids))
	for i, row := range ids {
		mask[i] = make([]int, len(row))
		for j, id := range row {
			if id != *pad {
				mask[i][j] = 1
			}
		}
	}
	return mask
}

func encode(ctx context.Context, m model.Model, ids, mask [][]int, cfg *Config) (*model.EncoderOutput, error) {
	enc, ok := m.(model.Encoder)
	if !ok {
		return nil, unsupported("the model is marked encoder-decoder but does not implement Encode")
	}
	out, err := enc.Encode(ctx, &model.EncodeInput{
		InputIDs:           ids,
		AttentionMask:      mask,
		OutputHiddenStates: cfg.ReturnDictInGenerate && cfg.OutputHiddenStates,
		OutputAttentions:   cfg.ReturnDictInGenerate && cfg.OutputAttentions,
	})
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

// decoderStart returns the initial decoder rows of an encoder-decoder run.
func decoderStart(req *Request, cfg *Config, vocab int) ([][]int, error) {
	batch := len(req.InputIDs)
	if req.DecoderInputIDs != nil {
		if len(req.DecoderInputIDs) != batch {
			return nil, invalidConfig("decoder_input_ids", "has %d rows for a batch of %d", len(req.DecoderInputIDs), batch)
		}
		if err := checkPrompt(req.DecoderInputIDs, nil, vocab); err != nil {
			return nil, err
		}
		return cloneRows(req.DecoderInputIDs), nil
	}
	start := cfg.DecoderStartTokenID
	if start == nil {
		start = cfg.BOSTokenID
	}
	if start == nil {
		return nil, invalidConfig("decoder_start_token_id", "encoder-decoder generation needs decoder_start_token_id or bos_token_id")
	}
	if *start < 0 || *start >= vocab {
		return nil, invalidConfig("decoder_start_token_id", "token %d is outside the vocabulary [0,%d)", *start, vocab)
	}
	rows := make([][]int, batch)
	for i := range rows {
		rows[i] = []int{*start}
	}
	return rows, nil
}
