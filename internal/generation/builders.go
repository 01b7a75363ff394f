package generation

import (
	"reflect"
	"time"

	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/stopping"
)

// BuildProcessors assembles the processor list implied by cfg, in the fixed
// order every strategy relies on, then appends custom. inputLen is the
// length of the decoder prompt. cfg.MaxLength must already be resolved.
func BuildProcessors(cfg *Config, inputLen int, prefixAllowed logits.PrefixAllowedFunc, custom logits.List) (logits.List, error) {
	var l logits.List
	eos := []int(cfg.EOSTokenID)
	if len(cfg.SequenceBias) > 0 {
		seqs := make([][]int, len(cfg.SequenceBias))
		biases := make([]float32, len(cfg.SequenceBias))
		for i, sb := range cfg.SequenceBias {
			seqs[i], biases[i] = sb.Tokens, sb.Bias
		}
		p, err := logits.NewSequenceBias(seqs, biases)
		if err != nil {
			return nil, invalidConfig("sequence_bias", "%v", err)
		}
		l = append(l, p)
	}
	if cfg.DiversityPenalty > 0 {
		p, err := logits.NewHammingDiversity(float32(cfg.DiversityPenalty), cfg.NumBeams, cfg.NumBeamGroups)
		if err != nil {
			return nil, invalidConfig("diversity_penalty", "%v", err)
		}
		l = append(l, p)
	}
	if cfg.RepetitionPenalty != 1 {
		p, err := logits.NewRepetitionPenalty(float32(cfg.RepetitionPenalty))
		if err != nil {
			return nil, invalidConfig("repetition_penalty", "%v", err)
		}
		l = append(l, p)
	}
	if cfg.NoRepeatNGramSize > 0 {
		p, err := logits.NewNoRepeatNGram(cfg.NoRepeatNGramSize)
		if err != nil {
			return nil, invalidConfig("no_repeat_ngram_size", "%v", err)
		}
		l = append(l, p)
	}
	if cfg.BadWordsIDs != nil {
		p, err := logits.NewNoBadWords(cfg.BadWordsIDs, eos)
		if err != nil {
			return nil, invalidConfig("bad_words_ids", "%v", err)
		}
		l = append(l, p)
	}
	if cfg.MinLength > 0 && len(eos) > 0 {
		p, err := logits.NewMinLength(cfg.MinLength, eos)
		if err != nil {
			return nil, invalidConfig("min_length", "%v", err)
		}
		l = append(l, p)
	}
	if cfg.MinNewTokens > 0 && len(eos) > 0 {
		p, err := logits.NewMinNewTokens(inputLen, cfg.MinNewTokens, eos)
		if err != nil {
			return nil, invalidConfig("min_new_tokens", "%v", err)
		}
		l = append(l, p)
	}
	if prefixAllowed != nil {
		l = append(l, &logits.PrefixConstrained{Allowed: prefixAllowed, NumBeams: cfg.NumBeams / cfg.NumBeamGroups})
	}
	if cfg.ForcedBOSTokenID != nil {
		l = append(l, &logits.ForcedBOS{Token: *cfg.ForcedBOSTokenID})
	}
	if cfg.ForcedEOSTokenID != nil {
		l = append(l, &logits.ForcedEOS{MaxLength: cfg.MaxLength, Token: *cfg.ForcedEOSTokenID})
	}
	if cfg.RemoveInvalidValues {
		l = append(l, logits.InfNanRemove{})
	}
	if len(cfg.SuppressTokens) > 0 {
		l = append(l, &logits.SuppressTokens{Tokens: cfg.SuppressTokens})
	}
	if len(cfg.BeginSuppressTokens) > 0 {
		begin := inputLen
		if inputLen == 1 && cfg.ForcedBOSTokenID != nil {
			begin++
		}
		l = append(l, &logits.BeginSuppressTokens{Tokens: cfg.BeginSuppressTokens, BeginIndex: begin})
	}
	l, err := mergeLists(l, custom, "logits processor")
	if err != nil {
		return nil, err
	}
	if cfg.RenormalizeLogits {
		l = append(l, logits.LogitNormalization{})
	}
	return l, nil
}

// BuildWarpers assembles the sampling warpers implied by cfg. Beam
// strategies keep at least one token per end token plus one, so that a
// continuation always survives next to the end tokens.
func BuildWarpers(cfg *Config) (logits.List, error) {
	minKeep := 1
	if cfg.NumBeams > 1 {
		minKeep = max(2, len(cfg.EOSTokenID)+1)
	}
	var l logits.List
	if cfg.Temperature != 1 {
		w, err := logits.NewTemperature(float32(cfg.Temperature))
		if err != nil {
			return nil, invalidConfig("temperature", "%v", err)
		}
		l = append(l, w)
	}
	if cfg.TopK != 0 {
		w, err := logits.NewTopK(cfg.TopK, minKeep)
		if err != nil {
			return nil, invalidConfig("top_k", "%v", err)
		}
		l = append(l, w)
	}
	if cfg.TopP < 1 {
		w, err := logits.NewTopP(float32(cfg.TopP), minKeep)
		if err != nil {
			return nil, invalidConfig("top_p", "%v", err)
		}
		l = append(l, w)
	}
	if cfg.RenormalizeLogits {
		l = append(l, logits.LogitNormalization{})
	}
	return l, nil
}

// BuildCriteria assembles the stopping criteria implied by cfg and appends
// custom. cfg.MaxLength must already be resolved.
func BuildCriteria(cfg *Config, custom stopping.List) (stopping.List, error) {
	var l stopping.List
	if cfg.MaxLength > 0 {
		l = append(l, &stopping.MaxLength{Max: cfg.MaxLength})
	}
	if cfg.MaxTime > 0 {
		l = append(l, stopping.NewMaxTime(time.Duration(cfg.MaxTime*float64(time.Second))))
	}
	if len(cfg.StopSequences) > 0 {
		l = append(l, &stopping.StopSequences{Sequences: cfg.StopSequences})
	}
	return mergeLists(l, custom, "stopping criteria")
}

// mergeLists appends custom to defaults. A custom entry of a type that the
// configuration already produced is rejected: the caller should set the
// corresponding option instead.
func mergeLists[T any, L ~[]T](defaults, custom L, kind string) (L, error) {
	for _, d := range defaults {
		for _, c := range custom {
			if reflect.TypeOf(d) == reflect.TypeOf(c) {
				return nil, invalidConfig(kind, "a custom %s of type %T was passed but the same type is already built from the generation config; set the option in the config instead", kind, c)
			}
		}
	}
	out := make(L, 0, len(defaults)+len(custom))
	out = append(out, defaults...)
	return append(out, custom...), nil
}
