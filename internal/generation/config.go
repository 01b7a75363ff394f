package generation

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/constraints"
)

// DefaultMaxLength bounds generation when neither MaxLength nor
// MaxNewTokens is set.
const DefaultMaxLength = 20

// DefaultNumAssistantTokens is the initial draft length of assisted decoding.
const DefaultNumAssistantTokens = 5

// Config holds every generation option. Field names and serialized keys
// follow the generation_config.json convention. Zero values mean "unset"
// unless stated otherwise.
type Config struct {
	// Length bounds. MaxLength counts the prompt; MaxNewTokens does not and
	// takes precedence when both are set.
	MaxLength    int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	MaxNewTokens int     `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	MinLength    int     `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MinNewTokens int     `json:"min_new_tokens,omitempty" yaml:"min_new_tokens,omitempty"`
	MaxTime      float64 `json:"max_time,omitempty" yaml:"max_time,omitempty"`

	// Strategy selection.
	DoSample      bool                     `json:"do_sample" yaml:"do_sample"`
	NumBeams      int                      `json:"num_beams" yaml:"num_beams"`
	NumBeamGroups int                      `json:"num_beam_groups" yaml:"num_beam_groups"`
	EarlyStopping beam.EarlyStopping       `json:"early_stopping" yaml:"early_stopping"`
	PenaltyAlpha  float64                  `json:"penalty_alpha,omitempty" yaml:"penalty_alpha,omitempty"`
	LowMemory     bool                     `json:"low_memory,omitempty" yaml:"low_memory,omitempty"`
	UseCache      bool                     `json:"use_cache" yaml:"use_cache"`
	Seed          int64                    `json:"seed,omitempty" yaml:"seed,omitempty"`
	ForceWordsIDs []ForceWord              `json:"force_words_ids,omitempty" yaml:"force_words_ids,omitempty"`
	Constraints   []constraints.Constraint `json:"-" yaml:"-"`

	// Distribution shaping.
	Temperature         float64        `json:"temperature" yaml:"temperature"`
	TopK                int            `json:"top_k" yaml:"top_k"`
	TopP                float64        `json:"top_p" yaml:"top_p"`
	RepetitionPenalty   float64        `json:"repetition_penalty" yaml:"repetition_penalty"`
	DiversityPenalty    float64        `json:"diversity_penalty,omitempty" yaml:"diversity_penalty,omitempty"`
	LengthPenalty       float64        `json:"length_penalty" yaml:"length_penalty"`
	NoRepeatNGramSize   int            `json:"no_repeat_ngram_size,omitempty" yaml:"no_repeat_ngram_size,omitempty"`
	BadWordsIDs         [][]int        `json:"bad_words_ids,omitempty" yaml:"bad_words_ids,omitempty"`
	SequenceBias        []SequenceBias `json:"sequence_bias,omitempty" yaml:"sequence_bias,omitempty"`
	ForcedBOSTokenID    *int           `json:"forced_bos_token_id,omitempty" yaml:"forced_bos_token_id,omitempty"`
	ForcedEOSTokenID    *int           `json:"forced_eos_token_id,omitempty" yaml:"forced_eos_token_id,omitempty"`
	SuppressTokens      []int          `json:"suppress_tokens,omitempty" yaml:"suppress_tokens,omitempty"`
	BeginSuppressTokens []int          `json:"begin_suppress_tokens,omitempty" yaml:"begin_suppress_tokens,omitempty"`
	RemoveInvalidValues bool           `json:"remove_invalid_values,omitempty" yaml:"remove_invalid_values,omitempty"`
	RenormalizeLogits   bool           `json:"renormalize_logits,omitempty" yaml:"renormalize_logits,omitempty"`
	StopSequences       [][]int        `json:"stop_sequences,omitempty" yaml:"stop_sequences,omitempty"`

	// Output richness.
	NumReturnSequences   int  `json:"num_return_sequences" yaml:"num_return_sequences"`
	OutputScores         bool `json:"output_scores,omitempty" yaml:"output_scores,omitempty"`
	OutputAttentions     bool `json:"output_attentions,omitempty" yaml:"output_attentions,omitempty"`
	OutputHiddenStates   bool `json:"output_hidden_states,omitempty" yaml:"output_hidden_states,omitempty"`
	ReturnDictInGenerate bool `json:"return_dict_in_generate,omitempty" yaml:"return_dict_in_generate,omitempty"`

	// Special tokens.
	PadTokenID          *int     `json:"pad_token_id,omitempty" yaml:"pad_token_id,omitempty"`
	BOSTokenID          *int     `json:"bos_token_id,omitempty" yaml:"bos_token_id,omitempty"`
	EOSTokenID          TokenIDs `json:"eos_token_id,omitempty" yaml:"eos_token_id,omitempty"`
	DecoderStartTokenID *int     `json:"decoder_start_token_id,omitempty" yaml:"decoder_start_token_id,omitempty"`

	// NumAssistantTokens is the initial draft length of assisted decoding.
	NumAssistantTokens int `json:"num_assistant_tokens,omitempty" yaml:"num_assistant_tokens,omitempty"`
}

var defaultConfig = Config{
	NumBeams:           1,
	NumBeamGroups:      1,
	UseCache:           true,
	Temperature:        1,
	TopK:               50,
	TopP:               1,
	RepetitionPenalty:  1,
	LengthPenalty:      1,
	NumReturnSequences: 1,
	NumAssistantTokens: DefaultNumAssistantTokens,
}

// DefaultConfig returns a fresh copy of the defaults. MaxLength is left
// unset and resolves to DefaultMaxLength at generation time.
func DefaultConfig() *Config {
	c := defaultConfig
	return &c
}

// Clone returns a deep copy. Constraint templates are shared; they are
// only ever copied, never advanced, by the engine.
func (c *Config) Clone() *Config {
	out := *c
	out.ForceWordsIDs = slices.Clone(c.ForceWordsIDs)
	out.Constraints = slices.Clone(c.Constraints)
	out.BadWordsIDs = cloneRows(c.BadWordsIDs)
	out.StopSequences = cloneRows(c.StopSequences)
	out.SequenceBias = slices.Clone(c.SequenceBias)
	out.SuppressTokens = slices.Clone(c.SuppressTokens)
	out.BeginSuppressTokens = slices.Clone(c.BeginSuppressTokens)
	out.EOSTokenID = slices.Clone(c.EOSTokenID)
	out.ForcedBOSTokenID = cloneInt(c.ForcedBOSTokenID)
	out.ForcedEOSTokenID = cloneInt(c.ForcedEOSTokenID)
	out.PadTokenID = cloneInt(c.PadTokenID)
	out.BOSTokenID = cloneInt(c.BOSTokenID)
	out.DecoderStartTokenID = cloneInt(c.DecoderStartTokenID)
	return &out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Validate performs the configuration checks that do not depend on the
// inputs or the model. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			errs = append(errs, invalidConfig(field, format, args...))
		}
	}
	check(c.MaxLength >= 0, "max_length", "must not be negative, got %d", c.MaxLength)
	check(c.MaxNewTokens >= 0, "max_new_tokens", "must not be negative, got %d", c.MaxNewTokens)
	check(c.MinLength >= 0, "min_length", "must not be negative, got %d", c.MinLength)
	check(c.MinNewTokens >= 0, "min_new_tokens", "must not be negative, got %d", c.MinNewTokens)
	check(c.MaxTime >= 0, "max_time", "must not be negative, got %v", c.MaxTime)
	check(c.NumBeams >= 1, "num_beams", "must be at least 1, got %d", c.NumBeams)
	check(c.NumBeamGroups >= 1, "num_beam_groups", "must be at least 1, got %d", c.NumBeamGroups)
	check(c.NumBeamGroups <= c.NumBeams, "num_beam_groups", "has to be smaller or equal to num_beams (%d), got %d", c.NumBeams, c.NumBeamGroups)
	check(c.NumReturnSequences >= 1, "num_return_sequences", "must be at least 1, got %d", c.NumReturnSequences)
	check(c.Temperature > 0, "temperature", "has to be a strictly positive float, got %v", c.Temperature)
	check(c.TopK >= 0, "top_k", "must not be negative, got %d", c.TopK)
	check(c.TopP >= 0 && c.TopP <= 1, "top_p", "has to be a float between 0 and 1, got %v", c.TopP)
	check(c.RepetitionPenalty > 0, "repetition_penalty", "has to be a strictly positive float, got %v", c.RepetitionPenalty)
	check(c.DiversityPenalty >= 0, "diversity_penalty", "must not be negative, got %v", c.DiversityPenalty)
	check(c.PenaltyAlpha >= 0 && c.PenaltyAlpha <= 1, "penalty_alpha", "has to be between 0 and 1, got %v", c.PenaltyAlpha)
	check(c.NoRepeatNGramSize >= 0, "no_repeat_ngram_size", "must not be negative, got %d", c.NoRepeatNGramSize)
	check(c.NumAssistantTokens >= 0, "num_assistant_tokens", "must not be negative, got %d", c.NumAssistantTokens)
	check(!math.IsNaN(c.LengthPenalty) && !math.IsInf(c.LengthPenalty, 0), "length_penalty", "must be finite, got %v", c.LengthPenalty)
	for _, id := range c.EOSTokenID {
		check(id >= 0, "eos_token_id", "token ids must not be negative, got %d", id)
	}
	if c.ForceWordsIDs != nil && len(c.ForceWordsIDs) == 0 {
		errs = append(errs, invalidConfig("force_words_ids", "has to be a non-empty list of phrases or of alternative phrases"))
	}
	for _, w := range c.ForceWordsIDs {
		if _, err := w.Constraint(); err != nil {
			errs = append(errs, invalidConfig("force_words_ids", "%v", err))
		}
	}
	for _, sb := range c.SequenceBias {
		check(len(sb.Tokens) > 0, "sequence_bias", "sequences must not be empty")
	}
	return errors.Join(errs...)
}

// LoadConfig reads a .json, .yaml or .yml file on top of DefaultConfig and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read generation config: %w", err)
	}
	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	default:
		return nil, invalidConfig("config file", "unsupported extension %q (want .json, .yaml or .yml)", ext)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
