package generation

// Overrides is a sparse Config: only the fields that are set replace the
// corresponding Config fields. Command line flags and the CLI config file
// both decode into it.
type Overrides struct {
	MaxLength    *int `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	MaxNewTokens *int `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	MinNewTokens *int `json:"min_new_tokens,omitempty" yaml:"min_new_tokens,omitempty"`

	DoSample      *bool    `json:"do_sample,omitempty" yaml:"do_sample,omitempty"`
	NumBeams      *int     `json:"num_beams,omitempty" yaml:"num_beams,omitempty"`
	NumBeamGroups *int     `json:"num_beam_groups,omitempty" yaml:"num_beam_groups,omitempty"`
	PenaltyAlpha  *float64 `json:"penalty_alpha,omitempty" yaml:"penalty_alpha,omitempty"`
	LowMemory     *bool    `json:"low_memory,omitempty" yaml:"low_memory,omitempty"`
	Seed          *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`

	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
	DiversityPenalty  *float64 `json:"diversity_penalty,omitempty" yaml:"diversity_penalty,omitempty"`
	LengthPenalty     *float64 `json:"length_penalty,omitempty" yaml:"length_penalty,omitempty"`
	NoRepeatNGramSize *int     `json:"no_repeat_ngram_size,omitempty" yaml:"no_repeat_ngram_size,omitempty"`

	NumReturnSequences   *int  `json:"num_return_sequences,omitempty" yaml:"num_return_sequences,omitempty"`
	OutputScores         *bool `json:"output_scores,omitempty" yaml:"output_scores,omitempty"`
	ReturnDictInGenerate *bool `json:"return_dict_in_generate,omitempty" yaml:"return_dict_in_generate,omitempty"`

	PadTokenID         *int     `json:"pad_token_id,omitempty" yaml:"pad_token_id,omitempty"`
	EOSTokenID         TokenIDs `json:"eos_token_id,omitempty" yaml:"eos_token_id,omitempty"`
	NumAssistantTokens *int     `json:"num_assistant_tokens,omitempty" yaml:"num_assistant_tokens,omitempty"`
}

// Apply copies every set field of o onto a clone of base.
func (o Overrides) Apply(base *Config) *Config {
	cfg := base.Clone()
	set(&cfg.MaxLength, o.MaxLength)
	set(&cfg.MaxNewTokens, o.MaxNewTokens)
	set(&cfg.MinNewTokens, o.MinNewTokens)
	set(&cfg.DoSample, o.DoSample)
	set(&cfg.NumBeams, o.NumBeams)
	set(&cfg.NumBeamGroups, o.NumBeamGroups)
	set(&cfg.PenaltyAlpha, o.PenaltyAlpha)
	set(&cfg.LowMemory, o.LowMemory)
	set(&cfg.Seed, o.Seed)
	set(&cfg.Temperature, o.Temperature)
	set(&cfg.TopK, o.TopK)
	set(&cfg.TopP, o.TopP)
	set(&cfg.RepetitionPenalty, o.RepetitionPenalty)
	set(&cfg.DiversityPenalty, o.DiversityPenalty)
	set(&cfg.LengthPenalty, o.LengthPenalty)
	set(&cfg.NoRepeatNGramSize, o.NoRepeatNGramSize)
	set(&cfg.NumReturnSequences, o.NumReturnSequences)
	set(&cfg.OutputScores, o.OutputScores)
	set(&cfg.ReturnDictInGenerate, o.ReturnDictInGenerate)
	set(&cfg.NumAssistantTokens, o.NumAssistantTokens)
	if o.PadTokenID != nil {
		cfg.PadTokenID = cloneInt(o.PadTokenID)
	}
	if o.EOSTokenID != nil {
		cfg.EOSTokenID = append(TokenIDs(nil), o.EOSTokenID...)
	}
	return cfg
}

// Merge returns o with the unset fields taken from fallback.
func (o Overrides) Merge(fallback Overrides) Overrides {
	pick(&o.MaxLength, fallback.MaxLength)
	pick(&o.MaxNewTokens, fallback.MaxNewTokens)
	pick(&o.MinNewTokens, fallback.MinNewTokens)
	pick(&o.DoSample, fallback.DoSample)
	pick(&o.NumBeams, fallback.NumBeams)
	pick(&o.NumBeamGroups, fallback.NumBeamGroups)
	pick(&o.PenaltyAlpha, fallback.PenaltyAlpha)
	pick(&o.LowMemory, fallback.LowMemory)
	pick(&o.Seed, fallback.Seed)
	pick(&o.Temperature, fallback.Temperature)
	pick(&o.TopK, fallback.TopK)
	pick(&o.TopP, fallback.TopP)
	pick(&o.RepetitionPenalty, fallback.RepetitionPenalty)
	pick(&o.DiversityPenalty, fallback.DiversityPenalty)
	pick(&o.LengthPenalty, fallback.LengthPenalty)
	pick(&o.NoRepeatNGramSize, fallback.NoRepeatNGramSize)
	pick(&o.NumReturnSequences, fallback.NumReturnSequences)
	pick(&o.OutputScores, fallback.OutputScores)
	pick(&o.ReturnDictInGenerate, fallback.ReturnDictInGenerate)
	pick(&o.PadTokenID, fallback.PadTokenID)
	pick(&o.NumAssistantTokens, fallback.NumAssistantTokens)
	if o.EOSTokenID == nil {
		o.EOSTokenID = fallback.EOSTokenID
	}
	return o
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func pick[T any](dst **T, fallback *T) {
	if *dst == nil {
		*dst = fallback
	}
}
