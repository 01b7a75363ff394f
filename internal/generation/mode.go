package generation

// Mode is the decoding strategy selected for a call.
type Mode int

const (
	ModeGreedy Mode = iota
	ModeContrastive
	ModeSample
	ModeBeamSearch
	ModeBeamSample
	ModeGroupBeamSearch
	ModeConstrainedBeamSearch
	ModeAssisted
)

var modeNames = [...]string{
	ModeGreedy:                "greedy",
	ModeContrastive:           "contrastive",
	ModeSample:                "sample",
	ModeBeamSearch:            "beam_search",
	ModeBeamSample:            "beam_sample",
	ModeGroupBeamSearch:       "group_beam_search",
	ModeConstrainedBeamSearch: "constrained_beam_search",
	ModeAssisted:              "assisted",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// ResolveMode picks the strategy from a validated configuration.
// Constraints take precedence over every other selector. An assistant
// model turns greedy or sampling runs into assisted decoding and is
// rejected for any other strategy.
func ResolveMode(cfg *Config, hasAssistant bool) (Mode, error) {
	nb, groups := cfg.NumBeams, cfg.NumBeamGroups
	var mode Mode
	switch {
	case len(cfg.Constraints) > 0 || cfg.ForceWordsIDs != nil:
		mode = ModeConstrainedBeamSearch
	case nb == 1 && cfg.TopK > 1 && !cfg.DoSample && cfg.PenaltyAlpha > 0:
		mode = ModeContrastive
	case nb == 1 && groups == 1 && !cfg.DoSample:
		mode = ModeGreedy
	case nb == 1 && groups == 1:
		mode = ModeSample
	case groups > 1:
		if cfg.DoSample {
			return 0, invalidConfig("num_beam_groups", "diverse beam search cannot be used in sampling mode; set do_sample to false")
		}
		mode = ModeGroupBeamSearch
	case cfg.DoSample:
		mode = ModeBeamSample
	default:
		mode = ModeBeamSearch
	}
	if hasAssistant {
		if mode != ModeGreedy && mode != ModeSample {
			return 0, invalidConfig("assistant_model", "assisted decoding only supports greedy search and sampling, got %s", mode)
		}
		mode = ModeAssisted
	}
	return mode, nil
}
