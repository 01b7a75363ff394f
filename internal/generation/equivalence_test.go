package generation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/constraints"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/toy"
)

// directOptions builds the options Generate derives from cfg, for calling
// the strategy routines by hand.
func directOptions(t *testing.T, cfg *Config, inputLen int, warp bool) *Options {
	t.Helper()
	processors, err := BuildProcessors(cfg, inputLen, nil, nil)
	if err != nil {
		t.Fatalf("BuildProcessors: %v", err)
	}
	criteria, err := BuildCriteria(cfg, nil)
	if err != nil {
		t.Fatalf("BuildCriteria: %v", err)
	}
	opts := &Options{
		Processors: processors,
		Criteria:   criteria,
		Pad:        cfg.PadTokenID,
		EOS:        cfg.EOSTokenID,
		Sampler:    logits.NewSampler(cfg.Seed),
		Logger:     logger.Discard(),
	}
	if warp {
		if opts.Warpers, err = BuildWarpers(cfg); err != nil {
			t.Fatalf("BuildWarpers: %v", err)
		}
	}
	return opts
}

func mustScorer(t *testing.T, cfg beam.Config) *beam.Scorer {
	t.Helper()
	s, err := beam.NewScorer(cfg)
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	return s
}

func TestGenerateMatchesStrategyRoutines(t *testing.T) {
	t.Parallel()
	m := newToy(t, toy.DefaultConfig())
	prompt := [][]int{{3, 8, 5}, {9, 1, 4}}
	inputLen := len(prompt[0])
	batch := len(prompt)

	base := func() *Config {
		c := DefaultConfig()
		c.MaxLength = inputLen + 6
		c.EOSTokenID = TokenIDs{31}
		c.PadTokenID = intp(0)
		c.RepetitionPenalty = 1.3
		return c
	}
	beamConfig := func(c *Config) beam.Config {
		return beam.Config{
			BatchSize:     batch,
			NumBeams:      c.NumBeams,
			NumGroups:     c.NumBeamGroups,
			LengthPenalty: c.LengthPenalty,
			EarlyStopping: c.EarlyStopping,
			NumReturn:     c.NumReturnSequences,
			MaxLength:     c.MaxLength,
		}
	}
	state := func(rows int) *State {
		return (&State{InputIDs: cloneRows(prompt), UseCache: true}).Expand(rows)
	}

	for _, tc := range []struct {
		name   string
		edit   func(*Config)
		direct func(t *testing.T, c *Config) (*Output, error)
	}{
		{
			name: "greedy",
			direct: func(t *testing.T, c *Config) (*Output, error) {
				return GreedySearch(context.Background(), m, state(1), directOptions(t, c, inputLen, false))
			},
		},
		{
			name: "beam_search",
			edit: func(c *Config) {
				c.NumBeams = 3
				c.NumReturnSequences = 2
			},
			direct: func(t *testing.T, c *Config) (*Output, error) {
				return BeamSearch(context.Background(), m, state(c.NumBeams), mustScorer(t, beamConfig(c)), directOptions(t, c, inputLen, false))
			},
		},
		{
			name: "beam_sample",
			edit: func(c *Config) {
				c.DoSample = true
				c.NumBeams = 2
				c.NumReturnSequences = 2
				c.Seed = 5
				c.TopK = 8
			},
			direct: func(t *testing.T, c *Config) (*Output, error) {
				bc := beamConfig(c)
				bc.BatchSize = batch * c.NumReturnSequences
				bc.NumReturn = 1
				st := state(c.NumBeams * c.NumReturnSequences)
				return BeamSample(context.Background(), m, st, mustScorer(t, bc), directOptions(t, c, inputLen, true))
			},
		},
		{
			name: "group_beam_search",
			edit: func(c *Config) {
				c.NumBeams = 4
				c.NumBeamGroups = 2
				c.DiversityPenalty = 0.8
				c.NumReturnSequences = 2
			},
			direct: func(t *testing.T, c *Config) (*Output, error) {
				return GroupBeamSearch(context.Background(), m, state(c.NumBeams), mustScorer(t, beamConfig(c)), directOptions(t, c, inputLen, false))
			},
		},
		{
			name: "constrained_beam_search",
			edit: func(c *Config) {
				c.NumBeams = 4
				c.NumReturnSequences = 2
				c.ForceWordsIDs = []ForceWord{{Phrase: []int{11, 12}}}
			},
			direct: func(t *testing.T, c *Config) (*Output, error) {
				phrase, err := constraints.NewPhrasal([]int{11, 12})
				if err != nil {
					t.Fatalf("NewPhrasal: %v", err)
				}
				scorer, err := beam.NewConstrainedScorer(beamConfig(c), []constraints.Constraint{phrase}, logger.Discard())
				if err != nil {
					t.Fatalf("NewConstrainedScorer: %v", err)
				}
				return ConstrainedBeamSearch(context.Background(), m, state(c.NumBeams), scorer, directOptions(t, c, inputLen, false))
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			if tc.edit != nil {
				tc.edit(cfg)
			}
			viaGenerate := generate(t, m, &Request{InputIDs: prompt, Config: cfg})
			direct, err := tc.direct(t, cfg.Clone())
			if err != nil {
				t.Fatalf("direct call: %v", err)
			}
			if diff := cmp.Diff(direct.Sequences, viaGenerate.Sequences); diff != "" {
				t.Fatalf("Generate and the %s routine disagree (-direct +generate):\n%s", tc.name, diff)
			}
			if diff := cmp.Diff(direct.SequencesScores, viaGenerate.SequencesScores); diff != "" {
				t.Fatalf("sequence scores differ (-direct +generate):\n%s", diff)
			}
			if tc.name == "constrained_beam_search" {
				for _, seq := range viaGenerate.Sequences {
					if !containsRun(seq[inputLen:], []int{11, 12}) {
						t.Fatalf("sequence %v lacks the forced phrase", seq)
					}
				}
			}
		})
	}
}

// countingModel counts the forward passes of the wrapped model.
type countingModel struct {
	*toy.Model
	encodes atomic.Int32
	steps   atomic.Int32
}

func (c *countingModel) Encode(ctx context.Context, in *model.EncodeInput) (*model.EncoderOutput, error) {
	c.encodes.Add(1)
	return c.Model.Encode(ctx, in)
}

func (c *countingModel) Step(ctx context.Context, in *model.StepInput) (*model.StepOutput, error) {
	c.steps.Add(1)
	return c.Model.Step(ctx, in)
}

func TestGenerateRejectsConfigBeforeEncoding(t *testing.T) {
	t.Parallel()
	tc := toy.DefaultConfig()
	tc.EncoderLayers = 1

	for _, bad := range []struct {
		name string
		edit func(*Config)
	}{
		{"constraints exceed beams", func(c *Config) {
			c.NumBeams = 2
			c.ForceWordsIDs = []ForceWord{{Phrase: []int{4, 5}}, {Phrase: []int{6, 7}}}
		}},
		{"groups without diversity", func(c *Config) {
			c.NumBeams = 4
			c.NumBeamGroups = 2
		}},
		{"greedy with many returns", func(c *Config) {
			c.NumReturnSequences = 2
		}},
	} {
		t.Run(bad.name, func(t *testing.T) {
			t.Parallel()
			m := &countingModel{Model: newToy(t, tc)}
			cfg := DefaultConfig()
			cfg.MaxNewTokens = 3
			cfg.DecoderStartTokenID = intp(0)
			bad.edit(cfg)
			_, err := New(WithLogger(logger.Discard())).Generate(context.Background(), m, &Request{InputIDs: [][]int{{5, 6, 7}}, Config: cfg})
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("error = %v, want ErrInvalidConfig", err)
			}
			if e, s := m.encodes.Load(), m.steps.Load(); e != 0 || s != 0 {
				t.Fatalf("config error %v reported after %d encodes and %d steps", err, e, s)
			}
		})
	}

	m := &countingModel{Model: newToy(t, tc)}
	cfg := DefaultConfig()
	cfg.MaxNewTokens = 2
	cfg.DecoderStartTokenID = intp(0)
	generate(t, m, &Request{InputIDs: [][]int{{5, 6, 7}}, Config: cfg})
	if m.encodes.Load() != 1 {
		t.Fatalf("encodes = %d, want 1", m.encodes.Load())
	}
}
