package api

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/seqgen/internal/generation"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/stopping"
)

// TokenWriter receives the tokens of a streamed generation as they are
// appended.
type TokenWriter interface {
	Begin(resp GenerateResponse) error
	EmitTokens(row int, tokens []int) error
	Complete(resp GenerateResponse) error
	Failed(resp GenerateResponse, err error) error
}

type GenerationService struct {
	provider  ModelProvider
	generator *generation.Generator
	clock     func() time.Time
}

func NewGenerationService(provider ModelProvider, opts ...generation.Option) *GenerationService {
	return &GenerationService{
		provider:  provider,
		generator: generation.New(opts...),
		clock:     time.Now,
	}
}

// Defaults returns the generation config a request for modelID starts from.
func (s *GenerationService) Defaults(ctx context.Context, modelID string) (*generation.Config, error) {
	var cfg *generation.Config
	err := s.provider.WithModel(ctx, modelID, func(_ model.Model, defaults *generation.Config) error {
		cfg = defaults
		return nil
	})
	return cfg, err
}

func (s *GenerationService) Generate(ctx context.Context, req *GenerateRequest, stream TokenWriter) (*GenerateResponse, error) {
	if len(req.InputIDs) == 0 {
		return nil, newInvalidRequest("input_ids is required")
	}
	var resp *GenerateResponse
	err := s.provider.WithModel(ctx, req.Model, func(m model.Model, cfg *generation.Config) error {
		if len(req.GenerationConfig) > 0 {
			if err := json.Unmarshal(req.GenerationConfig, cfg); err != nil {
				return newInvalidRequest(fmt.Sprintf("generation_config: %v", err))
			}
		}
		if req.AssistantModel == "" {
			var err error
			resp, err = s.run(ctx, req, m, nil, cfg, stream)
			return err
		}
		return s.provider.WithModel(ctx, req.AssistantModel, func(assistant model.Model, _ *generation.Config) error {
			var err error
			resp, err = s.run(ctx, req, m, assistant, cfg, stream)
			return err
		})
	})
	return resp, err
}

func (s *GenerationService) run(ctx context.Context, req *GenerateRequest, m, assistant model.Model, cfg *generation.Config, stream TokenWriter) (*GenerateResponse, error) {
	mode, err := generation.ResolveMode(cfg, assistant != nil)
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	resp := GenerateResponse{
		ID:        newGenerationID(),
		Object:    "generation",
		CreatedAt: s.clock().Unix(),
		Model:     req.Model,
		Mode:      mode.String(),
		Status:    "in_progress",
	}

	var criteria stopping.List
	var streamer *tokenStreamer
	if stream != nil {
		switch mode {
		case generation.ModeBeamSearch, generation.ModeBeamSample, generation.ModeGroupBeamSearch, generation.ModeConstrainedBeamSearch:
			return nil, newInvalidRequest(fmt.Sprintf("streaming is not supported for %s", mode))
		}
		streamer = newTokenStreamer(stream, decoderLength(req, m), cfg.EOSTokenID)
		criteria = stopping.List{streamer}
		if err := stream.Begin(resp); err != nil {
			return nil, err
		}
	}

	out, err := s.generator.Generate(ctx, m, &generation.Request{
		InputIDs:        req.InputIDs,
		AttentionMask:   req.AttentionMask,
		DecoderInputIDs: req.DecoderInputIDs,
		Config:          cfg,
		Criteria:        criteria,
		Assistant:       assistant,
	})
	if err == nil && streamer != nil {
		err = streamer.err
	}
	if err != nil {
		if errors.Is(err, generation.ErrInvalidConfig) || errors.Is(err, generation.ErrUnsupported) {
			err = newInvalidRequest(err.Error())
		}
		if stream != nil {
			resp.Status = "failed"
			_ = stream.Failed(resp, err)
		}
		return nil, err
	}

	resp.Status = "completed"
	resp.Sequences = out.Sequences
	resp.SequencesScores = out.SequencesScores
	resp.BeamIndices = out.BeamIndices
	if out.Scores != nil {
		// Beam scores are already log-probabilities of the processed
		// distribution; raw logits are normalized first.
		ts, err := generation.ComputeTransitionScores(out.Sequences, out.Scores, out.BeamIndices, out.BeamIndices == nil)
		if err != nil {
			return nil, err
		}
		resp.TransitionScores = ts
	}
	resp.Usage = Usage{
		PromptTokens:    len(req.InputIDs[0]),
		GeneratedTokens: out.Stats.TokensGenerated,
		Steps:           out.Stats.Steps,
		ForwardPasses:   out.Stats.ForwardPasses,
		DurationMS:      out.Stats.Duration.Milliseconds(),
		TokensPerSecond: out.Stats.TPS,
	}
	if stream != nil {
		if err := stream.Complete(resp); err != nil {
			return nil, err
		}
	}
	return &resp, nil
}

func decoderLength(req *GenerateRequest, m model.Model) int {
	if !m.Info().EncoderDecoder {
		return len(req.InputIDs[0])
	}
	if len(req.DecoderInputIDs) > 0 {
		return len(req.DecoderInputIDs[0])
	}
	return 1
}

// tokenStreamer is a stopping criterion that never stops a row. It forwards
// the tokens appended since its previous call and goes quiet for a row once
// that row has produced an end token.
type tokenStreamer struct {
	w       TokenWriter
	emitted []int
	start   int
	eos     []int
	done    []bool
	err     error
}

func newTokenStreamer(w TokenWriter, start int, eos []int) *tokenStreamer {
	return &tokenStreamer{w: w, start: start, eos: eos}
}

func (s *tokenStreamer) Stop(inputIDs [][]int, _ [][]float32) []bool {
	out := make([]bool, len(inputIDs))
	if s.emitted == nil {
		s.emitted = make([]int, len(inputIDs))
		s.done = make([]bool, len(inputIDs))
		for i := range s.emitted {
			s.emitted[i] = s.start
		}
	}
	if s.err != nil {
		for i := range out {
			out[i] = true
		}
		return out
	}
	for i, row := range inputIDs {
		if s.done[i] || len(row) <= s.emitted[i] {
			continue
		}
		fresh := row[s.emitted[i]:]
		if j := slices.IndexFunc(fresh, func(t int) bool { return slices.Contains(s.eos, t) }); j >= 0 {
			fresh = fresh[:j+1]
			s.done[i] = true
		}
		s.emitted[i] = len(row)
		if err := s.w.EmitTokens(i, slices.Clone(fresh)); err != nil {
			s.err = err
			for j := range out {
				out[j] = true
			}
			return out
		}
	}
	return out
}
