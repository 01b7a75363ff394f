package generation

import (
	"fmt"
	"slices"

	"github.com/samcharles93/seqgen/internal/kvcache"
	"github.com/samcharles93/seqgen/internal/model"
)

// State is the decoder side of a run: the token rows produced so far and
// everything the model needs to extend them. Strategy routines take
// ownership of the State they are given and advance it in place.
type State struct {
	// InputIDs holds one row per hypothesis. Every row has the same length.
	InputIDs [][]int
	// AttentionMask covers every position of InputIDs. Nil attends to
	// everything.
	AttentionMask [][]int
	// Cache covers a prefix of InputIDs. Only the positions past
	// Cache.SeqLen() are fed on the next step.
	Cache    *kvcache.Cache
	UseCache bool
	// Encoder is required by encoder-decoder models.
	Encoder *model.EncoderOutput
}

// Rows returns the number of rows.
func (s *State) Rows() int { return len(s.InputIDs) }

// CurLen returns the current sequence length.
func (s *State) CurLen() int {
	if len(s.InputIDs) == 0 {
		return 0
	}
	return len(s.InputIDs[0])
}

func (s *State) validate(info model.Info) error {
	if s.Rows() == 0 || s.CurLen() == 0 {
		return invalidConfig("input_ids", "at least one non-empty row is required")
	}
	n := s.CurLen()
	for i, row := range s.InputIDs {
		if len(row) != n {
			return invalidConfig("input_ids", "row %d has length %d, want %d", i, len(row), n)
		}
		for _, id := range row {
			if id < 0 || id >= info.VocabSize {
				return invalidConfig("input_ids", "token %d in row %d is outside the vocabulary [0,%d)", id, i, info.VocabSize)
			}
		}
	}
	if s.AttentionMask != nil {
		if len(s.AttentionMask) != s.Rows() {
			return invalidConfig("attention_mask", "has %d rows, want %d", len(s.AttentionMask), s.Rows())
		}
		for i, row := range s.AttentionMask {
			if len(row) != n {
				return invalidConfig("attention_mask", "row %d has length %d, want %d", i, len(row), n)
			}
		}
	}
	if s.UseCache && s.Cache != nil {
		if !info.SupportsCache {
			return unsupported("the model does not support a key/value cache")
		}
		if err := s.Cache.Validate(info.NumLayers); err != nil {
			return invalidConfig("past_key_values", "%v", err)
		}
		if s.Cache.Rows() != s.Rows() {
			return invalidConfig("past_key_values", "cache has %d rows, inputs have %d", s.Cache.Rows(), s.Rows())
		}
		if s.Cache.SeqLen() >= n {
			return invalidConfig("past_key_values", "cache covers %d positions but the inputs only hold %d; pass at least one new token", s.Cache.SeqLen(), n)
		}
	}
	if info.EncoderDecoder {
		if s.Encoder == nil {
			return invalidConfig("encoder_outputs", "encoder-decoder models need an encoder state")
		}
		if s.Encoder.Rows() != s.Rows() {
			return invalidConfig("encoder_outputs", "encoder state has %d rows, inputs have %d", s.Encoder.Rows(), s.Rows())
		}
	}
	return nil
}

// stepInput builds the model input for the next forward pass.
func (s *State) stepInput(hidden, attentions bool) *model.StepInput {
	in := &model.StepInput{
		InputIDs:           s.InputIDs,
		AttentionMask:      s.AttentionMask,
		UseCache:           s.UseCache,
		Encoder:            s.Encoder,
		OutputHiddenStates: hidden,
		OutputAttentions:   attentions,
	}
	if s.UseCache && s.Cache != nil {
		past := s.Cache.SeqLen()
		in.Cache = s.Cache
		in.InputIDs = make([][]int, s.Rows())
		for i, row := range s.InputIDs {
			in.InputIDs[i] = row[past:]
		}
	}
	return in
}

// update keeps the cache returned by a forward pass.
func (s *State) update(out *model.StepOutput) {
	if s.UseCache {
		s.Cache = out.Cache
	}
}

// appendTokens extends every row by one token and the mask by one attended
// position.
func (s *State) appendTokens(tokens []int) {
	for i := range s.InputIDs {
		s.InputIDs[i] = append(slices.Clip(s.InputIDs[i]), tokens[i])
	}
	for i := range s.AttentionMask {
		s.AttentionMask[i] = append(slices.Clip(s.AttentionMask[i]), 1)
	}
}

// reorder gathers rows by index, used after every beam selection.
func (s *State) reorder(idx []int) error {
	ids := make([][]int, len(idx))
	for i, r := range idx {
		ids[i] = slices.Clone(s.InputIDs[r])
	}
	s.InputIDs = ids
	if s.AttentionMask != nil {
		mask := make([][]int, len(idx))
		for i, r := range idx {
			mask[i] = slices.Clone(s.AttentionMask[r])
		}
		s.AttentionMask = mask
	}
	if s.Cache != nil {
		c, err := s.Cache.Select(idx)
		if err != nil {
			return fmt.Errorf("reorder cache: %w", err)
		}
		s.Cache = c
	}
	return nil
}

// Expand repeats every row n times consecutively, so that rows of one
// batch item stay adjacent. It is how beams and returned sequences are laid
// out before a run.
func (s *State) Expand(n int) *State {
	out := &State{UseCache: s.UseCache}
	out.InputIDs = repeatRows(s.InputIDs, n)
	if s.AttentionMask != nil {
		out.AttentionMask = repeatRows(s.AttentionMask, n)
	}
	if s.Cache != nil {
		out.Cache = s.Cache.RepeatInterleave(n)
	}
	if s.Encoder != nil {
		out.Encoder = s.Encoder.RepeatInterleave(n)
	}
	return out
}

func repeatRows(rows [][]int, n int) [][]int {
	out := make([][]int, 0, len(rows)*n)
	for _, r := range rows {
		for range n {
			out = append(out, slices.Clone(r))
		}
	}
	return out
}

// cloneRows deep copies a row matrix.
func cloneRows[T any](rows [][]T) [][]T {
	if rows == nil {
		return nil
	}
	out := make([][]T, len(rows))
	for i, r := range rows {
		out[i] = slices.Clone(r)
	}
	return out
}
