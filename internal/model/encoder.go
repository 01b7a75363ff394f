package model

import (
	"fmt"
	"slices"
)

// EncoderOutput is the encoder state fed to every decoder step.
type EncoderOutput struct {
	// LastHidden is indexed [row][position][dim].
	LastHidden [][][]float32
	// Mask is the source attention mask, one entry per encoder position.
	Mask [][]int

	HiddenStates []Hidden
	Attentions   []Attention
}

// Rows returns the number of rows.
func (e *EncoderOutput) Rows() int { return len(e.LastHidden) }

// Select gathers rows by index. The captures are not carried over.
func (e *EncoderOutput) Select(idx []int) (*EncoderOutput, error) {
	out := &EncoderOutput{
		LastHidden: make([][][]float32, len(idx)),
		Mask:       make([][]int, len(idx)),
	}
	for i, r := range idx {
		if r < 0 || r >= e.Rows() {
			return nil, fmt.Errorf("%w: encoder row %d out of range [0,%d)", ErrInput, r, e.Rows())
		}
		out.LastHidden[i] = e.LastHidden[r]
		out.Mask[i] = slices.Clone(e.Mask[r])
	}
	return out, nil
}

// RepeatInterleave repeats every row n times consecutively, matching the
// layout of expanded beams.
func (e *EncoderOutput) RepeatInterleave(n int) *EncoderOutput {
	idx := make([]int, 0, e.Rows()*n)
	for r := 0; r < e.Rows(); r++ {
		for range n {
			idx = append(idx, r)
		}
	}
	out, _ := e.Select(idx)
	return out
}
