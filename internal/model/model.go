// Package model defines the contract between the decoding engine and the
// network that produces next-token scores. The engine never looks inside a
// model; it only feeds token ids, an attention mask and a cache, and reads
// back logits, the updated cache and optional captures.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/seqgen/internal/kvcache"
)

// ErrInput reports a malformed StepInput or EncodeInput.
var ErrInput = errors.New("model: invalid input")

// Info describes the static capabilities of a model.
type Info struct {
	VocabSize  int
	HiddenSize int
	NumLayers  int
	// EncoderDecoder models implement Encoder and take an EncoderOutput on
	// every step.
	EncoderDecoder bool
	// SupportsCache is false for models that cannot return and resume from
	// a key/value cache.
	SupportsCache bool
}

// Hidden is one layer's hidden states indexed [row][position][dim].
type Hidden [][][]float32

// Attention is one layer's attention weights indexed
// [row][head][query][key]. Masked keys carry weight zero.
type Attention [][][][]float32

// StepInput is one forward pass over a batch of rows.
type StepInput struct {
	// InputIDs holds the tokens of each row not yet covered by Cache. Every
	// row has the same length.
	InputIDs [][]int
	// AttentionMask covers the cached positions followed by InputIDs. A nil
	// mask attends to everything.
	AttentionMask [][]int
	// Cache is the state returned by a previous step, or nil.
	Cache *kvcache.Cache
	// UseCache asks the model to return an updated cache.
	UseCache bool
	// Encoder is the encoder state of encoder-decoder models.
	Encoder *EncoderOutput

	OutputHiddenStates bool
	OutputAttentions   bool
}

// Rows returns the number of rows in the batch.
func (in *StepInput) Rows() int { return len(in.InputIDs) }

// StepOutput is the result of one forward pass. Step never mutates the
// input cache.
type StepOutput struct {
	// Logits is indexed [row][position][vocab] over the positions of
	// InputIDs.
	Logits [][][]float32
	// Cache covers every position seen so far, or is nil when UseCache was
	// false.
	Cache *kvcache.Cache
	// HiddenStates has NumLayers+1 entries, embeddings first and the final
	// normalized states last.
	HiddenStates    []Hidden
	Attentions      []Attention
	CrossAttentions []Attention
}

// LastLogits returns the scores of the last position of every row.
func (o *StepOutput) LastLogits() [][]float32 {
	out := make([][]float32, len(o.Logits))
	for i, row := range o.Logits {
		out[i] = row[len(row)-1]
	}
	return out
}

// LastHidden returns the final-layer hidden state of the last position of
// every row, or nil when hidden states were not captured.
func (o *StepOutput) LastHidden() [][]float32 {
	if len(o.HiddenStates) == 0 {
		return nil
	}
	h := o.HiddenStates[len(o.HiddenStates)-1]
	out := make([][]float32, len(h))
	for i, row := range h {
		out[i] = row[len(row)-1]
	}
	return out
}

// Model maps token prefixes to next-token scores.
type Model interface {
	Info() Info
	Step(ctx context.Context, in *StepInput) (*StepOutput, error)
}

// EncodeInput is the source side of an encoder-decoder model.
type EncodeInput struct {
	InputIDs      [][]int
	AttentionMask [][]int

	OutputHiddenStates bool
	OutputAttentions   bool
}

// Encoder is implemented by encoder-decoder models. Encode runs once per
// generation before the decoding loop.
type Encoder interface {
	Encode(ctx context.Context, in *EncodeInput) (*EncoderOutput, error)
}

// Select gathers rows by index. Rows are shared, not copied.
func (h Hidden) Select(rows []int) Hidden {
	out := make(Hidden, len(rows))
	for i, r := range rows {
		out[i] = h[r]
	}
	return out
}

// Select gathers rows by index. Rows are shared, not copied.
func (a Attention) Select(rows []int) Attention {
	out := make(Attention, len(rows))
	for i, r := range rows {
		out[i] = a[r]
	}
	return out
}

// SelectRows gathers the rows of every capture and of the logits. The cache
// is left unset.
func (o *StepOutput) SelectRows(rows []int) *StepOutput {
	out := &StepOutput{Logits: make([][][]float32, len(rows))}
	for i, r := range rows {
		out.Logits[i] = o.Logits[r]
	}
	for _, h := range o.HiddenStates {
		out.HiddenStates = append(out.HiddenStates, h.Select(rows))
	}
	for _, a := range o.Attentions {
		out.Attentions = append(out.Attentions, a.Select(rows))
	}
	for _, a := range o.CrossAttentions {
		out.CrossAttentions = append(out.CrossAttentions, a.Select(rows))
	}
	return out
}

// StackOutputs joins the outputs of sub-batches along the row axis, in
// order.
func StackOutputs(outs []*StepOutput) (*StepOutput, error) {
	if len(outs) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrInput)
	}
	res := &StepOutput{}
	caches := make([]*kvcache.Cache, 0, len(outs))
	for _, o := range outs {
		if len(o.HiddenStates) != len(outs[0].HiddenStates) || len(o.Attentions) != len(outs[0].Attentions) ||
			len(o.CrossAttentions) != len(outs[0].CrossAttentions) {
			return nil, fmt.Errorf("%w: sub-batch outputs carry different captures", ErrInput)
		}
		res.Logits = append(res.Logits, o.Logits...)
		caches = append(caches, o.Cache)
	}
	res.HiddenStates = make([]Hidden, len(outs[0].HiddenStates))
	res.Attentions = make([]Attention, len(outs[0].Attentions))
	res.CrossAttentions = make([]Attention, len(outs[0].CrossAttentions))
	for _, o := range outs {
		for l, h := range o.HiddenStates {
			res.HiddenStates[l] = append(res.HiddenStates[l], h...)
		}
		for l, a := range o.Attentions {
			res.Attentions[l] = append(res.Attentions[l], a...)
		}
		for l, a := range o.CrossAttentions {
			res.CrossAttentions[l] = append(res.CrossAttentions[l], a...)
		}
	}
	if outs[0].Cache != nil {
		c, err := kvcache.Stack(caches)
		if err != nil {
			return nil, err
		}
		res.Cache = c
	}
	return res, nil
}

// Positions narrows the logits and every capture to the fed positions
// [from, to). Attention keys are kept whole.
func (o *StepOutput) Positions(from, to int) *StepOutput {
	out := &StepOutput{Logits: make([][][]float32, len(o.Logits)), Cache: o.Cache}
	for i, row := range o.Logits {
		out.Logits[i] = row[from:to]
	}
	for _, h := range o.HiddenStates {
		sub := make(Hidden, len(h))
		for i, row := range h {
			sub[i] = row[from:to]
		}
		out.HiddenStates = append(out.HiddenStates, sub)
	}
	narrow := func(as []Attention) []Attention {
		var res []Attention
		for _, a := range as {
			sub := make(Attention, len(a))
			for i, heads := range a {
				sub[i] = make([][][]float32, len(heads))
				for h, q := range heads {
					sub[i][h] = q[from:to]
				}
			}
			res = append(res, sub)
		}
		return res
	}
	out.Attentions = narrow(o.Attentions)
	out.CrossAttentions = narrow(o.CrossAttentions)
	return out
}
