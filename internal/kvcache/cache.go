// Package kvcache holds the per-layer key/value state that a decoder model
// threads through successive forward passes.
//
// Every tensor is indexed [rows, heads, seq, head_dim] where rows is the
// flattened batch×beam axis. Operations return new caches; callers may keep
// the original around (for example to compare a resumed run against a fresh
// one).
package kvcache

import (
	"errors"
	"fmt"
)

// ErrShape reports a cache that violates the shape contract.
var ErrShape = errors.New("kvcache: shape mismatch")

// Layer is the state of one decoder layer. CrossKey and CrossValue are only
// set for encoder-decoder models and are never cropped, since their sequence
// axis follows the encoder input.
type Layer struct {
	Key        *Tensor
	Value      *Tensor
	CrossKey   *Tensor
	CrossValue *Tensor
}

// HasCross reports whether the layer carries cross-attention state.
func (l Layer) HasCross() bool {
	return l.CrossKey != nil && l.CrossValue != nil
}

// Cache is the full key/value state of a model, one entry per layer.
type Cache struct {
	Layers []Layer
}

// New returns a cache with n empty layers.
func New(n int) *Cache {
	return &Cache{Layers: make([]Layer, n)}
}

// Len returns the number of layers.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Layers)
}

// SeqLen returns the number of positions already held by the self-attention
// state. A nil or empty cache has length zero.
func (c *Cache) SeqLen() int {
	if c == nil || len(c.Layers) == 0 || c.Layers[0].Key == nil {
		return 0
	}
	return c.Layers[0].Key.Seq
}

// Rows returns the size of the flattened batch×beam axis.
func (c *Cache) Rows() int {
	if c == nil {
		return 0
	}
	for _, l := range c.Layers {
		switch {
		case l.Key != nil:
			return l.Key.Rows
		case l.CrossKey != nil:
			return l.CrossKey.Rows
		}
	}
	return 0
}

// IsEncoderDecoder reports whether the cache carries cross-attention pairs.
func (c *Cache) IsEncoderDecoder() bool {
	return c != nil && len(c.Layers) > 0 && c.Layers[0].HasCross()
}

// Clone returns a deep copy.
func (c *Cache) Clone() *Cache {
	if c == nil {
		return nil
	}
	return c.mapTensors(func(_ bool, t *Tensor) (*Tensor, error) { return t.Clone(), nil })
}

// Select gathers rows by index. It is used to reorder the cache after beam
// selection and to pick a chosen candidate in contrastive search.
func (c *Cache) Select(idx []int) (*Cache, error) {
	if c == nil {
		return nil, nil
	}
	out := c.mapTensors(func(_ bool, t *Tensor) (*Tensor, error) { return t.SelectRows(idx) })
	if out == nil {
		return nil, fmt.Errorf("%w: invalid row selection %v for %d rows", ErrShape, idx, c.Rows())
	}
	return out, nil
}

// RepeatInterleave repeats each row n times in place order, so rows
// [a b] become [a a b b] for n=2.
func (c *Cache) RepeatInterleave(n int) *Cache {
	if c == nil || n == 1 {
		return c.Clone()
	}
	return c.mapTensors(func(_ bool, t *Tensor) (*Tensor, error) { return t.RepeatRows(n), nil })
}

// Crop drops every self-attention position at index >= seq.
func (c *Cache) Crop(seq int) *Cache {
	if c == nil {
		return nil
	}
	return c.mapTensors(func(cross bool, t *Tensor) (*Tensor, error) {
		if cross {
			return t.Clone(), nil
		}
		return t.Crop(seq), nil
	})
}

// Validate checks the layer count and that every tensor agrees on rows and,
// for self-attention tensors, on sequence length.
func (c *Cache) Validate(layers int) error {
	if c == nil {
		return nil
	}
	if layers > 0 && len(c.Layers) != layers {
		return fmt.Errorf("%w: have %d layers, want %d", ErrShape, len(c.Layers), layers)
	}
	rows, seq := c.Rows(), c.SeqLen()
	for i, l := range c.Layers {
		if l.Key == nil || l.Value == nil {
			return fmt.Errorf("%w: layer %d is missing key or value", ErrShape, i)
		}
		for _, t := range []*Tensor{l.Key, l.Value} {
			if t.Rows != rows || t.Seq != seq {
				return fmt.Errorf("%w: layer %d has shape %v, want rows=%d seq=%d", ErrShape, i, t.Shape(), rows, seq)
			}
			if len(t.Data) != t.Rows*t.Heads*t.Seq*t.Dim {
				return fmt.Errorf("%w: layer %d data length %d does not match %v", ErrShape, i, len(t.Data), t.Shape())
			}
		}
		if (l.CrossKey == nil) != (l.CrossValue == nil) {
			return fmt.Errorf("%w: layer %d has an incomplete cross-attention pair", ErrShape, i)
		}
		if l.HasCross() && (l.CrossKey.Rows != rows || l.CrossValue.Rows != rows) {
			return fmt.Errorf("%w: layer %d cross-attention rows differ from %d", ErrShape, i, rows)
		}
	}
	return nil
}

// AllClose reports whether two caches hold the same shapes and values within
// atol, for every tensor of every layer.
func AllClose(a, b *Cache, atol float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Layers) != len(b.Layers) {
		return false
	}
	for i := range a.Layers {
		la, lb := a.Layers[i], b.Layers[i]
		if !allClose(la.Key, lb.Key, atol) || !allClose(la.Value, lb.Value, atol) ||
			!allClose(la.CrossKey, lb.CrossKey, atol) || !allClose(la.CrossValue, lb.CrossValue, atol) {
			return false
		}
	}
	return true
}

// mapTensors applies fn to every tensor and returns the rebuilt cache, or nil
// when fn fails.
func (c *Cache) mapTensors(fn func(cross bool, t *Tensor) (*Tensor, error)) *Cache {
	out := &Cache{Layers: make([]Layer, len(c.Layers))}
	apply := func(cross bool, t *Tensor) (*Tensor, bool) {
		if t == nil {
			return nil, true
		}
		r, err := fn(cross, t)
		return r, err == nil
	}
	for i, l := range c.Layers {
		var ok [4]bool
		out.Layers[i].Key, ok[0] = apply(false, l.Key)
		out.Layers[i].Value, ok[1] = apply(false, l.Value)
		out.Layers[i].CrossKey, ok[2] = apply(true, l.CrossKey)
		out.Layers[i].CrossValue, ok[3] = apply(true, l.CrossValue)
		if !ok[0] || !ok[1] || !ok[2] || !ok[3] {
			return nil
		}
	}
	return out
}

// Stack joins caches along the row axis, in order. It is the inverse of
// splitting a batch into sub-batches and running them separately.
func Stack(caches []*Cache) (*Cache, error) {
	if len(caches) == 0 || caches[0] == nil {
		return nil, nil
	}
	n := len(caches[0].Layers)
	out := New(n)
	for _, c := range caches {
		if c == nil || len(c.Layers) != n {
			return nil, fmt.Errorf("%w: cannot stack caches with different layer counts", ErrShape)
		}
	}
	for i := range n {
		var err error
		stack := func(get func(Layer) *Tensor) *Tensor {
			if err != nil {
				return nil
			}
			ts := make([]*Tensor, len(caches))
			for j, c := range caches {
				ts[j] = get(c.Layers[i])
			}
			var t *Tensor
			t, err = StackRows(ts)
			return t
		}
		out.Layers[i] = Layer{
			Key:        stack(func(l Layer) *Tensor { return l.Key }),
			Value:      stack(func(l Layer) *Tensor { return l.Value }),
			CrossKey:   stack(func(l Layer) *Tensor { return l.CrossKey }),
			CrossValue: stack(func(l Layer) *Tensor { return l.CrossValue }),
		}
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return out, nil
}
