package kvcache

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 tensor laid out as [rows, heads, seq, dim].
// Rows is the flattened batch×beam axis.
type Tensor struct {
	Rows  int
	Heads int
	Seq   int
	Dim   int
	Data  []float32
}

// NewTensor allocates a zeroed tensor.
func NewTensor(rows, heads, seq, dim int) *Tensor {
	return &Tensor{
		Rows:  rows,
		Heads: heads,
		Seq:   seq,
		Dim:   dim,
		Data:  make([]float32, rows*heads*seq*dim),
	}
}

// Shape returns the four axis sizes in storage order.
func (t *Tensor) Shape() [4]int {
	return [4]int{t.Rows, t.Heads, t.Seq, t.Dim}
}

func (t *Tensor) offset(row, head, pos int) int {
	return ((row*t.Heads+head)*t.Seq + pos) * t.Dim
}

// Vec returns the head_dim vector at (row, head, pos). The slice aliases t.Data.
func (t *Tensor) Vec(row, head, pos int) []float32 {
	o := t.offset(row, head, pos)
	return t.Data[o : o+t.Dim]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	out := *t
	out.Data = append([]float32(nil), t.Data...)
	return &out
}

// rowSize is the number of elements held by a single row.
func (t *Tensor) rowSize() int {
	return t.Heads * t.Seq * t.Dim
}

// SelectRows gathers rows by index, producing a tensor with len(idx) rows.
// Indices may repeat.
func (t *Tensor) SelectRows(idx []int) (*Tensor, error) {
	if t == nil {
		return nil, nil
	}
	out := NewTensor(len(idx), t.Heads, t.Seq, t.Dim)
	n := t.rowSize()
	for i, r := range idx {
		if r < 0 || r >= t.Rows {
			return nil, fmt.Errorf("%w: row %d out of range [0,%d)", ErrShape, r, t.Rows)
		}
		copy(out.Data[i*n:(i+1)*n], t.Data[r*n:(r+1)*n])
	}
	return out, nil
}

// RepeatRows repeats every row n times consecutively (repeat-interleave on axis 0).
func (t *Tensor) RepeatRows(n int) *Tensor {
	if t == nil {
		return nil
	}
	idx := make([]int, 0, t.Rows*n)
	for r := 0; r < t.Rows; r++ {
		for range n {
			idx = append(idx, r)
		}
	}
	out, _ := t.SelectRows(idx)
	return out
}

// Crop keeps the first seq positions of the sequence axis.
func (t *Tensor) Crop(seq int) *Tensor {
	if t == nil {
		return nil
	}
	if seq >= t.Seq {
		return t.Clone()
	}
	seq = max(seq, 0)
	out := NewTensor(t.Rows, t.Heads, seq, t.Dim)
	for r := 0; r < t.Rows; r++ {
		for h := 0; h < t.Heads; h++ {
			src := t.offset(r, h, 0)
			dst := out.offset(r, h, 0)
			copy(out.Data[dst:dst+seq*t.Dim], t.Data[src:src+seq*t.Dim])
		}
	}
	return out
}

// Concat appends other along the sequence axis. Both tensors must agree on
// every other axis.
func Concat(t, other *Tensor) (*Tensor, error) {
	if t == nil {
		return other.Clone(), nil
	}
	if other == nil {
		return t.Clone(), nil
	}
	if t.Rows != other.Rows || t.Heads != other.Heads || t.Dim != other.Dim {
		return nil, fmt.Errorf("%w: cannot concat %v with %v", ErrShape, t.Shape(), other.Shape())
	}
	out := NewTensor(t.Rows, t.Heads, t.Seq+other.Seq, t.Dim)
	for r := 0; r < t.Rows; r++ {
		for h := 0; h < t.Heads; h++ {
			dst := out.offset(r, h, 0)
			src := t.offset(r, h, 0)
			n := copy(out.Data[dst:dst+t.Seq*t.Dim], t.Data[src:src+t.Seq*t.Dim])
			src = other.offset(r, h, 0)
			copy(out.Data[dst+n:dst+n+other.Seq*t.Dim], other.Data[src:src+other.Seq*t.Dim])
		}
	}
	return out, nil
}

// allClose reports whether two tensors have equal shapes and elementwise
// differences within atol.
func allClose(a, b *Tensor, atol float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Shape() != b.Shape() {
		return false
	}
	for i := range a.Data {
		if math.Abs(float64(a.Data[i])-float64(b.Data[i])) > atol {
			return false
		}
	}
	return true
}

// StackRows joins tensors along the row axis in order. Every tensor must
// agree on the other axes.
func StackRows(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 || ts[0] == nil {
		return nil, nil
	}
	first := ts[0]
	rows := 0
	for _, t := range ts {
		if t == nil || t.Heads != first.Heads || t.Seq != first.Seq || t.Dim != first.Dim {
			return nil, fmt.Errorf("%w: cannot stack rows of mismatched tensors", ErrShape)
		}
		rows += t.Rows
	}
	out := NewTensor(rows, first.Heads, first.Seq, first.Dim)
	off := 0
	for _, t := range ts {
		off += copy(out.Data[off:], t.Data)
	}
	return out, nil
}
