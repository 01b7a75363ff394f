// Package tensor holds the dense float32 kernels behind the toy model.
package tensor

import (
	"math/rand"
)

// Mat is a row-major float32 matrix with R rows and C columns. Stride is the
// distance between row starts and equals C for matrices built by NewMat.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r×c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative matrix dimension")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// Row returns row i as a view into m.Data.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	return m.Data[i*m.Stride : i*m.Stride+m.C]
}

// FillRand fills m with values drawn uniformly from (-scale/2, scale/2).
// Equal seeds give equal matrices.
func FillRand(m *Mat, seed int64, scale float32) {
	FillVec(m.Data, seed, 0, scale)
}

// FillVec fills v like FillRand, centred on offset.
func FillVec(v []float32, seed int64, offset, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range v {
		v[i] = offset + (rng.Float32()-0.5)*scale
	}
}
