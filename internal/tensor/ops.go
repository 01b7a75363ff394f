package tensor

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

func vec(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	blas32.Axpy(1, vec(src[:len(dst)]), vec(dst))
}

// Dot computes the dot product of a and b. b may be longer than a.
func Dot(a, b []float32) float32 {
	return blas32.Dot(vec(a), vec(b[:len(a)]))
}

// RMSNorm writes src scaled to unit root mean square, times weight, to dst.
func RMSNorm(dst, src, weight []float32, eps float32) {
	ms := Dot(src, src) / float32(len(src))
	inv := float32(1 / math.Sqrt(float64(ms+eps)))
	for i, v := range src {
		dst[i] = v * inv * weight[i]
	}
}

// Softmax normalizes x in place. Exponentials are summed in float64.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	hi := x[0]
	for _, v := range x[1:] {
		hi = max(hi, v)
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - hi))
		x[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	blas32.Scal(float32(1/sum), vec(x))
}

// SiluAndMul computes the gated activation dst[i] = silu(x[i]) * x[d+i],
// d = len(x)/2. The gate occupies the first half of x.
func SiluAndMul(dst, x []float32) {
	d := len(x) / 2
	if len(x)%2 != 0 || len(dst) < d {
		panic("tensor: SiluAndMul shape mismatch")
	}
	for i, g := range x[:d] {
		dst[i] = g / float32(1+math.Exp(float64(-g))) * x[d+i]
	}
}

// RoPEFrequencies returns the inverse frequency of each rotated pair for a
// head of size headDim.
func RoPEFrequencies(headDim int, base float64) []float64 {
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = math.Pow(base, -float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE rotates the (2i, 2i+1) pairs of every head of x by
// pos*invFreq[i]. headDim must be even.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("tensor: odd head size for RoPE")
	}
	for h := range nHead {
		head := x[h*headDim : (h+1)*headDim]
		for i := range headDim / 2 {
			sin, cos := math.Sincos(float64(pos) * invFreq[i])
			s, c := float32(sin), float32(cos)
			a, b := head[2*i], head[2*i+1]
			head[2*i] = a*c - b*s
			head[2*i+1] = a*s + b*c
		}
	}
}
