package tensor

import (
	"math"
	"testing"
)

func matVecNaive(w *Mat, x []float32) []float32 {
	out := make([]float32, w.R)
	for i := 0; i < w.R; i++ {
		var sum float32
		for j := 0; j < w.C; j++ {
			sum += w.Data[i*w.Stride+j] * x[j]
		}
		out[i] = sum
	}
	return out
}

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()
	for _, shape := range [][2]int{{3, 5}, {512, 256}} {
		w := NewMat(shape[0], shape[1])
		FillRand(&w, 7, 0.2)
		x := make([]float32, shape[1])
		FillVec(x, 9, 0, 1)
		got := make([]float32, shape[0])
		MatVec(got, &w, x)
		want := matVecNaive(&w, x)
		for i := range want {
			if math.Abs(float64(got[i]-want[i])) > 1e-4 {
				t.Fatalf("shape %v row %d: got %v, want %v", shape, i, got[i], want[i])
			}
		}
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()
	a, b := NewMat(4, 4), NewMat(4, 4)
	FillRand(&a, 3, 1)
	FillRand(&b, 3, 1)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs: %v vs %v", i, a.Data[i], b.Data[i])
		}
		if a.Data[i] <= -0.5 || a.Data[i] >= 0.5 {
			t.Fatalf("element %d out of range: %v", i, a.Data[i])
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3, -1}
	Softmax(x)
	var sum float32
	for i, v := range x {
		sum += v
		if i > 0 && i < 3 && v <= x[i-1] {
			t.Fatalf("softmax not monotone at %d: %v", i, x)
		}
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("sum = %v, want 1", sum)
	}
}

func TestRMSNormUnitScale(t *testing.T) {
	t.Parallel()
	src := []float32{3, 4}
	dst := make([]float32, 2)
	RMSNorm(dst, src, []float32{1, 1}, 0)
	// rms = sqrt((9+16)/2)
	rms := math.Sqrt(12.5)
	for i, v := range src {
		if math.Abs(float64(dst[i])-float64(v)/rms) > 1e-6 {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], float64(v)/rms)
		}
	}
}

func TestApplyRoPEPreservesNormAndRelativePosition(t *testing.T) {
	t.Parallel()
	inv := RoPEFrequencies(4, 10000)
	q := []float32{0.3, -0.2, 0.5, 0.1}
	k := []float32{-0.4, 0.7, 0.2, 0.9}

	dotAt := func(pq, pk int) float32 {
		qq := append([]float32(nil), q...)
		kk := append([]float32(nil), k...)
		ApplyRoPE(qq, 1, 4, pq, inv)
		ApplyRoPE(kk, 1, 4, pk, inv)
		return Dot(qq, kk)
	}
	if d1, d2 := dotAt(5, 3), dotAt(12, 10); math.Abs(float64(d1-d2)) > 1e-5 {
		t.Fatalf("rotated dot depends on absolute position: %v vs %v", d1, d2)
	}

	r := append([]float32(nil), q...)
	ApplyRoPE(r, 1, 4, 7, inv)
	if n0, n1 := Dot(q, q), Dot(r, r); math.Abs(float64(n0-n1)) > 1e-6 {
		t.Fatalf("norm changed: %v -> %v", n0, n1)
	}
}
