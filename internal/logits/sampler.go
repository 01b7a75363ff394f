package logits

import (
	"math/rand"
	"slices"
)

// Sampler draws token ids from categorical distributions. It is seeded once
// per generation call so that two runs with the same seed draw the same
// sequence of tokens.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler returns a sampler seeded with seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample draws one index from the softmax of row.
func (s *Sampler) Sample(row []float32) int {
	return s.draw(Softmax(row))
}

// Multinomial draws n indices from probs without replacement. Zero-probability
// entries are only drawn once every positive entry has been taken.
func (s *Sampler) Multinomial(probs []float64, n int) []int {
	p := append([]float64(nil), probs...)
	out := make([]int, 0, n)
	for len(out) < n && len(out) < len(p) {
		i := s.draw(p)
		out = append(out, i)
		p[i] = 0
		if allZero(p) {
			for j := range p {
				if !slices.Contains(out, j) {
					p[j] = 1
				}
			}
		}
	}
	return out
}

func (s *Sampler) draw(prob []float64) int {
	var sum float64
	for _, p := range prob {
		sum += p
	}
	r := s.rng.Float64() * sum
	var c float64
	last := 0
	for i, p := range prob {
		if p <= 0 {
			continue
		}
		c += p
		last = i
		if r < c {
			return i
		}
	}
	return last
}

func allZero(p []float64) bool {
	for _, v := range p {
		if v > 0 {
			return false
		}
	}
	return true
}

