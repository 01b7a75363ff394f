package generation

import (
	"fmt"
	"time"

	"github.com/samcharles93/seqgen/internal/kvcache"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
)

// Stats summarizes the cost of a run.
type Stats struct {
	Steps           int
	ForwardPasses   int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

// Output is the result of a run. Only Sequences and Stats are always set;
// the remaining fields are filled when ReturnDict is requested together with
// the matching output flag.
type Output struct {
	// Sequences holds the prompt followed by the generated tokens, one row
	// per returned sequence. For encoder-decoder models it holds the decoder
	// side only.
	Sequences [][]int
	// SequencesScores is the length-normalized score of every returned beam
	// hypothesis.
	SequencesScores []float64
	// Scores holds the processed next-token scores of every step, indexed
	// [step][row][vocab].
	Scores [][][]float32
	// BeamIndices holds, per returned sequence, the row that produced the
	// token of every step. Unused trailing steps are -1.
	BeamIndices [][]int

	// Captures are indexed [step][layer].
	Attentions      [][]model.Attention
	CrossAttentions [][]model.Attention
	HiddenStates    [][]model.Hidden

	EncoderAttentions   []model.Attention
	EncoderHiddenStates []model.Hidden

	// Cache covers every position of Sequences but the last.
	Cache *kvcache.Cache

	Stats Stats
}

// ComputeTransitionScores recovers the score of every generated token from
// the per-step scores of a run. beamIndices is nil for non-beam runs, in
// which case row i of every step belongs to sequence i. The result is
// indexed [sequence][step]; steps a beam did not take score zero. With
// normalize set the per-step scores are first turned into log-probabilities.
func ComputeTransitionScores(sequences [][]int, scores [][][]float32, beamIndices [][]int, normalize bool) ([][]float32, error) {
	steps := len(scores)
	if steps == 0 {
		return make([][]float32, len(sequences)), nil
	}
	if normalize {
		norm := make([][][]float32, steps)
		for s, rows := range scores {
			norm[s] = logits.LogSoftmaxRows(rows)
		}
		scores = norm
	}
	if beamIndices == nil {
		beamIndices = make([][]int, len(sequences))
		for i := range beamIndices {
			beamIndices[i] = make([]int, steps)
			for s := range beamIndices[i] {
				beamIndices[i][s] = i
			}
		}
	}
	if len(beamIndices) != len(sequences) {
		return nil, fmt.Errorf("transition scores: %d beam index rows for %d sequences", len(beamIndices), len(sequences))
	}
	maxBeamLen := 0
	for _, idx := range beamIndices {
		n := 0
		for _, bi := range idx {
			if bi >= 0 {
				n++
			}
		}
		maxBeamLen = max(maxBeamLen, n)
	}
	out := make([][]float32, len(sequences))
	for i, seq := range sequences {
		cut := len(seq) - maxBeamLen
		if cut < 0 {
			return nil, fmt.Errorf("transition scores: sequence %d is shorter than its %d scored steps", i, maxBeamLen)
		}
		out[i] = make([]float32, maxBeamLen)
		for s := 0; s < maxBeamLen; s++ {
			if s >= len(beamIndices[i]) || beamIndices[i][s] < 0 || s >= steps {
				continue
			}
			rows := scores[s]
			bi := beamIndices[i][s]
			if bi >= len(rows) {
				return nil, fmt.Errorf("transition scores: beam index %d out of range at step %d", bi, s)
			}
			tok := seq[cut+s]
			if tok < 0 || tok >= len(rows[bi]) {
				return nil, fmt.Errorf("transition scores: token %d out of range at step %d", tok, s)
			}
			out[i][s] = rows[bi][tok]
		}
	}
	return out, nil
}

// padBeamIndices right-pads every history with -1 up to steps entries.
func padBeamIndices(idx [][]int, steps int) [][]int {
	if idx == nil {
		return nil
	}
	out := make([][]int, len(idx))
	for i, h := range idx {
		row := make([]int, max(steps, len(h)))
		n := copy(row, h)
		for j := n; j < len(row); j++ {
			row[j] = -1
		}
		out[i] = row
	}
	return out
}
