package logits

import "math"

// ForcedBOS forces Token as the first generated token.
type ForcedBOS struct {
	Token int
}

func (p *ForcedBOS) Process(inputIDs [][]int, scores [][]float32) {
	if curLen(inputIDs) != 1 {
		return
	}
	for _, row := range scores {
		force(row, p.Token)
	}
}

// ForcedEOS forces Token when the next position is the last one allowed by
// MaxLength.
type ForcedEOS struct {
	MaxLength int
	Token     int
}

func (p *ForcedEOS) Process(inputIDs [][]int, scores [][]float32) {
	if curLen(inputIDs) != p.MaxLength-1 {
		return
	}
	for _, row := range scores {
		force(row, p.Token)
	}
}

func force(row []float32, token int) {
	for i := range row {
		row[i] = NegInf
	}
	if token >= 0 && token < len(row) {
		row[token] = 0
	}
}

// SuppressTokens removes a fixed token set at every step.
type SuppressTokens struct {
	Tokens []int
}

func (p *SuppressTokens) Process(_ [][]int, scores [][]float32) {
	for _, row := range scores {
		setAll(row, p.Tokens, NegInf)
	}
}

// BeginSuppressTokens removes a token set only at the first generated
// position, BeginIndex.
type BeginSuppressTokens struct {
	Tokens     []int
	BeginIndex int
}

func (p *BeginSuppressTokens) Process(inputIDs [][]int, scores [][]float32) {
	if curLen(inputIDs) != p.BeginIndex {
		return
	}
	for _, row := range scores {
		setAll(row, p.Tokens, NegInf)
	}
}

// PrefixAllowedFunc returns the tokens allowed after seq for batch item batchID.
type PrefixAllowedFunc func(batchID int, seq []int) []int

// PrefixConstrained restricts every row to the tokens returned by Allowed.
type PrefixConstrained struct {
	Allowed  PrefixAllowedFunc
	NumBeams int
}

func (p *PrefixConstrained) Process(inputIDs [][]int, scores [][]float32) {
	beams := max(p.NumBeams, 1)
	for i, row := range scores {
		allowed := p.Allowed(i/beams, inputIDs[i])
		keep := make([]bool, len(row))
		for _, id := range allowed {
			if id >= 0 && id < len(row) {
				keep[id] = true
			}
		}
		for j := range row {
			if !keep[j] {
				row[j] = NegInf
			}
		}
	}
}

// InfNanRemove replaces NaN with 0 and infinities with the largest finite
// float32 of the same sign.
type InfNanRemove struct{}

func (InfNanRemove) Process(_ [][]int, scores [][]float32) {
	for _, row := range scores {
		for i, v := range row {
			switch {
			case math.IsNaN(float64(v)):
				row[i] = 0
			case math.IsInf(float64(v), 1):
				row[i] = math.MaxFloat32
			case math.IsInf(float64(v), -1):
				row[i] = -math.MaxFloat32
			}
		}
	}
}

// LogitNormalization turns every row into log-probabilities. It runs after
// all other transforms so beam scores stay comparable across steps.
type LogitNormalization struct{}

func (LogitNormalization) Process(_ [][]int, scores [][]float32) {
	for i, row := range scores {
		copy(scores[i], LogSoftmax(row))
	}
}

// HammingDiversity penalizes tokens already picked at the current step by
// earlier beam groups of the same batch item, proportionally to how often
// they were picked.
type HammingDiversity struct {
	Penalty   float32
	NumBeams  int
	NumGroups int
}

// NewHammingDiversity validates the group layout and penalty.
func NewHammingDiversity(penalty float32, numBeams, numGroups int) (*HammingDiversity, error) {
	if !(penalty > 0) {
		return nil, invalidf("diversity_penalty should be a float strictly larger than 0, got %v", penalty)
	}
	if numBeams < 2 {
		return nil, invalidf("num_beams should be an integer strictly larger than 1, got %d", numBeams)
	}
	if numGroups < 2 || numGroups > numBeams {
		return nil, invalidf("num_beam_groups should be in [2, num_beams], got %d", numGroups)
	}
	return &HammingDiversity{Penalty: penalty, NumBeams: numBeams, NumGroups: numGroups}, nil
}

// Process is a no-op outside of grouped beam search.
func (p *HammingDiversity) Process(_ [][]int, _ [][]float32) {}

// ProcessGroup penalizes the rows of group g. scores holds
// batch×group_size rows.
func (p *HammingDiversity) ProcessGroup(_ [][]int, scores [][]float32, g Group) {
	subBeams := p.NumBeams / p.NumGroups
	start := g.Index * subBeams
	if start == 0 {
		return
	}
	end := min(start+subBeams, p.NumBeams)
	groupSize := end - start
	batch := len(g.CurrentTokens) / p.NumBeams
	for b := 0; b < batch; b++ {
		freq := make(map[int]int)
		for _, tok := range g.CurrentTokens[b*p.NumBeams : b*p.NumBeams+start] {
			freq[tok]++
		}
		for r := b * groupSize; r < (b+1)*groupSize && r < len(scores); r++ {
			for tok, n := range freq {
				if tok >= 0 && tok < len(scores[r]) {
					scores[r][tok] -= p.Penalty * float32(n)
				}
			}
		}
	}
}
