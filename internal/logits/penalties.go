package logits

import (
	"slices"
	"strconv"
	"strings"
)

// MinLength suppresses the end tokens until the sequence reaches MinLength.
type MinLength struct {
	MinLength int
	EOS       []int
}

// NewMinLength validates and returns a MinLength processor.
func NewMinLength(minLength int, eos []int) (*MinLength, error) {
	if minLength < 0 {
		return nil, invalidf("min_length must be non-negative, got %d", minLength)
	}
	for _, id := range eos {
		if id < 0 {
			return nil, invalidf("eos_token_id must be non-negative, got %v", eos)
		}
	}
	return &MinLength{MinLength: minLength, EOS: eos}, nil
}

func (p *MinLength) Process(inputIDs [][]int, scores [][]float32) {
	if curLen(inputIDs) >= p.MinLength {
		return
	}
	for _, row := range scores {
		setAll(row, p.EOS, NegInf)
	}
}

// MinNewTokens suppresses the end tokens until MinNewTokens tokens have been
// generated past PromptLength.
type MinNewTokens struct {
	PromptLength int
	MinNewTokens int
	EOS          []int
}

// NewMinNewTokens validates and returns a MinNewTokens processor.
func NewMinNewTokens(promptLength, minNewTokens int, eos []int) (*MinNewTokens, error) {
	if minNewTokens < 0 {
		return nil, invalidf("min_new_tokens must be non-negative, got %d", minNewTokens)
	}
	if promptLength < 0 {
		return nil, invalidf("prompt length must be non-negative, got %d", promptLength)
	}
	return &MinNewTokens{PromptLength: promptLength, MinNewTokens: minNewTokens, EOS: eos}, nil
}

func (p *MinNewTokens) Process(inputIDs [][]int, scores [][]float32) {
	if curLen(inputIDs)-p.PromptLength >= p.MinNewTokens {
		return
	}
	for _, row := range scores {
		setAll(row, p.EOS, NegInf)
	}
}

// RepetitionPenalty discourages tokens already present in the row history.
// Positive scores are divided by Penalty, the rest are multiplied, so the
// penalty always pushes a repeated token down.
type RepetitionPenalty struct {
	Penalty float32
}

// NewRepetitionPenalty returns a processor for a strictly positive penalty.
func NewRepetitionPenalty(penalty float32) (*RepetitionPenalty, error) {
	if !(penalty > 0) {
		return nil, invalidf("repetition_penalty must be a strictly positive float, got %v", penalty)
	}
	return &RepetitionPenalty{Penalty: penalty}, nil
}

func (p *RepetitionPenalty) Process(inputIDs [][]int, scores [][]float32) {
	for i, row := range scores {
		seen := make(map[int]struct{}, len(inputIDs[i]))
		for _, id := range inputIDs[i] {
			if id < 0 || id >= len(row) {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if row[id] > 0 {
				row[id] /= p.Penalty
			} else {
				row[id] *= p.Penalty
			}
		}
	}
}

// NoRepeatNGram bans any token that would complete an n-gram already present
// in the row.
type NoRepeatNGram struct {
	Size int
}

// NewNoRepeatNGram returns a processor for a strictly positive n-gram size.
func NewNoRepeatNGram(size int) (*NoRepeatNGram, error) {
	if size <= 0 {
		return nil, invalidf("no_repeat_ngram_size must be a strictly positive integer, got %d", size)
	}
	return &NoRepeatNGram{Size: size}, nil
}

func (p *NoRepeatNGram) Process(inputIDs [][]int, scores [][]float32) {
	n := p.Size
	if curLen(inputIDs)+1 < n {
		return
	}
	for i, row := range scores {
		setAll(row, BannedNGramTokens(inputIDs[i], n), NegInf)
	}
}

// BannedNGramTokens indexes every (n-1)-token prefix of seq to the tokens that
// followed it and returns the continuations of the trailing prefix.
func BannedNGramTokens(seq []int, n int) []int {
	if len(seq)+1 < n {
		return nil
	}
	if n == 1 {
		// Every previously emitted token completes a unigram.
		return append([]int(nil), seq...)
	}
	index := make(map[string][]int)
	for start := 0; start+n <= len(seq); start++ {
		key := ngramKey(seq[start : start+n-1])
		index[key] = append(index[key], seq[start+n-1])
	}
	return index[ngramKey(seq[len(seq)-n+1:])]
}

func ngramKey(tokens []int) string {
	var b strings.Builder
	for i, t := range tokens {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(t))
	}
	return b.String()
}

// SequenceBias adds a bias to the final token of each configured sequence
// when the row ends with the rest of that sequence. Single-token sequences
// are biased unconditionally.
type SequenceBias struct {
	seqs   [][]int
	biases []float32
}

// NewSequenceBias returns a processor applying bias[i] to seqs[i].
func NewSequenceBias(seqs [][]int, biases []float32) (*SequenceBias, error) {
	if len(seqs) != len(biases) {
		return nil, invalidf("sequence bias needs one bias per sequence, got %d and %d", len(seqs), len(biases))
	}
	for _, seq := range seqs {
		if len(seq) == 0 {
			return nil, invalidf("sequence bias keys must be non-empty token sequences")
		}
		for _, id := range seq {
			if id < 0 {
				return nil, invalidf("sequence bias token ids must be non-negative, got %v", seq)
			}
		}
	}
	return &SequenceBias{seqs: seqs, biases: biases}, nil
}

// NewNoBadWords bans every sequence in badWords. Sequences consisting of a
// single end token are dropped so that generation can still terminate; an
// empty list yields a no-op processor.
func NewNoBadWords(badWords [][]int, eos []int) (*SequenceBias, error) {
	var kept [][]int
	for _, seq := range badWords {
		if len(seq) == 0 {
			return nil, invalidf("bad_words_ids entries must be non-empty, got %v", badWords)
		}
		for _, id := range seq {
			if id < 0 {
				return nil, invalidf("bad_words_ids must contain non-negative token ids, got %v", badWords)
			}
		}
		if len(seq) == 1 && slices.Contains(eos, seq[0]) {
			continue
		}
		kept = append(kept, seq)
	}
	biases := make([]float32, len(kept))
	for i := range biases {
		biases[i] = NegInf
	}
	return &SequenceBias{seqs: kept, biases: biases}, nil
}

// Len returns the number of biased sequences.
func (p *SequenceBias) Len() int { return len(p.seqs) }

func (p *SequenceBias) Process(inputIDs [][]int, scores [][]float32) {
	for i, row := range scores {
		hist := inputIDs[i]
		for j, seq := range p.seqs {
			last := seq[len(seq)-1]
			if last >= len(row) {
				continue
			}
			prefix := seq[:len(seq)-1]
			if len(prefix) > len(hist) || !endsWith(hist, prefix) {
				continue
			}
			row[last] += p.biases[j]
		}
	}
}

func endsWith(seq, suffix []int) bool {
	off := len(seq) - len(suffix)
	for i, t := range suffix {
		if seq[off+i] != t {
			return false
		}
	}
	return true
}

