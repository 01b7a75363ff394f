// Package constraints implements the lexical constraint automata used by
// constrained beam search. A constraint tracks how far a hypothesis has
// progressed towards emitting a required token run.
package constraints

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidConstraint is returned when a constraint is built from an
// unusable token list.
var ErrInvalidConstraint = errors.New("constraints: invalid constraint")

// Step is the outcome of feeding one token to a constraint.
type Step struct {
	// Stepped is true when the token extended the current partial match.
	Stepped bool
	// Completed is true when the constraint is now fully satisfied.
	Completed bool
	// Reset is true when the token broke a partial match and progress was
	// discarded.
	Reset bool
}

// Constraint is a stateful automaton over a required token run.
type Constraint interface {
	// Next returns the tokens that would make progress, or nil once the
	// constraint is completed.
	Next() []int
	// DoesAdvance reports whether token would make progress without
	// changing state.
	DoesAdvance(token int) bool
	// Advance feeds token to the automaton.
	Advance(token int) Step
	// Reset abandons any partial progress.
	Reset()
	// Remaining is the number of tokens still needed to complete.
	Remaining() int
	// SeqLen is the length of the longest token run that completes the
	// constraint.
	SeqLen() int
	Completed() bool
	// FoundIn reports whether seq contains a run that satisfies the
	// constraint.
	FoundIn(seq []int) bool
	// Copy returns a fresh automaton over the same tokens. With stateful
	// set, progress is copied too.
	Copy(stateful bool) Constraint
}

// Phrasal requires an exact contiguous token run.
type Phrasal struct {
	tokens    []int
	fulfilled int
	completed bool
}

// NewPhrasal builds a phrasal constraint. The token list must be non-empty
// and every id non-negative.
func NewPhrasal(tokens []int) (*Phrasal, error) {
	if err := validateTokens(tokens); err != nil {
		return nil, err
	}
	return &Phrasal{tokens: slices.Clone(tokens), fulfilled: -1}, nil
}

func validateTokens(tokens []int) error {
	if len(tokens) == 0 {
		return fmt.Errorf("%w: token ids must be a non-empty list", ErrInvalidConstraint)
	}
	for _, t := range tokens {
		if t < 0 {
			return fmt.Errorf("%w: token ids must be non-negative, got %v", ErrInvalidConstraint, tokens)
		}
	}
	return nil
}

// Tokens returns the required run.
func (p *Phrasal) Tokens() []int { return p.tokens }

func (p *Phrasal) Next() []int {
	if p.completed {
		return nil
	}
	return []int{p.tokens[p.fulfilled+1]}
}

func (p *Phrasal) DoesAdvance(token int) bool {
	if p.completed {
		return false
	}
	return token == p.tokens[p.fulfilled+1]
}

func (p *Phrasal) Advance(token int) Step {
	if !p.DoesAdvance(token) {
		p.Reset()
		return Step{Reset: true}
	}
	p.fulfilled++
	if p.fulfilled == len(p.tokens)-1 {
		p.completed = true
	}
	return Step{Stepped: true, Completed: p.completed}
}

func (p *Phrasal) Reset() {
	p.completed = false
	p.fulfilled = -1
}

func (p *Phrasal) Remaining() int  { return len(p.tokens) - (p.fulfilled + 1) }
func (p *Phrasal) SeqLen() int     { return len(p.tokens) }
func (p *Phrasal) Completed() bool { return p.completed }

func (p *Phrasal) FoundIn(seq []int) bool {
	return containsRun(seq, p.tokens)
}

func (p *Phrasal) Copy(stateful bool) Constraint {
	c := &Phrasal{tokens: p.tokens, fulfilled: -1}
	if stateful {
		c.fulfilled = p.fulfilled
		c.completed = p.completed
	}
	return c
}

// Disjunctive requires exactly one of several alternative token runs.
type Disjunctive struct {
	alternatives [][]int
	trie         *trie
	current      []int
	completed    bool
}

// NewDisjunctive builds a disjunctive constraint. Every alternative must be
// a valid token list and no alternative may be a prefix of another.
func NewDisjunctive(alternatives [][]int) (*Disjunctive, error) {
	if len(alternatives) == 0 {
		return nil, fmt.Errorf("%w: alternatives must be a non-empty list of token lists", ErrInvalidConstraint)
	}
	for _, alt := range alternatives {
		if err := validateTokens(alt); err != nil {
			return nil, err
		}
	}
	t := newTrie(alternatives)
	if t.leaves() != len(alternatives) {
		return nil, fmt.Errorf("%w: no alternative may be a complete prefix of another, got %v", ErrInvalidConstraint, alternatives)
	}
	return &Disjunctive{alternatives: alternatives, trie: t}, nil
}

// Alternatives returns the accepted token runs.
func (d *Disjunctive) Alternatives() [][]int { return d.alternatives }

func (d *Disjunctive) Next() []int {
	next := d.trie.next(d.current)
	if len(next) == 0 {
		return nil
	}
	return next
}

func (d *Disjunctive) DoesAdvance(token int) bool {
	return slices.Contains(d.trie.next(d.current), token)
}

func (d *Disjunctive) Advance(token int) Step {
	var s Step
	if d.DoesAdvance(token) {
		d.current = append(d.current, token)
		s.Stepped = true
	} else {
		d.Reset()
		s.Reset = true
	}
	d.completed = d.trie.reachedLeaf(d.current)
	s.Completed = d.completed
	return s
}

func (d *Disjunctive) Reset() {
	d.completed = false
	d.current = nil
}

func (d *Disjunctive) Remaining() int {
	if d.completed {
		return 0
	}
	return d.trie.height - len(d.current)
}

func (d *Disjunctive) SeqLen() int     { return d.trie.height }
func (d *Disjunctive) Completed() bool { return d.completed }

func (d *Disjunctive) FoundIn(seq []int) bool {
	for _, alt := range d.alternatives {
		if containsRun(seq, alt) {
			return true
		}
	}
	return false
}

func (d *Disjunctive) Copy(stateful bool) Constraint {
	c := &Disjunctive{alternatives: d.alternatives, trie: d.trie}
	if stateful {
		c.current = slices.Clone(d.current)
		c.completed = d.completed
	}
	return c
}

// containsRun reports whether run occurs contiguously in seq.
func containsRun(seq, run []int) bool {
	for i := 0; i+len(run) <= len(seq); i++ {
		if slices.Equal(seq[i:i+len(run)], run) {
			return true
		}
	}
	return false
}
