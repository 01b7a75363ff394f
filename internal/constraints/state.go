package constraints

// ListState tracks one hypothesis' progress through a set of constraints.
// Only one constraint advances at a time: the in-progress one keeps going
// while tokens match it, and a pending constraint is picked up when a token
// matches its first step.
type ListState struct {
	constraints []Constraint
	maxSeqLen   int

	complete   []Constraint
	inProgress Constraint
	pending    []Constraint
	completed  bool
}

// NewListState returns a fresh state over constraints. The constraints are
// used as templates and are never mutated.
func NewListState(constraints []Constraint) *ListState {
	s := &ListState{constraints: constraints}
	for _, c := range constraints {
		s.maxSeqLen = max(s.maxSeqLen, c.SeqLen())
	}
	s.init()
	return s
}

func (s *ListState) init() {
	s.complete = nil
	s.inProgress = nil
	s.completed = false
	s.pending = make([]Constraint, 0, len(s.constraints))
	for _, c := range s.constraints {
		s.pending = append(s.pending, c.Copy(false))
	}
}

// NumConstraints returns the number of tracked constraints.
func (s *ListState) NumConstraints() int { return len(s.constraints) }

// Completed reports whether every constraint has been satisfied.
func (s *ListState) Completed() bool { return s.completed }

// Bank scores progress: every completed constraint is worth the longest
// constraint length, plus partial credit for the in-progress one.
func (s *ListState) Bank() int {
	add := 0
	if s.inProgress != nil {
		add = s.maxSeqLen - s.inProgress.Remaining()
	}
	return len(s.complete)*s.maxSeqLen + add
}

// Next returns the tokens that would make progress from the current state.
func (s *ListState) Next() []int {
	if s.inProgress != nil {
		return s.inProgress.Next()
	}
	var out []int
	for _, c := range s.pending {
		out = append(out, c.Next()...)
	}
	return out
}

// Reset rebuilds the state from scratch by replaying tokens.
func (s *ListState) Reset(tokens []int) {
	s.init()
	for _, t := range tokens {
		s.Add(t)
		if s.completed {
			break
		}
	}
}

// Add feeds token to the state and reports whether it completed a
// constraint and whether it made progress.
func (s *ListState) Add(token int) (complete, stepped bool) {
	if s.completed {
		return true, false
	}
	if s.inProgress != nil {
		step := s.inProgress.Advance(token)
		switch {
		case step.Reset:
			s.pending = append(s.pending, s.inProgress.Copy(false))
			s.inProgress = nil
			// The token that broke the partial match may start another
			// constraint, or restart this one.
			return s.startPending(token)
		case step.Completed:
			s.complete = append(s.complete, s.inProgress)
			s.inProgress = nil
			if len(s.pending) == 0 {
				s.completed = true
			}
		}
		return step.Completed, step.Stepped
	}
	return s.startPending(token)
}

func (s *ListState) startPending(token int) (complete, stepped bool) {
	for i, c := range s.pending {
		if !c.DoesAdvance(token) {
			continue
		}
		step := c.Advance(token)
		if step.Completed {
			s.complete = append(s.complete, c)
		} else {
			s.inProgress = c
		}
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		if len(s.pending) == 0 && s.inProgress == nil {
			s.completed = true
		}
		return step.Completed, step.Stepped
	}
	return false, false
}

// Copy returns a new state over the same constraints. With stateful set the
// progress is copied as well.
func (s *ListState) Copy(stateful bool) *ListState {
	c := NewListState(s.constraints)
	if !stateful {
		return c
	}
	c.complete = make([]Constraint, len(s.complete))
	for i, x := range s.complete {
		c.complete[i] = x.Copy(true)
	}
	if s.inProgress != nil {
		c.inProgress = s.inProgress.Copy(true)
	}
	c.pending = make([]Constraint, len(s.pending))
	for i, x := range s.pending {
		c.pending[i] = x.Copy(true)
	}
	c.completed = s.completed
	return c
}

// SatisfiedBy reports whether seq contains a run for every constraint.
func SatisfiedBy(constraints []Constraint, seq []int) bool {
	for _, c := range constraints {
		if !c.FoundIn(seq) {
			return false
		}
	}
	return true
}
