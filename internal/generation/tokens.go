package generation

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/seqgen/internal/constraints"
)

// TokenIDs is a set of token ids that serializes as a bare integer when it
// holds exactly one id, and accepts either form when decoding.
type TokenIDs []int

func (t TokenIDs) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]int(t))
}

func (t *TokenIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var ids []int
		if err := json.Unmarshal(data, &ids); err != nil {
			return err
		}
		*t = ids
		return nil
	}
	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("token ids: %w", err)
	}
	*t = TokenIDs{id}
	return nil
}

func (t TokenIDs) MarshalYAML() (any, error) {
	if len(t) == 1 {
		return t[0], nil
	}
	return []int(t), nil
}

func (t *TokenIDs) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var id int
		if err := node.Decode(&id); err != nil {
			return err
		}
		*t = TokenIDs{id}
	case yaml.SequenceNode:
		var ids []int
		if err := node.Decode(&ids); err != nil {
			return err
		}
		*t = ids
	default:
		return fmt.Errorf("token ids: line %d: expected an integer or a list", node.Line)
	}
	return nil
}

// ForceWord is one entry of force_words_ids: either a single phrase that
// must appear verbatim, or a set of alternative phrases of which one must
// appear.
type ForceWord struct {
	Phrase       []int
	Alternatives [][]int
}

// Constraint builds the automaton for the entry.
func (w ForceWord) Constraint() (constraints.Constraint, error) {
	switch {
	case w.Alternatives != nil && w.Phrase != nil:
		return nil, fmt.Errorf("force word sets both a phrase and alternatives")
	case w.Alternatives != nil:
		return constraints.NewDisjunctive(w.Alternatives)
	default:
		return constraints.NewPhrasal(w.Phrase)
	}
}

func (w ForceWord) MarshalJSON() ([]byte, error) {
	if w.Alternatives != nil {
		return json.Marshal(w.Alternatives)
	}
	return json.Marshal(w.Phrase)
}

func (w *ForceWord) UnmarshalJSON(data []byte) error {
	var phrase []int
	if err := json.Unmarshal(data, &phrase); err == nil {
		*w = ForceWord{Phrase: phrase}
		return nil
	}
	var alts [][]int
	if err := json.Unmarshal(data, &alts); err != nil {
		return fmt.Errorf("force word: expected a list of ids or a list of id lists: %w", err)
	}
	*w = ForceWord{Alternatives: alts}
	return nil
}

func (w ForceWord) MarshalYAML() (any, error) {
	if w.Alternatives != nil {
		return w.Alternatives, nil
	}
	return w.Phrase, nil
}

func (w *ForceWord) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("force word: line %d: expected a list", node.Line)
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var alts [][]int
		if err := node.Decode(&alts); err != nil {
			return err
		}
		*w = ForceWord{Alternatives: alts}
		return nil
	}
	var phrase []int
	if err := node.Decode(&phrase); err != nil {
		return err
	}
	*w = ForceWord{Phrase: phrase}
	return nil
}

// SequenceBias adds Bias to the last token of Tokens whenever the rest of
// Tokens ends the sequence generated so far.
type SequenceBias struct {
	Tokens []int   `json:"tokens" yaml:"tokens"`
	Bias   float32 `json:"bias" yaml:"bias"`
}
