package beam

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseEarlyStopping accepts "true", "false" or "never".
func ParseEarlyStopping(s string) (EarlyStopping, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "false", "":
		return Heuristic, nil
	case "true":
		return Always, nil
	case "never":
		return Never, nil
	}
	return Heuristic, fmt.Errorf("%w: early_stopping must be true, false or \"never\", got %q", ErrInvalidConfig, s)
}

// MarshalJSON encodes the mode as a boolean or the string "never".
func (e EarlyStopping) MarshalJSON() ([]byte, error) {
	if e == Never {
		return []byte(`"never"`), nil
	}
	return []byte(e.String()), nil
}

// UnmarshalJSON accepts true, false, "true", "false" and "never".
func (e *EarlyStopping) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	if s == "null" {
		*e = Heuristic
		return nil
	}
	v, err := ParseEarlyStopping(s)
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// MarshalYAML mirrors MarshalJSON.
func (e EarlyStopping) MarshalYAML() (any, error) {
	switch e {
	case Never:
		return "never", nil
	case Always:
		return true, nil
	}
	return false, nil
}

// UnmarshalYAML accepts the same values as UnmarshalJSON.
func (e *EarlyStopping) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: early_stopping must be a scalar (line %d)", ErrInvalidConfig, n.Line)
	}
	v, err := ParseEarlyStopping(n.Value)
	if err != nil {
		return err
	}
	*e = v
	return nil
}
