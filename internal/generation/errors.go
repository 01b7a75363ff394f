package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig reports a configuration that cannot be honored. It is
	// returned before any forward pass.
	ErrInvalidConfig = errors.New("generation: invalid configuration")
	// ErrUnsupported reports a capability the model or the inputs lack, such
	// as a cache-less model asked for contrastive search.
	ErrUnsupported = errors.New("generation: unsupported")
)

type configError struct {
	field string
	msg   string
}

func (e configError) Error() string {
	if e.field == "" {
		return "generation: " + e.msg
	}
	return "generation: invalid " + e.field + ": " + e.msg
}

func (e configError) Unwrap() error {
	return ErrInvalidConfig
}

func invalidConfig(field, format string, args ...any) error {
	return configError{field: field, msg: fmt.Sprintf(format, args...)}
}

type unsupportedError struct {
	msg string
}

func (e unsupportedError) Error() string {
	return "generation: " + e.msg
}

func (e unsupportedError) Unwrap() error {
	return ErrUnsupported
}

func unsupported(format string, args ...any) error {
	return unsupportedError{msg: fmt.Sprintf(format, args...)}
}
