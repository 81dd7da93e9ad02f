package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMessage reports an attempt to encode a message variant
	// the codec does not know.
	ErrUnsupportedMessage = errors.New("protocol: unsupported server message")
)

// MissingVariableError reports a declared, non-nullable variable with no
// provided value and no default.
type MissingVariableError struct {
	Name string
}

func (e MissingVariableError) Error() string {
	return fmt.Sprintf("missing required variable %q", e.Name)
}
