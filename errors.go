package compliance

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Start when an interceptor is started twice.
var ErrAlreadyStarted = errors.New("interceptor already started")

// ParseError reports a capture line that is not valid JSON or not a valid annotated message.
type ParseError struct {
	// Line is the 0-based index of the offending line in the capture file.
	Line    int
	Content string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse capture line %d %q: %v", e.Line, e.Content, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError reports a message that does not conform to the annotated message schema.
type ValidationError struct {
	// Index is the position of the message in the validated sequence.
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message at index %d: %s", e.Index, e.Reason)
}

// ConfigError reports an interceptor configuration that cannot be started.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}
