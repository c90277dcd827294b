package cron

import "fmt"

// ParseError is returned when user input is not a valid cron expression.
type ParseError struct {
	Value  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Unable to parse cron expression \"%s\": %s", e.Value, e.Reason)
}

func newParseError(value, format string, args ...any) *ParseError {
	return &ParseError{Value: value, Reason: fmt.Sprintf(format, args...)}
}

// RuntimeError is returned when a schedule read back from the cluster
// cannot be understood.
type RuntimeError struct {
	Actual  string
	Message string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("Failed to parse cron expression '%s': %s", e.Actual, e.Message)
}
