package core

import "fmt"

// ValidationError reports a rejected label, team or position.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// FormatError reports an unparseable game time or clock string.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid time format %q: %s", e.Input, e.Reason)
}

// PreconditionError reports an operation that needs state the store lacks,
// such as autofill without a bound video.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// PersistenceError reports a sidecar write that did not reach disk.
// The in-memory change that triggered the write is kept.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("annotations not saved: %v", e.Err)
	}
	return fmt.Sprintf("annotations not saved to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a lookup by identifier that matched nothing.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}
