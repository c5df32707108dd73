package command

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled means the owning operation was cancelled before the
	// command could complete.
	ErrCancelled = errors.New("command cancelled")

	// ErrRetriesExhausted means every allowed attempt failed transiently.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// CommandError is the typed failure of a command. Cause is the error of the
// last attempt.
type CommandError struct {
	Op       string
	Attempts int
	Cause    error
	// Exhausted is set when the retry budget ran out.
	Exhausted bool
}

func (e *CommandError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: %v after %d attempts: %v", e.Op, ErrRetriesExhausted, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Cause)
}

// Unwrap exposes both the cause and, when applicable, ErrRetriesExhausted.
func (e *CommandError) Unwrap() []error {
	if e.Exhausted {
		return []error{e.Cause, ErrRetriesExhausted}
	}
	return []error{e.Cause}
}
