package compute

import (
	"errors"
	"fmt"
)

// ErrCyclicDependency is returned when a field's reference set would
// (transitively) include itself. Surfaced synchronously to the caller that
// attempted the structural change, and by the scheduler if a cycle slips in
// through a race.
var ErrCyclicDependency = errors.New("cyclic field dependency")

// ErrRetryExhausted is returned when a recomputation pass keeps losing to
// concurrent document changes beyond the configured retry bound.
var ErrRetryExhausted = errors.New("recomputation retries exhausted")

// ErrStaleGraph is returned when the dependency graph changed while a plan
// was being built from its snapshot. The pass is re-run from extraction.
var ErrStaleGraph = errors.New("stale graph snapshot")

// Error value codes stored in fields whose evaluation failed.
const (
	ErrCodeBrokenReference = "broken_reference"
	ErrCodeEvalError       = "eval_error"
	ErrCodeTimeout         = "eval_timeout"
)

// ErrorValue is the typed error stored as a derived field's value when its
// evaluation fails. Users see the error instead of a stale or blank value,
// and sibling computations in the same plan are unaffected.
type ErrorValue struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func brokenReference(fieldID string) ErrorValue {
	return ErrorValue{Error: true, Code: ErrCodeBrokenReference, Message: fmt.Sprintf("referenced field %s no longer exists", fieldID)}
}

func evalFailure(err error) ErrorValue {
	return ErrorValue{Error: true, Code: ErrCodeEvalError, Message: err.Error()}
}

func evalTimeout() ErrorValue {
	return ErrorValue{Error: true, Code: ErrCodeTimeout, Message: "evaluation timed out"}
}

// IsErrorValue reports whether a stored field value is an evaluation error.
func IsErrorValue(v any) (ErrorValue, bool) {
	ev, ok := v.(ErrorValue)
	return ev, ok
}
