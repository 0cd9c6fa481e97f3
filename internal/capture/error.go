// ABOUTME: Capture error taxonomy with the failing stage attached
// ABOUTME: Fatal to one capture attempt, recoverable by choosing another device
package capture

import "fmt"

// Stage names the operation that failed inside the capture layer.
type Stage string

const (
	StageOpen   Stage = "open"
	StageStart  Stage = "start"
	StageRead   Stage = "read"
	StageFormat Stage = "format"
)

// Error wraps a capture failure with the stage it occurred in and the
// underlying platform error, enough to diagnose a device or permission
// problem.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errAt(stage Stage, err error) *Error {
	return &Error{Stage: stage, Err: err}
}
