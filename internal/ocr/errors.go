package ocr

import "fmt"

// ExecutionError marks a recognition attempt that failed or ran out of time.
// It is terminal for the attempt, not the page: the pipeline decides whether
// a retry is still available.
type ExecutionError struct {
	Backend  string
	TimedOut bool
	Cause    error
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("ocr %s: timed out: %v", e.Backend, e.Cause)
	}
	return fmt.Sprintf("ocr %s: %v", e.Backend, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
