package jobctl

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadflow/pkg/stepapi"
)

// ErrBusy is returned when a step is already submitting or running.
var ErrBusy = eris.New("jobctl: step is busy")

// ErrWrongKind is returned when a sync operation targets an async step or
// the reverse.
var ErrWrongKind = eris.New("jobctl: operation does not match step kind")

// SubmissionError is a rejected or failed start request.
type SubmissionError struct {
	StepID int
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("jobctl: submit step %d: %v", e.StepID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Message returns the service's error text when it supplied one.
func (e *SubmissionError) Message() string {
	return remoteMessage(e.Err)
}

// StopError is a failed cancellation request. The job keeps being polled.
type StopError struct {
	Handle Handle
	Err    error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("jobctl: stop %s: %v", e.Handle, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// Message returns the service's error text when it supplied one.
func (e *StopError) Message() string {
	return remoteMessage(e.Err)
}

func remoteMessage(err error) string {
	var apiErr *stepapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
