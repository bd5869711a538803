package testjob

import (
	"errors"
	"fmt"

	"github.com/bcongdon/testjob/internal/pkg/corbuild"
)

var (
	// ErrJobNotFound is returned for ids the engine does not know.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when submitting an id that is already registered.
	ErrDuplicateJob = errors.New("job already submitted")
	// ErrJobKilled is returned by Result for a job that was killed.
	ErrJobKilled = errors.New("job was killed")
	// ErrTestJobsDisabled is returned by Submit when test jobs are turned off.
	ErrTestJobsDisabled = errors.New("test jobs are disabled")
	// ErrSchedulerClosed is returned by Submit after Close.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)

// ValidationError reports a request naming an unknown language or phase, or
// an input the selected backend cannot read.
type ValidationError = corbuild.ValidationError

// CompilationError carries a failed compiler's exit code and output.
type CompilationError = corbuild.CompilationError

// ExecutionError wraps a fault that stopped a pipeline, as opposed to a
// user program exiting with an error.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s failed to execute: %s", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
