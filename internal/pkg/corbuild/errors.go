package corbuild

import "fmt"

// ValidationError reports a build request naming an unknown language or
// phase.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unrecognized %s: %q", e.Field, e.Value)
}

// CompilationError reports a compiler that failed, timed out, could not be
// launched, or did not produce an executable. Output holds everything the
// compiler wrote to stdout and stderr.
type CompilationError struct {
	Phase    Phase
	ExitCode int
	Output   string
	Reason   string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("compiling %s failed (exit code %d): %s", e.Phase, e.ExitCode, e.Reason)
}
