package testjob

import (
	"fmt"
	"io"
	"os"

	"github.com/bcongdon/testjob/internal/pkg/corbuild"
	"github.com/bcongdon/testjob/internal/pkg/corexec"
	"github.com/bcongdon/testjob/internal/pkg/corfs"
)

// ExitCodeTimedOut is the exit code recorded for a phase that was killed for
// outrunning its timeout.
const ExitCodeTimedOut = corexec.ExitCodeTimedOut

// Builder turns user source into executables inside a job package directory.
type Builder = corbuild.Builder

// LanguageProfile describes how to wrap, compile and run one language.
type LanguageProfile = corbuild.LanguageProfile

// Phase names the mapper or reducer half of a job when building it.
type Phase = corbuild.Phase

// Build phases
const (
	MapperPhase  = corbuild.MapperPhase
	ReducerPhase = corbuild.ReducerPhase
)

// InputSource is one input file and the number of bytes to read from it.
type InputSource struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// JobSubmission describes one test job. Mapper and Reducer are executable
// paths; relative paths are resolved against PackageDir.
type JobSubmission struct {
	ID          string        `json:"id"`
	Inputs      []InputSource `json:"inputs"`
	Mapper      string        `json:"mapper"`
	Reducer     string        `json:"reducer"`
	PackageDir  string        `json:"package_dir"`
	NumericSort bool          `json:"numeric_sort"`
}

// PhaseResult is the outcome of running one phase. OutputFile and ErrorFile
// name files holding the phase's captured stdout and stderr; they are empty
// when the phase wrote nothing to that stream. The files belong to the
// caller.
type PhaseResult struct {
	ExitCode   int
	TimedOut   bool
	OutputFile string
	ErrorFile  string
}

// Succeeded reports whether the phase exited 0.
func (p PhaseResult) Succeeded() bool {
	return p.ExitCode == 0 && !p.TimedOut
}

// JobResult is the outcome of a settled job. Reduce is nil when the mapper
// failed or produced no output.
type JobResult struct {
	Map    PhaseResult
	Reduce *PhaseResult
}

// Succeeded reports whether every phase that ran exited 0.
func (r *JobResult) Succeeded() bool {
	if !r.Map.Succeeded() {
		return false
	}
	return r.Reduce == nil || r.Reduce.Succeeded()
}

// Files lists every captured output file referenced by the result.
func (r *JobResult) Files() []string {
	phases := []PhaseResult{r.Map}
	if r.Reduce != nil {
		phases = append(phases, *r.Reduce)
	}

	files := make([]string, 0, 4)
	for _, phase := range phases {
		for _, file := range []string{phase.OutputFile, phase.ErrorFile} {
			if file != "" {
				files = append(files, file)
			}
		}
	}
	return files
}

// Remove deletes the captured output files referenced by the result.
func (r *JobResult) Remove() error {
	var firstErr error
	for _, file := range r.Files() {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InputsFromPath lists the input files at location (a file, a directory, or
// an s3:// prefix) as InputSources, skipping hidden and "_"-prefixed entries.
func InputsFromPath(location string) ([]InputSource, error) {
	fs := corfs.InferFilesystem(location)
	files, err := corfs.ListInputFiles(fs, location)
	if err != nil {
		return nil, err
	}

	inputs := make([]InputSource, len(files))
	for i, file := range files {
		inputs[i] = InputSource{Path: file.Name, Size: file.Size}
	}
	return inputs, nil
}

// ReadPhaseOutput returns up to limit bytes of a captured output file. An
// empty path yields "". A negative limit reads the whole file.
func ReadPhaseOutput(path string, limit int64) (string, error) {
	if path == "" {
		return "", nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open phase output: %w", err)
	}
	defer file.Close()

	var reader io.Reader = file
	if limit >= 0 {
		reader = io.LimitReader(file, limit)
	}
	contents, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("could not read phase output: %w", err)
	}
	return string(contents), nil
}
