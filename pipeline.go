package testjob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/mattn/go-shellwords"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/testjob/internal/pkg/corexec"
	"github.com/bcongdon/testjob/internal/pkg/corfs"
	"github.com/bcongdon/testjob/internal/pkg/corstream"
)

// Defaults for pipeline execution
const (
	DefaultInputCap          = 1024
	DefaultExecutableTimeout = 30 * time.Second
)

// Stage is a step of the pipeline reported to a PhaseObserver.
type Stage string

// Pipeline stages, in execution order
const (
	StageMap    Stage = "map"
	StageSort   Stage = "sort"
	StageReduce Stage = "reduce"
)

// PhaseObserver is called as each stage of a job starts.
type PhaseObserver func(jobID string, stage Stage)

// Runner runs one job to completion.
type Runner interface {
	Run(ctx context.Context) (*JobResult, error)
}

// Pipeline runs a job's mapper, sorts the mapper's output, and runs the
// reducer over the sorted lines.
type Pipeline struct {
	job       JobSubmission
	inputCap  int64
	timeout   time.Duration
	tempDir   string
	fs        corfs.FileSystem
	suCommand string
	observer  PhaseObserver
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithInputCap bounds the number of input bytes fed to the mapper.
func WithInputCap(n int64) PipelineOption {
	return func(p *Pipeline) {
		p.inputCap = n
	}
}

// WithExecutableTimeout bounds each subprocess the pipeline runs.
func WithExecutableTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.timeout = timeout
	}
}

// WithTempDir sets the directory for captured output and intermediate files.
func WithTempDir(dir string) PipelineOption {
	return func(p *Pipeline) {
		p.tempDir = dir
	}
}

// WithFileSystem sets the filesystem inputs are read from. By default it is
// inferred from the first input path.
func WithFileSystem(fs corfs.FileSystem) PipelineOption {
	return func(p *Pipeline) {
		p.fs = fs
	}
}

// WithSwitchUserCommand runs the mapper and reducer through a wrapper
// command such as "sudo -n -u sandbox ${cmd}". ${cmd} is replaced by the
// executable path; without it the path is appended.
func WithSwitchUserCommand(command string) PipelineOption {
	return func(p *Pipeline) {
		p.suCommand = command
	}
}

// WithPhaseObserver registers a callback invoked as each stage starts.
func WithPhaseObserver(observer PhaseObserver) PipelineOption {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

// NewPipeline creates a Pipeline for job.
func NewPipeline(job JobSubmission, options ...PipelineOption) *Pipeline {
	p := &Pipeline{
		job:      job,
		inputCap: DefaultInputCap,
		timeout:  DefaultExecutableTimeout,
		tempDir:  os.TempDir(),
	}
	for _, f := range options {
		f(p)
	}
	return p
}

// phaseFiles tracks the temp files created by one run so that a failed run
// can remove them.
type phaseFiles struct {
	paths []string
}

func (f *phaseFiles) create(dir, pattern string) (*os.File, error) {
	file, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("could not create temp file: %w", err)
	}
	f.paths = append(f.paths, file.Name())
	return file, nil
}

func (f *phaseFiles) removeAll() {
	for _, path := range f.paths {
		os.Remove(path)
	}
}

// Run executes the job. A user program that fails or times out is reported
// in the JobResult; an error means the pipeline itself could not run, or
// that ctx was cancelled, in which case every subprocess started by the run
// has been killed.
func (p *Pipeline) Run(ctx context.Context) (result *JobResult, err error) {
	logger := log.WithField("job", p.job.ID)

	files := &phaseFiles{}
	defer func() {
		if err != nil {
			files.removeAll()
		}
	}()

	input := p.openInput()
	defer input.Close()

	p.notify(StageMap)
	mapResult, mapBytes, err := p.runPhase(ctx, "map", p.job.Mapper, input, files)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Mapper read %s and exited with %d, writing %s",
		humanize.Bytes(uint64(input.Count())), mapResult.ExitCode, humanize.Bytes(uint64(mapBytes)))

	result = &JobResult{Map: mapResult}
	if mapResult.ExitCode != 0 || mapBytes == 0 {
		return result, nil
	}

	p.notify(StageSort)
	sorted, err := p.sort(ctx, mapResult.OutputFile)
	if err != nil {
		return nil, err
	}
	defer os.Remove(sorted)

	sortedReader, err := os.Open(sorted)
	if err != nil {
		return nil, fmt.Errorf("could not open sorted map output: %w", err)
	}
	defer sortedReader.Close()

	p.notify(StageReduce)
	reduceResult, reduceBytes, err := p.runPhase(ctx, "reduce", p.job.Reducer, sortedReader, files)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Reducer exited with %d, writing %s", reduceResult.ExitCode, humanize.Bytes(uint64(reduceBytes)))

	result.Reduce = &reduceResult
	return result, nil
}

func (p *Pipeline) notify(stage Stage) {
	if p.observer != nil {
		p.observer(p.job.ID, stage)
	}
}

func (p *Pipeline) openInput() *corstream.CapReader {
	sources := make([]corstream.Source, len(p.job.Inputs))
	for i, input := range p.job.Inputs {
		sources[i] = corstream.Source{Name: input.Path, Size: input.Size}
	}

	fs := p.fs
	if fs == nil {
		if len(p.job.Inputs) > 0 {
			fs = corfs.InferFilesystem(p.job.Inputs[0].Path)
		} else {
			fs = &corfs.LocalFileSystem{}
		}
	}

	return corstream.NewCapReader(corstream.NewConcatReader(sources, fs.OpenReader), p.inputCap)
}

// resolveExecutable makes a relative executable path absolute against the
// package directory and marks it executable.
func (p *Pipeline) resolveExecutable(executable string) (string, error) {
	if executable == "" {
		return "", fmt.Errorf("no executable given")
	}
	if filepath.IsAbs(executable) {
		return executable, nil
	}

	resolved := filepath.Join(p.job.PackageDir, executable)
	if err := os.Chmod(resolved, 0755); err != nil {
		return "", fmt.Errorf("could not make %s executable: %w", executable, err)
	}
	return resolved, nil
}

// command builds the argv for running executable, applying the switch-user
// wrapper if one is configured.
func (p *Pipeline) command(executable string) ([]string, error) {
	if p.suCommand == "" {
		return []string{executable}, nil
	}

	args, err := shellwords.Parse(p.suCommand)
	if err != nil {
		return nil, fmt.Errorf("invalid switch user command %q: %w", p.suCommand, err)
	}
	substituted := false
	for i, arg := range args {
		if strings.Contains(arg, "${cmd}") {
			args[i] = strings.ReplaceAll(arg, "${cmd}", executable)
			substituted = true
		}
	}
	if !substituted {
		args = append(args, executable)
	}
	return args, nil
}

// runPhase runs one user executable with stdin, capturing its output and
// error streams into temp files. It returns the number of bytes written to
// stdout.
func (p *Pipeline) runPhase(ctx context.Context, name, executable string, stdin io.Reader, files *phaseFiles) (PhaseResult, int64, error) {
	resolved, err := p.resolveExecutable(executable)
	if err != nil {
		return PhaseResult{}, 0, err
	}
	args, err := p.command(resolved)
	if err != nil {
		return PhaseResult{}, 0, err
	}

	stdout, err := files.create(p.tempDir, "testjob-"+name+"-out-")
	if err != nil {
		return PhaseResult{}, 0, err
	}
	defer stdout.Close()
	stderr, err := files.create(p.tempDir, "testjob-"+name+"-err-")
	if err != nil {
		return PhaseResult{}, 0, err
	}
	defer stderr.Close()

	res, err := corexec.Run(ctx, corexec.Command{
		Path:    args[0],
		Args:    args[1:],
		Dir:     p.job.PackageDir,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: p.timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return PhaseResult{}, 0, ctx.Err()
		}
		return PhaseResult{}, 0, fmt.Errorf("could not run %s: %w", name, err)
	}

	result := PhaseResult{ExitCode: res.ExitCode, TimedOut: res.TimedOut}
	if res.TimedOut {
		log.WithField("job", p.job.ID).Warnf("%s timed out after %s", name, p.timeout)
	}

	var outBytes int64
	result.OutputFile, outBytes, err = keepIfNonEmpty(stdout)
	if err != nil {
		return PhaseResult{}, 0, err
	}
	result.ErrorFile, _, err = keepIfNonEmpty(stderr)
	if err != nil {
		return PhaseResult{}, 0, err
	}
	return result, outBytes, nil
}

// keepIfNonEmpty closes file and deletes it if nothing was written to it.
// It returns the path to keep ("" if deleted) and the file's size.
func keepIfNonEmpty(file *os.File) (string, int64, error) {
	info, err := file.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("could not stat %s: %w", file.Name(), err)
	}
	file.Close()

	if info.Size() == 0 {
		os.Remove(file.Name())
		return "", 0, nil
	}
	return file.Name(), info.Size(), nil
}

// sort sorts the lines of path into a new temp file and returns its path.
func (p *Pipeline) sort(ctx context.Context, path string) (string, error) {
	sorted, err := os.CreateTemp(p.tempDir, "testjob-sorted-")
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	defer sorted.Close()

	fail := func(err error) (string, error) {
		sorted.Close()
		os.Remove(sorted.Name())
		return "", err
	}

	args := []string{}
	if p.job.NumericSort {
		args = append(args, "-n")
	}
	args = append(args, path)

	var stderr bytes.Buffer
	res, err := corexec.Run(ctx, corexec.Command{
		Path:    "sort",
		Args:    args,
		Env:     []string{"LC_ALL=C"},
		Stdout:  sorted,
		Stderr:  &stderr,
		Timeout: p.timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(fmt.Errorf("could not run sort: %w", err))
	}
	if res.TimedOut {
		return fail(fmt.Errorf("sort timed out after %s", p.timeout))
	}
	if res.ExitCode != 0 {
		return fail(fmt.Errorf("sort exited with %d: %s", res.ExitCode, strings.TrimSpace(stderr.String())))
	}

	return sorted.Name(), nil
}
