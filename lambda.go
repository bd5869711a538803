package testjob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/testjob/internal/pkg/corfs"
	"github.com/bcongdon/testjob/internal/pkg/coriam"
	"github.com/bcongdon/testjob/internal/pkg/corlambda"
)

// maxRemoteOutput bounds each captured stream returned inline by the
// function, so that a result stays under Lambda's response size limit.
// Larger streams are written to the spill location when one is configured
// and truncated otherwise.
const maxRemoteOutput = 1 << 20

// runningInLambda infers if the program is running in AWS lambda via inspection of the environment
func runningInLambda() bool {
	expectedEnvVars := []string{"LAMBDA_TASK_ROOT", "AWS_LAMBDA_RUNTIME_API"}
	for _, envVar := range expectedEnvVars {
		if os.Getenv(envVar) == "" {
			return false
		}
	}
	return true
}

// ServeIfInLambda serves test jobs sent by a lambda backend when the program
// is running inside AWS Lambda. It does not return in that case.
func ServeIfInLambda() {
	if runningInLambda() {
		lambda.Start(handleRequest)
	}
}

// remoteTask is the invocation payload. Package holds the zipped job
// package directory.
type remoteTask struct {
	Job               JobSubmission `json:"job"`
	Package           []byte        `json:"package"`
	InputCap          int64         `json:"input_cap"`
	ExecutableTimeout time.Duration `json:"executable_timeout"`
	SpillLocation     string        `json:"spill_location,omitempty"`
}

// remoteStream is one captured stream of a phase. Either Contents holds the
// stream (possibly cut short) or Object names where the whole stream was
// written. Size is always the full size.
type remoteStream struct {
	Contents []byte `json:"contents,omitempty"`
	Object   string `json:"object,omitempty"`
	Size     int64  `json:"size"`
}

func (s remoteStream) truncated() bool {
	return s.Object == "" && int64(len(s.Contents)) < s.Size
}

type remotePhase struct {
	ExitCode int          `json:"exit_code"`
	TimedOut bool         `json:"timed_out"`
	Output   remoteStream `json:"output"`
	Error    remoteStream `json:"error"`
}

type remoteResult struct {
	Map    remotePhase  `json:"map"`
	Reduce *remotePhase `json:"reduce,omitempty"`
}

func handleRequest(ctx context.Context, task remoteTask) (*remoteResult, error) {
	workDir, err := os.MkdirTemp("", "testjob-remote-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	packageDir := filepath.Join(workDir, "package")
	if err := os.MkdirAll(packageDir, 0700); err != nil {
		return nil, err
	}
	if err := corfs.Unzip(task.Package, packageDir); err != nil {
		return nil, fmt.Errorf("could not unpack job package: %w", err)
	}

	job := task.Job
	job.PackageDir = packageDir
	pipeline := NewPipeline(job,
		WithInputCap(task.InputCap),
		WithExecutableTimeout(task.ExecutableTimeout),
		WithTempDir(workDir),
	)
	result, err := pipeline.Run(ctx)
	if err != nil {
		return nil, err
	}
	defer result.Remove()

	var spillPrefix string
	if task.SpillLocation != "" {
		fs := corfs.InferFilesystem(task.SpillLocation)
		spillPrefix = fs.Join(task.SpillLocation, job.ID)
	}
	return packResult(result, spillPrefix)
}

// packStream reads the captured stream at path. A stream larger than
// maxRemoteOutput is copied to object when object is set and cut short
// otherwise.
func packStream(path, object string) (remoteStream, error) {
	if path == "" {
		return remoteStream{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return remoteStream{}, fmt.Errorf("could not stat phase output: %w", err)
	}
	stream := remoteStream{Size: info.Size()}

	if stream.Size > maxRemoteOutput && object != "" {
		if err := spillStream(path, object); err != nil {
			return stream, fmt.Errorf("could not write %s: %w", object, err)
		}
		stream.Object = object
		return stream, nil
	}

	contents, err := ReadPhaseOutput(path, maxRemoteOutput)
	if err != nil {
		return stream, err
	}
	stream.Contents = []byte(contents)
	if stream.truncated() {
		log.Warnf("Truncating %s from %s to %s; set spill_location to keep all of it",
			filepath.Base(path), humanize.Bytes(uint64(stream.Size)), humanize.Bytes(maxRemoteOutput))
	}
	return stream, nil
}

func spillStream(path, object string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	fs := corfs.InitFilesystem(corfs.InferFilesystemType(object))
	writer, err := fs.OpenWriter(object)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, src); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

func packPhase(name string, phase PhaseResult, spillPrefix string) (remotePhase, error) {
	packed := remotePhase{ExitCode: phase.ExitCode, TimedOut: phase.TimedOut}

	object := func(string) string { return "" }
	if spillPrefix != "" {
		fs := corfs.InferFilesystem(spillPrefix)
		object = func(stream string) string { return fs.Join(spillPrefix, name+"-"+stream) }
	}

	var err error
	if packed.Output, err = packStream(phase.OutputFile, object("out")); err != nil {
		return packed, err
	}
	packed.Error, err = packStream(phase.ErrorFile, object("err"))
	return packed, err
}

func packResult(result *JobResult, spillPrefix string) (*remoteResult, error) {
	mapPhase, err := packPhase("map", result.Map, spillPrefix)
	if err != nil {
		return nil, err
	}
	packed := &remoteResult{Map: mapPhase}
	if result.Reduce != nil {
		reducePhase, err := packPhase("reduce", *result.Reduce, spillPrefix)
		if err != nil {
			return nil, err
		}
		packed.Reduce = &reducePhase
	}
	return packed, nil
}

func (r *remoteResult) phases() []remotePhase {
	phases := []remotePhase{r.Map}
	if r.Reduce != nil {
		phases = append(phases, *r.Reduce)
	}
	return phases
}

// deleteSpilled removes every object the function wrote for this result.
func (r *remoteResult) deleteSpilled() {
	for _, phase := range r.phases() {
		for _, stream := range []remoteStream{phase.Output, phase.Error} {
			if stream.Object == "" {
				continue
			}
			fs := corfs.InitFilesystem(corfs.InferFilesystemType(stream.Object))
			if err := fs.Delete(stream.Object); err != nil {
				log.Warnf("Could not delete %s: %s", stream.Object, err)
			}
		}
	}
}

// unpack writes the returned streams to local files so that a remote result
// looks like one produced by a local Pipeline. Spilled streams are fetched
// and then deleted.
func (r *remoteResult) unpack(tempDir string) (result *JobResult, err error) {
	files := &phaseFiles{}
	defer r.deleteSpilled()
	defer func() {
		if err != nil {
			files.removeAll()
		}
	}()

	unpackPhase := func(name string, phase remotePhase) (PhaseResult, error) {
		unpacked := PhaseResult{ExitCode: phase.ExitCode, TimedOut: phase.TimedOut}
		var err error
		if unpacked.OutputFile, err = writeStream(files, tempDir, "testjob-"+name+"-out-", phase.Output); err != nil {
			return unpacked, err
		}
		unpacked.ErrorFile, err = writeStream(files, tempDir, "testjob-"+name+"-err-", phase.Error)
		return unpacked, err
	}

	mapPhase, err := unpackPhase("map", r.Map)
	if err != nil {
		return nil, err
	}
	result = &JobResult{Map: mapPhase}
	if r.Reduce != nil {
		reducePhase, err := unpackPhase("reduce", *r.Reduce)
		if err != nil {
			return nil, err
		}
		result.Reduce = &reducePhase
	}
	return result, nil
}

func writeStream(files *phaseFiles, dir, pattern string, stream remoteStream) (string, error) {
	if len(stream.Contents) == 0 && stream.Object == "" {
		return "", nil
	}
	if stream.truncated() {
		log.Warnf("Only the first %s of %s of output was returned",
			humanize.Bytes(uint64(len(stream.Contents))), humanize.Bytes(uint64(stream.Size)))
	}

	file, err := files.create(dir, pattern)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var src io.Reader = bytes.NewReader(stream.Contents)
	if stream.Object != "" {
		fs := corfs.InitFilesystem(corfs.InferFilesystemType(stream.Object))
		reader, err := fs.OpenReader(stream.Object, 0)
		if err != nil {
			return "", fmt.Errorf("could not open %s: %w", stream.Object, err)
		}
		defer reader.Close()
		src = reader
	}
	if _, err := io.Copy(file, src); err != nil {
		return "", fmt.Errorf("could not write %s: %w", file.Name(), err)
	}
	return file.Name(), nil
}

// lambdaRunner runs one job by invoking the deployed function.
type lambdaRunner struct {
	job           JobSubmission
	client        *corlambda.LambdaClient
	functionName  string
	spillLocation string
	pipeline      *Pipeline
}

func (l *lambdaRunner) Run(ctx context.Context) (*JobResult, error) {
	l.pipeline.notify(StageMap)

	pkg, err := corfs.ZipDir(l.job.PackageDir)
	if err != nil {
		return nil, fmt.Errorf("could not package job: %w", err)
	}

	payload, err := json.Marshal(remoteTask{
		Job:               l.job,
		Package:           pkg,
		InputCap:          l.pipeline.inputCap,
		ExecutableTimeout: l.pipeline.timeout,
		SpillLocation:     l.spillLocation,
	})
	if err != nil {
		return nil, err
	}

	output, err := l.client.InvokeContext(ctx, l.functionName, payload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var remote remoteResult
	if err := json.Unmarshal(output, &remote); err != nil {
		return nil, fmt.Errorf("could not decode function response: %w", err)
	}
	return remote.unpack(l.pipeline.tempDir)
}

// lambdaEngine runs each job in a single invocation of a deployed Lambda
// function. Inputs must be in S3.
type lambdaEngine struct {
	schedulerEngine
	client *corlambda.LambdaClient
}

func newLambdaEngine(c *config, client *corlambda.LambdaClient) *lambdaEngine {
	return &lambdaEngine{
		schedulerEngine: schedulerEngine{
			config:    c,
			scheduler: NewScheduler(c.schedulerOpts()...),
		},
		client: client,
	}
}

// deployLambdaEngine deploys the function and its IAM role before creating
// the engine.
func deployLambdaEngine(c *config) (*lambdaEngine, error) {
	iamClient := coriam.NewIAMClient()
	roleARN, err := iamClient.DeployPermissions(c.RoleName)
	if err != nil {
		return nil, err
	}

	client := corlambda.NewLambdaClient()
	functionConfig := &corlambda.FunctionConfig{
		Name:       c.FunctionName,
		RoleARN:    roleARN,
		Timeout:    c.LambdaTimeout,
		MemorySize: c.LambdaMemory,
	}
	if err := client.DeployFunction(functionConfig); err != nil {
		return nil, err
	}
	return newLambdaEngine(c, client), nil
}

func (e *lambdaEngine) Submit(ctx context.Context, job JobSubmission) error {
	if err := e.checkSubmission(ctx, job); err != nil {
		return err
	}
	for _, input := range job.Inputs {
		if corfs.InferFilesystemType(input.Path) != corfs.S3 {
			return &ValidationError{Field: "lambda input (must be s3://)", Value: input.Path}
		}
	}

	runner := &lambdaRunner{
		job:           job,
		client:        e.client,
		functionName:  e.config.FunctionName,
		spillLocation: e.config.SpillLocation,
		pipeline:      NewPipeline(job, e.config.pipelineOpts()...),
	}
	return e.scheduler.Submit(job.ID, runner)
}

// Undeploy deletes the configured Lambda function and its IAM role.
func Undeploy(options ...Option) error {
	c := buildConfig(options)

	log.Infof("Deleting Lambda function '%s'", c.FunctionName)
	if err := corlambda.NewLambdaClient().DeleteFunction(c.FunctionName); err != nil {
		log.Errorf("Error deleting function: %s", err)
	}

	log.Infof("Deleting IAM role '%s'", c.RoleName)
	return coriam.NewIAMClient().DeletePermissions(c.RoleName)
}
