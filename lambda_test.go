package testjob

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcongdon/testjob/internal/pkg/corfs"
	"github.com/bcongdon/testjob/internal/pkg/corlambda"
)

func TestRunningInLambda(t *testing.T) {
	t.Setenv("LAMBDA_TASK_ROOT", "")
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	assert.False(t, runningInLambda())

	t.Setenv("LAMBDA_TASK_ROOT", "/var/task")
	assert.False(t, runningInLambda())

	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	assert.True(t, runningInLambda())
}

// lambdaPackage writes a job package and returns a matching submission.
func lambdaPackage(t *testing.T, mapper, reducer string) JobSubmission {
	dir := t.TempDir()
	for name, body := range map[string]string{"mapper.sh": mapper, "reducer.sh": reducer} {
		require.Nil(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755))
	}

	input := filepath.Join(t.TempDir(), "input")
	require.Nil(t, os.WriteFile(input, []byte("b\na\nb\n"), 0644))

	return JobSubmission{
		ID:         "remote",
		Inputs:     []InputSource{{Path: input, Size: 6}},
		Mapper:     "mapper.sh",
		Reducer:    "reducer.sh",
		PackageDir: dir,
	}
}

func remoteTaskFor(t *testing.T, job JobSubmission) remoteTask {
	pkg, err := corfs.ZipDir(job.PackageDir)
	require.Nil(t, err)
	job.PackageDir = ""
	return remoteTask{
		Job:               job,
		Package:           pkg,
		InputCap:          DefaultInputCap,
		ExecutableTimeout: 5 * time.Second,
	}
}

func TestHandleRequest(t *testing.T) {
	job := lambdaPackage(t, "cat\necho mapped >&2", "uniq -c | wc -l")

	result, err := handleRequest(context.Background(), remoteTaskFor(t, job))
	require.Nil(t, err)

	assert.Equal(t, 0, result.Map.ExitCode)
	assert.Equal(t, "b\na\nb\n", string(result.Map.Output.Contents))
	assert.Equal(t, int64(6), result.Map.Output.Size)
	assert.Equal(t, "mapped\n", string(result.Map.Error.Contents))
	require.NotNil(t, result.Reduce)
	assert.Contains(t, string(result.Reduce.Output.Contents), "2")
	assert.Empty(t, result.Reduce.Error.Contents)
}

// largeMapper writes largeOutputSize bytes without reading its input.
const (
	largeOutputSize = maxRemoteOutput + 4096
	largeMapper     = "head -c 1052672 /dev/zero | tr '\\0' a"
)

func warnings(hook *logtest.Hook) []string {
	var messages []string
	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel {
			messages = append(messages, entry.Message)
		}
	}
	return messages
}

func TestHandleRequestSpillsLargeOutput(t *testing.T) {
	job := lambdaPackage(t, largeMapper, "wc -c")
	spillDir := t.TempDir()
	task := remoteTaskFor(t, job)
	task.SpillLocation = spillDir

	result, err := handleRequest(context.Background(), task)
	require.Nil(t, err)

	object := filepath.Join(spillDir, job.ID, "map-out")
	assert.Equal(t, object, result.Map.Output.Object)
	assert.Empty(t, result.Map.Output.Contents)
	assert.Equal(t, int64(largeOutputSize), result.Map.Output.Size)

	info, err := os.Stat(object)
	require.Nil(t, err)
	assert.Equal(t, int64(largeOutputSize), info.Size())

	// Small streams are still returned inline.
	require.NotNil(t, result.Reduce)
	assert.Equal(t, "", result.Reduce.Output.Object)
	assert.NotEmpty(t, result.Reduce.Output.Contents)
}

func TestHandleRequestTruncatesWithoutSpillLocation(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	job := lambdaPackage(t, largeMapper, "wc -c")
	result, err := handleRequest(context.Background(), remoteTaskFor(t, job))
	require.Nil(t, err)

	assert.Equal(t, "", result.Map.Output.Object)
	assert.Len(t, result.Map.Output.Contents, maxRemoteOutput)
	assert.Equal(t, int64(largeOutputSize), result.Map.Output.Size)
	assert.True(t, result.Map.Output.truncated())

	messages := warnings(hook)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "Truncating")
}

func TestHandleRequestMapperFails(t *testing.T) {
	job := lambdaPackage(t, "exit 4", "cat")

	result, err := handleRequest(context.Background(), remoteTaskFor(t, job))
	require.Nil(t, err)
	assert.Equal(t, 4, result.Map.ExitCode)
	assert.Nil(t, result.Reduce)
}

func TestHandleRequestBadPackage(t *testing.T) {
	task := remoteTask{Job: JobSubmission{ID: "bad"}, Package: []byte("not a zip")}
	_, err := handleRequest(context.Background(), task)
	assert.NotNil(t, err)
}

// lambdaHandlerMock serves invocations by calling handleRequest in process.
type lambdaHandlerMock struct {
	lambdaiface.LambdaAPI
	invocations int
}

func (m *lambdaHandlerMock) InvokeWithContext(ctx aws.Context, input *lambda.InvokeInput, _ ...request.Option) (*lambda.InvokeOutput, error) {
	m.invocations++

	var task remoteTask
	if err := json.Unmarshal(input.Payload, &task); err != nil {
		return nil, err
	}
	result, err := handleRequest(ctx, task)
	if err != nil {
		return &lambda.InvokeOutput{
			FunctionError: aws.String("Unhandled"),
			Payload:       []byte(err.Error()),
		}, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &lambda.InvokeOutput{Payload: payload}, nil
}

func TestLambdaRunner(t *testing.T) {
	job := lambdaPackage(t, "cat", "uniq")
	mock := &lambdaHandlerMock{}
	tempDir := t.TempDir()

	var stages []Stage
	runner := &lambdaRunner{
		job:          job,
		client:       &corlambda.LambdaClient{Client: mock},
		functionName: "testjob_function",
		pipeline: NewPipeline(job, WithTempDir(tempDir), WithPhaseObserver(func(_ string, stage Stage) {
			stages = append(stages, stage)
		})),
	}

	result, err := runner.Run(context.Background())
	require.Nil(t, err)
	defer result.Remove()

	assert.Equal(t, 1, mock.invocations)
	assert.Equal(t, []Stage{StageMap}, stages)
	assert.True(t, result.Succeeded())
	assert.Equal(t, "", result.Map.ErrorFile)

	mapOutput, err := ReadPhaseOutput(result.Map.OutputFile, -1)
	require.Nil(t, err)
	assert.Equal(t, "b\na\nb\n", mapOutput)

	require.NotNil(t, result.Reduce)
	reduceOutput, err := ReadPhaseOutput(result.Reduce.OutputFile, -1)
	require.Nil(t, err)
	assert.Equal(t, "a\nb\n", reduceOutput)

	for _, file := range result.Files() {
		assert.Equal(t, tempDir, filepath.Dir(file))
	}
}

func TestLambdaRunnerFetchesSpilledOutput(t *testing.T) {
	job := lambdaPackage(t, largeMapper, "wc -c")
	mock := &lambdaHandlerMock{}
	spillDir := t.TempDir()

	runner := &lambdaRunner{
		job:           job,
		client:        &corlambda.LambdaClient{Client: mock},
		functionName:  "testjob_function",
		spillLocation: spillDir,
		pipeline:      NewPipeline(job, WithTempDir(t.TempDir())),
	}

	result, err := runner.Run(context.Background())
	require.Nil(t, err)
	defer result.Remove()

	info, err := os.Stat(result.Map.OutputFile)
	require.Nil(t, err)
	assert.Equal(t, int64(largeOutputSize), info.Size())

	mapOutput, err := ReadPhaseOutput(result.Map.OutputFile, 16)
	require.Nil(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaa", mapOutput)

	_, err = os.Stat(filepath.Join(spillDir, job.ID, "map-out"))
	assert.True(t, os.IsNotExist(err))
}

func TestLambdaRunnerFunctionError(t *testing.T) {
	job := lambdaPackage(t, "cat", "cat")
	job.Inputs[0].Size = 100 // The input ends early, so the pipeline fails.
	mock := &lambdaHandlerMock{}

	runner := &lambdaRunner{
		job:          job,
		client:       &corlambda.LambdaClient{Client: mock},
		functionName: "testjob_function",
		pipeline:     NewPipeline(job, WithTempDir(t.TempDir())),
	}

	_, err := runner.Run(context.Background())
	var functionErr *corlambda.FunctionError
	assert.True(t, errors.As(err, &functionErr))
	assert.Equal(t, corlambda.MaxLambdaRetries+1, mock.invocations)
}

func TestLambdaEngineRequiresS3Inputs(t *testing.T) {
	viper.Reset()
	c := buildConfig([]Option{WithEngineTempDir(t.TempDir())})
	engine := newLambdaEngine(c, &corlambda.LambdaClient{Client: &lambdaHandlerMock{}})
	defer engine.Close()

	job := JobSubmission{
		ID:         "job",
		Inputs:     []InputSource{{Path: "/local/file", Size: 1}},
		PackageDir: t.TempDir(),
	}
	err := engine.Submit(context.Background(), job)
	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))

	_, err = engine.Status("job")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	// Accepted, but the function rejects a job without a mapper.
	job.Inputs[0].Path = "s3://bucket/input"
	require.Nil(t, engine.Submit(context.Background(), job))
	_, err = engine.Result(context.Background(), "job")
	var execErr *ExecutionError
	assert.True(t, errors.As(err, &execErr))

	state, _ := engine.Status("job")
	assert.Equal(t, StateFailed, state)
}

func TestRemoteResultUnpackEmpty(t *testing.T) {
	tempDir := t.TempDir()
	remote := &remoteResult{Map: remotePhase{
		ExitCode: 2,
		Error:    remoteStream{Contents: []byte("failed\n"), Size: 7},
	}}

	result, err := remote.unpack(tempDir)
	require.Nil(t, err)
	defer result.Remove()

	assert.Equal(t, 2, result.Map.ExitCode)
	assert.Equal(t, "", result.Map.OutputFile)
	assert.Nil(t, result.Reduce)

	errOutput, err := ReadPhaseOutput(result.Map.ErrorFile, -1)
	require.Nil(t, err)
	assert.Equal(t, "failed\n", errOutput)
}

func TestRemoteResultUnpackWarnsWhenTruncated(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	remote := &remoteResult{Map: remotePhase{
		Output: remoteStream{Contents: []byte("abc"), Size: 3000000},
	}}
	result, err := remote.unpack(t.TempDir())
	require.Nil(t, err)
	defer result.Remove()

	output, err := ReadPhaseOutput(result.Map.OutputFile, -1)
	require.Nil(t, err)
	assert.Equal(t, "abc", output)

	messages := warnings(hook)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "3.0 MB")
}

func TestRemoteResultUnpackDeletesSpilledObjects(t *testing.T) {
	dir := t.TempDir()
	object := filepath.Join(dir, "job", "reduce-err")
	require.Nil(t, os.MkdirAll(filepath.Dir(object), 0700))
	require.Nil(t, os.WriteFile(object, []byte("spilled\n"), 0600))

	remote := &remoteResult{Reduce: &remotePhase{
		ExitCode: 1,
		Error:    remoteStream{Object: object, Size: 8},
	}}
	result, err := remote.unpack(t.TempDir())
	require.Nil(t, err)
	defer result.Remove()

	require.NotNil(t, result.Reduce)
	errOutput, err := ReadPhaseOutput(result.Reduce.ErrorFile, -1)
	require.Nil(t, err)
	assert.Equal(t, "spilled\n", errOutput)

	_, err = os.Stat(object)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoteResultUnpackMissingObject(t *testing.T) {
	tempDir := t.TempDir()
	remote := &remoteResult{Map: remotePhase{
		Output: remoteStream{Object: filepath.Join(t.TempDir(), "gone"), Size: 2 << 20},
	}}

	_, err := remote.unpack(tempDir)
	assert.NotNil(t, err)

	leftover, _ := os.ReadDir(tempDir)
	assert.Empty(t, leftover)
}
