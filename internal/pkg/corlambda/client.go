package corlambda

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	log "github.com/sirupsen/logrus"
)

// MaxLambdaRetries is the number of times an invocation that reported a
// function error is attempted again.
const MaxLambdaRetries = 3

// bootstrapName is the executable name the provided.al2 runtime launches.
const bootstrapName = "bootstrap"

// LambdaClient wraps the AWS Lambda API
type LambdaClient struct {
	Client lambdaiface.LambdaAPI

	// PackageBuilder produces the zipped function code. It defaults to
	// cross-compiling the program in the working directory.
	PackageBuilder func() ([]byte, error)
}

// FunctionConfig holds the settings of a deployed function.
type FunctionConfig struct {
	Name       string
	RoleARN    string
	Timeout    int64
	MemorySize int64
}

// FunctionError is returned by Invoke when the function itself failed on
// every attempt.
type FunctionError struct {
	FunctionName string
	Kind         string
	Payload      []byte
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("lambda function %s failed (%s): %s", e.FunctionName, e.Kind, e.Payload)
}

// NewLambdaClient initializes a new LambdaClient
func NewLambdaClient() *LambdaClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &LambdaClient{
		Client: lambda.New(sess),
	}
}

func functionNeedsUpdate(functionCode []byte, cfg *lambda.FunctionConfiguration) bool {
	codeHash := sha256.New()
	codeHash.Write(functionCode)
	codeHashDigest := base64.StdEncoding.EncodeToString(codeHash.Sum(nil))
	return codeHashDigest != aws.StringValue(cfg.CodeSha256)
}

func configNeedsUpdate(config *FunctionConfig, cfg *lambda.FunctionConfiguration) bool {
	return aws.StringValue(cfg.Role) != config.RoleARN ||
		aws.Int64Value(cfg.Timeout) != config.Timeout ||
		aws.Int64Value(cfg.MemorySize) != config.MemorySize
}

// DeployFunction builds the current program for Lambda and creates the
// function described by config, or updates it if it already exists.
func (l *LambdaClient) DeployFunction(config *FunctionConfig) error {
	build := l.PackageBuilder
	if build == nil {
		build = buildPackage
	}
	functionCode, err := build()
	if err != nil {
		return err
	}

	exists, err := l.getFunction(config.Name)
	if exists != nil && err == nil {
		return l.updateFunction(config, functionCode, exists.Configuration)
	}

	log.Infof("Creating Lambda function '%s'", config.Name)
	return l.createFunction(config, functionCode)
}

// DeleteFunction deletes the named function
func (l *LambdaClient) DeleteFunction(functionName string) error {
	deleteInput := &lambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName),
	}

	_, err := l.Client.DeleteFunction(deleteInput)
	return err
}

func crossCompile(binName string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "testjob-build")
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(tmpDir, binName)

	args := []string{
		"build",
		"-o", outputPath,
		"-ldflags", "-s -w",
		".",
	}
	cmd := exec.Command("go", args...)

	cmd.Env = append(os.Environ(), "GOOS=linux", "GOARCH=amd64", "CGO_ENABLED=0")

	combinedOut, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s\n%s", err, combinedOut)
	}

	return outputPath, nil
}

func buildPackage() ([]byte, error) {
	log.Debug("Compiling testjob function for Lambda")
	binFile, err := crossCompile(bootstrapName)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(filepath.Dir(binFile))

	binReader, err := os.Open(binFile)
	if err != nil {
		return nil, err
	}
	defer binReader.Close()

	zipBuf := new(bytes.Buffer)
	archive := zip.NewWriter(zipBuf)
	header := &zip.FileHeader{
		Name:           bootstrapName,
		Method:         zip.Deflate,
		ExternalAttrs:  (0777 << 16), // File permissions
		CreatorVersion: (3 << 8),     // Magic number indicating a Unix creator
	}

	log.Debug("Adding binary to zip archive")
	writer, err := archive.CreateHeader(header)
	if err != nil {
		return nil, err
	}

	if _, err = io.Copy(writer, binReader); err != nil {
		return nil, err
	}

	if err = archive.Close(); err != nil {
		return nil, err
	}

	return zipBuf.Bytes(), nil
}

func (l *LambdaClient) updateFunction(config *FunctionConfig, code []byte, current *lambda.FunctionConfiguration) error {
	if current == nil {
		current = &lambda.FunctionConfiguration{}
	}

	if functionNeedsUpdate(code, current) {
		log.Infof("Updating Lambda function code for '%s'", config.Name)
		updateArgs := &lambda.UpdateFunctionCodeInput{
			ZipFile:      code,
			FunctionName: aws.String(config.Name),
		}
		if _, err := l.Client.UpdateFunctionCode(updateArgs); err != nil {
			return err
		}
	} else {
		log.Debugf("Function code of '%s' is already up-to-date", config.Name)
	}

	if configNeedsUpdate(config, current) {
		log.Infof("Updating Lambda function config for '%s'", config.Name)
		updateConfigArgs := &lambda.UpdateFunctionConfigurationInput{
			FunctionName: aws.String(config.Name),
			Role:         aws.String(config.RoleARN),
			Timeout:      aws.Int64(config.Timeout),
			MemorySize:   aws.Int64(config.MemorySize),
		}
		if _, err := l.Client.UpdateFunctionConfiguration(updateConfigArgs); err != nil {
			return err
		}
	}
	return nil
}

func (l *LambdaClient) createFunction(config *FunctionConfig, code []byte) error {
	funcCode := &lambda.FunctionCode{
		ZipFile: code,
	}

	createArgs := &lambda.CreateFunctionInput{
		Code:         funcCode,
		FunctionName: aws.String(config.Name),
		Handler:      aws.String(bootstrapName),
		Runtime:      aws.String(lambda.RuntimeProvidedAl2),
		Role:         aws.String(config.RoleARN),
		Timeout:      aws.Int64(config.Timeout),
		MemorySize:   aws.Int64(config.MemorySize),
	}

	_, err := l.Client.CreateFunction(createArgs)
	return err
}

func (l *LambdaClient) getFunction(functionName string) (*lambda.GetFunctionOutput, error) {
	getInput := &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	}

	return l.Client.GetFunction(getInput)
}

// Invoke invokes the named function synchronously and returns its payload.
func (l *LambdaClient) Invoke(functionName string, payload []byte) ([]byte, error) {
	return l.InvokeContext(context.Background(), functionName, payload)
}

// InvokeContext is like Invoke but aborts the request when ctx is done.
// Invocations that report a function error are retried up to
// MaxLambdaRetries times.
func (l *LambdaClient) InvokeContext(ctx context.Context, functionName string, payload []byte) (outputPayload []byte, err error) {
	invokeInput := &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	}

	for try := 0; try <= MaxLambdaRetries; try++ {
		if try > 0 {
			log.Debugf("Retrying invocation of '%s' (attempt %d)", functionName, try+1)
		}

		output, invokeErr := l.Client.InvokeWithContext(ctx, invokeInput)
		if invokeErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, invokeErr
		}
		if output.FunctionError == nil {
			return output.Payload, nil
		}
		err = &FunctionError{
			FunctionName: functionName,
			Kind:         aws.StringValue(output.FunctionError),
			Payload:      output.Payload,
		}
	}

	if err == nil {
		err = errors.New("lambda invocation failed")
	}
	return nil, err
}
