package testjob

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/bcongdon/testjob/internal/pkg/corbuild"
)

// Backends that can run test jobs
const (
	LocalBackend  = "local"
	LambdaBackend = "lambda"
)

// Engine accepts test jobs and reports on them. An Engine runs every job on
// the backend it was created with.
type Engine interface {
	Submit(ctx context.Context, job JobSubmission) error
	Status(id string) (State, error)
	Result(ctx context.Context, id string) (*JobResult, error)
	Kill(id string) (bool, error)
	Close() error
}

// config configures an Engine
type config struct {
	AllowTestJobs     bool
	InputCap          int64
	ExecutableTimeout time.Duration
	CompilerTimeout   time.Duration
	PoolSize          int
	RetainedJobs      int
	TempDir           string
	LangSupportDir    string
	SwitchUserCommand string
	Backend           string
	FunctionName      string
	LambdaMemory      int64
	LambdaTimeout     int64
	RoleName          string
	SpillLocation     string
	Languages         map[string]LanguageProfile

	pipelineOptions  []PipelineOption
	schedulerOptions []SchedulerOption
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment
	return &config{
		AllowTestJobs:     viper.GetBool("allow_test_jobs"),
		InputCap:          viper.GetInt64("input_cap"),
		ExecutableTimeout: viper.GetDuration("executable_timeout"),
		CompilerTimeout:   viper.GetDuration("compiler_timeout"),
		PoolSize:          viper.GetInt("pool_size"),
		RetainedJobs:      viper.GetInt("retained_jobs"),
		TempDir:           viper.GetString("temp_dir"),
		LangSupportDir:    viper.GetString("lang_support_dir"),
		SwitchUserCommand: viper.GetString("su_cmd"),
		Backend:           viper.GetString("backend"),
		FunctionName:      viper.GetString("function_name"),
		LambdaMemory:      viper.GetInt64("lambda_memory"),
		LambdaTimeout:     viper.GetInt64("lambda_timeout"),
		RoleName:          viper.GetString("role_name"),
		SpillLocation:     viper.GetString("spill_location"),
		Languages:         languageProfiles(),
	}
}

func (c *config) pipelineOpts(extra ...PipelineOption) []PipelineOption {
	opts := []PipelineOption{
		WithInputCap(c.InputCap),
		WithExecutableTimeout(c.ExecutableTimeout),
		WithTempDir(c.TempDir),
		WithSwitchUserCommand(c.SwitchUserCommand),
	}
	opts = append(opts, c.pipelineOptions...)
	return append(opts, extra...)
}

func (c *config) schedulerOpts() []SchedulerOption {
	opts := []SchedulerOption{
		WithPoolSize(c.PoolSize),
		WithRetention(c.RetainedJobs),
	}
	return append(opts, c.schedulerOptions...)
}

// Option allows configuration of an Engine
type Option func(*config)

// WithBackend selects the backend jobs run on, LocalBackend or LambdaBackend.
func WithBackend(backend string) Option {
	return func(c *config) {
		c.Backend = backend
	}
}

// WithTestJobsAllowed turns job submission on or off.
func WithTestJobsAllowed(allowed bool) Option {
	return func(c *config) {
		c.AllowTestJobs = allowed
	}
}

// WithLanguages replaces the configured language profiles.
func WithLanguages(profiles map[string]LanguageProfile) Option {
	return func(c *config) {
		c.Languages = profiles
	}
}

// WithLangSupportDir sets the base directory for relative library dirs.
func WithLangSupportDir(dir string) Option {
	return func(c *config) {
		c.LangSupportDir = dir
	}
}

// WithFunctionName sets the name of the deployed Lambda function.
func WithFunctionName(name string) Option {
	return func(c *config) {
		c.FunctionName = name
	}
}

// WithSpillLocation sets where the Lambda function writes captured streams
// too large to return inline, such as "s3://bucket/testjob-spill".
func WithSpillLocation(location string) Option {
	return func(c *config) {
		c.SpillLocation = location
	}
}

// WithPipelineOptions applies opts to every job's pipeline, after the
// configured settings.
func WithPipelineOptions(opts ...PipelineOption) Option {
	return func(c *config) {
		c.pipelineOptions = append(c.pipelineOptions, opts...)
	}
}

// WithSchedulerOptions applies opts to the engine's scheduler, after the
// configured settings.
func WithSchedulerOptions(opts ...SchedulerOption) Option {
	return func(c *config) {
		c.schedulerOptions = append(c.schedulerOptions, opts...)
	}
}

// WithEngineTempDir sets where package directories and captured output
// files are created.
func WithEngineTempDir(dir string) Option {
	return func(c *config) {
		c.TempDir = dir
	}
}

func buildConfig(options []Option) *config {
	c := newConfig()
	for _, f := range options {
		f(c)
	}

	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
	log.Debugf("Loaded config: %#v", c)
	return c
}

// NewEngine creates an Engine for the configured backend.
//
// When the program is running inside AWS Lambda, NewEngine instead serves
// test jobs sent by a lambda backend and never returns.
func NewEngine(options ...Option) (Engine, error) {
	ServeIfInLambda()

	c := buildConfig(options)
	switch c.Backend {
	case LocalBackend, "":
		return newLocalEngine(c), nil
	case LambdaBackend:
		return deployLambdaEngine(c)
	}
	return nil, fmt.Errorf("unknown backend %q", c.Backend)
}

// NewBuilder creates a Builder for one job from the configured language
// profiles.
func NewBuilder(options ...Option) *Builder {
	c := buildConfig(options)
	return corbuild.NewBuilder(c.Languages,
		corbuild.WithTempDir(c.TempDir),
		corbuild.WithSupportDir(c.LangSupportDir),
		corbuild.WithCompilerTimeout(c.CompilerTimeout),
	)
}

// schedulerEngine holds the parts shared by every backend: jobs are queued
// on a Scheduler and queried through it.
type schedulerEngine struct {
	config    *config
	scheduler *Scheduler
}

func (e *schedulerEngine) checkSubmission(ctx context.Context, job JobSubmission) error {
	if !e.config.AllowTestJobs {
		return ErrTestJobsDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" {
		return &ValidationError{Field: "job id", Value: job.ID}
	}
	return nil
}

func (e *schedulerEngine) Status(id string) (State, error) {
	return e.scheduler.Status(id)
}

func (e *schedulerEngine) Result(ctx context.Context, id string) (*JobResult, error) {
	return e.scheduler.Result(ctx, id)
}

func (e *schedulerEngine) Kill(id string) (bool, error) {
	return e.scheduler.Kill(id)
}

func (e *schedulerEngine) Close() error {
	return e.scheduler.Close()
}

// localEngine runs jobs as subprocesses of this program.
type localEngine struct {
	schedulerEngine
}

func newLocalEngine(c *config) *localEngine {
	return &localEngine{schedulerEngine{
		config:    c,
		scheduler: NewScheduler(c.schedulerOpts()...),
	}}
}

func (e *localEngine) Submit(ctx context.Context, job JobSubmission) error {
	if err := e.checkSubmission(ctx, job); err != nil {
		return err
	}
	return e.scheduler.Submit(job.ID, NewPipeline(job, e.config.pipelineOpts()...))
}
