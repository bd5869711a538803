// Command testjob builds a mapper and reducer from source, runs them over a
// sample of the given inputs, and prints what each phase wrote.
//
//	testjob --mapper map.py --reducer reduce.py -l python s3://bucket/logs/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/bcongdon/testjob"
)

var (
	mapperFile  = flag.String("mapper", "", "mapper source file")
	reducerFile = flag.String("reducer", "", "reducer source file")
	language    = flag.StringP("language", "l", "sh", "language of the mapper and reducer")
	numericSort = flag.BoolP("numeric-sort", "n", false, "sort map output numerically")
	outputLimit = flag.Int64("output-limit", 64*1024, "bytes of each captured stream to print (-1 for all)")
	undeploy    = flag.Bool("undeploy", false, "delete the lambda function and role, then exit")
)

func init() {
	flag.StringP("backend", "b", "local", "backend to run the job on (local or lambda)")
	flag.BoolP("verbose", "v", false, "log debug output")
	flag.Int64("input-cap", testjob.DefaultInputCap, "bytes of input fed to the mapper")
	flag.Duration("timeout", testjob.DefaultExecutableTimeout, "time limit for each phase")
}

func bindFlags() {
	bindings := map[string]string{
		"backend":            "backend",
		"verbose":            "verbose",
		"input_cap":          "input-cap",
		"executable_timeout": "timeout",
	}
	for key, name := range bindings {
		viper.BindPFlag(key, flag.Lookup(name))
	}
}

// stageProgress advances a progress bar as the job moves through its stages.
type stageProgress struct {
	mu  sync.Mutex
	bar *pb.ProgressBar
}

func (p *stageProgress) observe(jobID string, stage testjob.Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Prefix(string(stage))
	p.bar.Increment()
}

func build(ctx context.Context, builder *testjob.Builder, phase testjob.Phase, path string) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return builder.Build(ctx, phase, *language, string(source))
}

func printPhase(name string, phase *testjob.PhaseResult) {
	if phase == nil {
		fmt.Printf("== %s: not run\n", name)
		return
	}
	status := fmt.Sprintf("exit %d", phase.ExitCode)
	if phase.TimedOut {
		status = "timed out"
	}
	fmt.Printf("== %s: %s\n", name, status)

	for _, stream := range []struct{ label, path string }{
		{"stdout", phase.OutputFile},
		{"stderr", phase.ErrorFile},
	} {
		contents, err := testjob.ReadPhaseOutput(stream.path, *outputLimit)
		if err != nil {
			log.Errorf("Could not read %s %s: %s", name, stream.label, err)
			continue
		}
		if contents == "" {
			continue
		}
		size := ""
		if info, err := os.Stat(stream.path); err == nil {
			size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
		}
		fmt.Printf("-- %s%s --\n%s\n", stream.label, size, contents)
	}
}

func run() int {
	testjob.ServeIfInLambda()

	flag.Parse()
	bindFlags()

	if *undeploy {
		if err := testjob.Undeploy(); err != nil {
			log.Error(err)
			return 1
		}
		return 0
	}

	if *mapperFile == "" || *reducerFile == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: testjob --mapper FILE --reducer FILE [flags] INPUT...")
		flag.PrintDefaults()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	builder := testjob.NewBuilder()
	defer builder.Cleanup()

	mapper, err := build(ctx, builder, testjob.MapperPhase, *mapperFile)
	if err != nil {
		log.Errorf("Could not build mapper: %s", err)
		return 1
	}
	reducer, err := build(ctx, builder, testjob.ReducerPhase, *reducerFile)
	if err != nil {
		log.Errorf("Could not build reducer: %s", err)
		return 1
	}
	packageDir, err := builder.PackageDir()
	if err != nil {
		log.Error(err)
		return 1
	}

	var inputs []testjob.InputSource
	for _, location := range flag.Args() {
		found, err := testjob.InputsFromPath(location)
		if err != nil {
			log.Errorf("Could not list %s: %s", location, err)
			return 1
		}
		inputs = append(inputs, found...)
	}
	if len(inputs) == 0 {
		log.Error("No inputs!")
		return 1
	}

	progress := &stageProgress{bar: pb.New(3).Prefix("queued")}
	engine, err := testjob.NewEngine(
		testjob.WithPipelineOptions(testjob.WithPhaseObserver(progress.observe)),
	)
	if err != nil {
		log.Error(err)
		return 1
	}
	defer engine.Close()

	job := testjob.JobSubmission{
		ID:          uuid.NewString(),
		Inputs:      inputs,
		Mapper:      mapper,
		Reducer:     reducer,
		PackageDir:  packageDir,
		NumericSort: *numericSort,
	}

	start := time.Now()
	progress.bar.Start()
	if err := engine.Submit(ctx, job); err != nil {
		progress.bar.Finish()
		log.Error(err)
		return 1
	}

	result, err := engine.Result(ctx, job.ID)
	if ctx.Err() != nil {
		engine.Kill(job.ID)
	}
	progress.bar.Finish()
	if err != nil {
		log.Error(err)
		return 1
	}
	defer result.Remove()

	printPhase("map", &result.Map)
	printPhase("reduce", result.Reduce)

	state, _ := engine.Status(job.ID)
	fmt.Printf("Job %s: %s in %s\n", job.ID, state, time.Since(start))
	if state != testjob.StateSuccessful {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
