package corbuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bcongdon/testjob/internal/pkg/corexec"
	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
	log "github.com/sirupsen/logrus"
)

// Phase identifies the mapper or reducer half of a job.
type Phase string

// Phases of a test job
const (
	MapperPhase  Phase = "mapper"
	ReducerPhase Phase = "reducer"
)

// DefaultCompilerTimeout bounds a single compiler run.
const DefaultCompilerTimeout = 60 * time.Second

// CompiledPrefix is the file name prefix compilers must write their output to.
const CompiledPrefix = "compiled-job-"

// LanguageProfile describes how source in one language becomes an executable.
type LanguageProfile struct {
	// Interpreter is written as the "#!" line of the assembled script.
	Interpreter string `mapstructure:"interpreter"`
	// Extension of the assembled source file, without the leading dot.
	Extension string `mapstructure:"extension"`
	// Library is a directory holding <phase>-prefix<ext> and
	// <phase>-suffix<ext> wrapper files plus support files. Relative paths are
	// resolved against the builder's support directory.
	Library string `mapstructure:"library"`
	// CopyLibraryFiles controls copying the library directory into each phase
	// directory. Nil means true.
	CopyLibraryFiles *bool `mapstructure:"copy_library_files"`
	// Compiler is the command used for both phases unless a phase-specific
	// command is set.
	Compiler        string `mapstructure:"compiler"`
	CompilerMapper  string `mapstructure:"compiler_mapper"`
	CompilerReducer string `mapstructure:"compiler_reducer"`
}

func (p LanguageProfile) extension() string {
	if p.Extension == "" {
		return ""
	}
	return "." + strings.TrimPrefix(p.Extension, ".")
}

func (p LanguageProfile) copyLibraryFiles() bool {
	return p.CopyLibraryFiles == nil || *p.CopyLibraryFiles
}

func (p LanguageProfile) compiler(phase Phase) string {
	var specific string
	switch phase {
	case MapperPhase:
		specific = p.CompilerMapper
	case ReducerPhase:
		specific = p.CompilerReducer
	}
	if specific != "" {
		return specific
	}
	return p.Compiler
}

// Builder turns user source into runnable executables inside a per-job
// package directory. A Builder is used for one job; both phases share its
// package directory.
type Builder struct {
	profiles        map[string]LanguageProfile
	tempDir         string
	supportDir      string
	compilerTimeout time.Duration

	mu         sync.Mutex
	packageDir string
}

// Option configures a Builder
type Option func(*Builder)

// WithTempDir sets the directory under which package directories are created.
func WithTempDir(dir string) Option {
	return func(b *Builder) {
		b.tempDir = dir
	}
}

// WithSupportDir sets the base directory for relative library directories.
func WithSupportDir(dir string) Option {
	return func(b *Builder) {
		b.supportDir = dir
	}
}

// WithCompilerTimeout bounds each compiler run.
func WithCompilerTimeout(timeout time.Duration) Option {
	return func(b *Builder) {
		b.compilerTimeout = timeout
	}
}

// NewBuilder creates a Builder for the given language profiles.
func NewBuilder(profiles map[string]LanguageProfile, options ...Option) *Builder {
	b := &Builder{
		profiles:        profiles,
		tempDir:         os.TempDir(),
		compilerTimeout: DefaultCompilerTimeout,
	}
	for _, f := range options {
		f(b)
	}
	return b
}

// PackageDir returns the job's package directory, creating it on first use.
func (b *Builder) PackageDir() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packageDirLocked()
}

func (b *Builder) packageDirLocked() (string, error) {
	if b.packageDir != "" {
		return b.packageDir, nil
	}

	dir := filepath.Join(b.tempDir, uuid.New().String())
	if err := os.MkdirAll(b.tempDir, 0755); err != nil {
		return "", fmt.Errorf("could not create temp directory: %w", err)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create package directory: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	b.packageDir = absDir
	return b.packageDir, nil
}

// Cleanup removes the package directory and everything in it.
func (b *Builder) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.packageDir == "" {
		return nil
	}
	err := os.RemoveAll(b.packageDir)
	b.packageDir = ""
	return err
}

func (b *Builder) libraryDir(profile LanguageProfile) string {
	if profile.Library == "" {
		return ""
	}
	if filepath.IsAbs(profile.Library) {
		return profile.Library
	}
	return filepath.Join(b.supportDir, profile.Library)
}

// Build assembles, writes and, if the language needs it, compiles source for
// phase. It returns the executable's path relative to the package directory.
// Each phase may be built once per Builder.
func (b *Builder) Build(ctx context.Context, phase Phase, language, source string) (string, error) {
	if phase != MapperPhase && phase != ReducerPhase {
		return "", &ValidationError{Field: "phase", Value: string(phase)}
	}
	profile, ok := b.profiles[language]
	if !ok {
		return "", &ValidationError{Field: "language", Value: language}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	logger := log.WithFields(log.Fields{"phase": phase, "language": language})

	libDir := b.libraryDir(profile)
	script, err := b.wrap(profile, phase, libDir, source)
	if err != nil {
		return "", err
	}

	pkgDir, err := b.packageDirLocked()
	if err != nil {
		return "", err
	}

	phaseDir := filepath.Join(pkgDir, string(phase))
	if err := os.Mkdir(phaseDir, 0755); err != nil {
		return "", fmt.Errorf("could not create %s directory: %w", phase, err)
	}

	srcFile := filepath.Join(phaseDir, "job-"+string(phase)+profile.extension())
	if err := writeExecutable(srcFile, script); err != nil {
		return "", fmt.Errorf("could not write %s source: %w", phase, err)
	}
	logger.Debugf("Wrote %s source to %s", phase, srcFile)

	if libDir != "" && profile.copyLibraryFiles() {
		if err := copyLibraryFiles(libDir, phaseDir, profile.extension()); err != nil {
			return "", fmt.Errorf("could not copy library files for %s: %w", phase, err)
		}
	}

	artifact := srcFile
	if command := profile.compiler(phase); command != "" {
		artifact, err = b.compile(ctx, phase, command, libDir, pkgDir, srcFile)
		if err != nil {
			return "", err
		}
		os.Remove(srcFile)
	}

	return filepath.Rel(pkgDir, artifact)
}

// wrap assembles the shebang, the phase prefix and suffix library files, and
// the user source into one script.
func (b *Builder) wrap(profile LanguageProfile, phase Phase, libDir, source string) (string, error) {
	var prefix, suffix string
	if libDir != "" {
		info, err := os.Stat(libDir)
		if err != nil {
			return "", fmt.Errorf("library directory for %s is not readable: %w", phase, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("library directory for %s is not a directory: %s", phase, libDir)
		}

		ext := profile.extension()
		if prefix, err = readOptional(filepath.Join(libDir, string(phase)+"-prefix"+ext)); err != nil {
			return "", fmt.Errorf("could not read %s prefix: %w", phase, err)
		}
		if suffix, err = readOptional(filepath.Join(libDir, string(phase)+"-suffix"+ext)); err != nil {
			return "", fmt.Errorf("could not read %s suffix: %w", phase, err)
		}
	}

	var script strings.Builder
	if profile.Interpreter != "" {
		script.WriteString("#!" + profile.Interpreter + "\n")
	}
	script.WriteString(prefix)
	script.WriteString("\n")
	script.WriteString(source)
	script.WriteString("\n")
	script.WriteString(suffix)
	return script.String(), nil
}

// readOptional returns the contents of path, or "" if it is not a regular
// file.
func readOptional(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	contents, err := os.ReadFile(path)
	return string(contents), err
}

func writeExecutable(path, contents string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	if _, err = io.WriteString(file, contents); err != nil {
		file.Close()
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}
	return os.Chmod(path, 0755)
}

// copyLibraryFiles copies the contents of libDir into destDir, leaving out
// the prefix and suffix wrapper files.
func copyLibraryFiles(libDir, destDir, ext string) error {
	wrapperFile := regexp.MustCompile("^(mapper|reducer)-(prefix|suffix)" + regexp.QuoteMeta(ext) + "$")

	return filepath.Walk(libDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(libDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if wrapperFile.MatchString(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(destDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// compile runs the profile's compiler for phase in the package directory and
// returns the path of the compiled executable.
func (b *Builder) compile(ctx context.Context, phase Phase, command, libDir, pkgDir, srcFile string) (string, error) {
	phaseDir := filepath.Dir(srcFile)
	destFile := filepath.Join(phaseDir, CompiledPrefix+string(phase))

	relative := func(path string) string {
		rel, err := filepath.Rel(pkgDir, path)
		if err != nil {
			return path
		}
		return rel
	}
	replacer := strings.NewReplacer(
		"${wmr:lib.dir}", libDir,
		"${wmr:src.dir}", relative(phaseDir),
		"${wmr:src.file}", relative(srcFile),
		"${wmr:dest.dir}", relative(phaseDir),
		"${wmr:dest.file}", relative(destFile),
	)

	args, err := shellwords.Parse(command)
	if err != nil || len(args) == 0 {
		return "", &CompilationError{Phase: phase, ExitCode: -1, Reason: fmt.Sprintf("invalid compiler command %q", command)}
	}
	for i, arg := range args {
		args[i] = replacer.Replace(arg)
	}

	log.WithField("phase", phase).Debugf("Compiling with %v", args)

	var output bytes.Buffer
	res, err := corexec.Run(ctx, corexec.Command{
		Path:    args[0],
		Args:    args[1:],
		Dir:     pkgDir,
		Stdout:  &output,
		Stderr:  &output,
		Timeout: b.compilerTimeout,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		if output.Len() == 0 {
			output.WriteString(err.Error())
		}
		return "", &CompilationError{Phase: phase, ExitCode: -1, Output: output.String(), Reason: "compiler could not be run"}
	}
	if res.TimedOut {
		return "", &CompilationError{Phase: phase, ExitCode: res.ExitCode, Output: output.String(), Reason: "compiler timed out"}
	}
	if res.ExitCode != 0 {
		return "", &CompilationError{Phase: phase, ExitCode: res.ExitCode, Output: output.String(), Reason: "compiler exited with an error"}
	}

	info, err := os.Stat(destFile)
	if err != nil || !info.Mode().IsRegular() {
		return "", &CompilationError{Phase: phase, ExitCode: res.ExitCode, Output: output.String(), Reason: "compiler did not produce an executable"}
	}
	if err := os.Chmod(destFile, info.Mode().Perm()|0555); err != nil {
		return "", fmt.Errorf("could not make %s executable: %w", phase, err)
	}
	f, err := os.Open(destFile)
	if err != nil {
		return "", fmt.Errorf("%s executable is not readable: %w", phase, err)
	}
	f.Close()

	return destFile, nil
}
