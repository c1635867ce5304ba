package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/execx"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/provision"
	"github.com/CZERTAINLY/Warden/internal/walk"
)

const logsDir = ".warden"

// LogDir returns the work directory relative path where stdout.log and
// stderr.log of a scanner are written.
func LogDir(tool string) string {
	return path.Join(logsDir, tool)
}

// ScanRunner executes scanners inside a run work directory.
type ScanRunner struct {
	workdir string
	baseEnv []string
	now     func() time.Time
}

func NewScanRunner(workdir string) *ScanRunner {
	return &ScanRunner{
		workdir: workdir,
		baseEnv: os.Environ(),
		now:     time.Now,
	}
}

// WithEnv replaces the environment the scanners inherit.
func (s *ScanRunner) WithEnv(base []string) *ScanRunner {
	s.baseEnv = slices.Clone(base)
	return s
}

// Run executes one scanner and maps its termination to a ScanResult. It
// never returns an error: a missing binary, non-zero exit, timeout and
// cancellation are all statuses of the result.
func (s *ScanRunner) Run(ctx context.Context, scanner model.Scanner, env *provision.Environment, target string, tc *model.ToolConfig) model.ScanResult {
	ctx = log.ContextAttrs(ctx, slog.String("tool", scanner.Name))
	result := model.ScanResult{
		Tool:    scanner.Name,
		Started: s.now().UTC(),
	}

	bin, err := s.lookPath(env, scanner.Command)
	if err != nil {
		result.Status = model.ScanError
		result.ExitCode = model.ExitNotFound
		result.Error = err.Error()
		result.Stderr = []byte(err.Error() + "\n")
		s.finish(ctx, scanner, &result)
		return result
	}

	cmd := execx.Command{
		Path:    bin,
		Args:    s.expand(scanner.Args, target, tc),
		Env:     s.environ(env, scanner),
		Dir:     s.workdir,
		Timeout: scanner.TimeoutDuration(),
	}
	slog.DebugContext(ctx, "starting scanner", "path", cmd.Path, "args", cmd.Args, "timeout", cmd.Timeout)

	res := execx.NewRunner().Run(ctx, cmd, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "stderr", "line", line)
	})
	if !res.Started.IsZero() {
		result.Started = res.Started
	}
	result.Duration = res.Duration()
	if res.Stdout != nil {
		result.Stdout = res.Stdout.Bytes()
	}
	if res.Stderr != nil {
		result.Stderr = res.Stderr.Bytes()
	}

	switch {
	case res.TimedOut:
		result.Status = model.ScanTimedOut
		result.ExitCode = model.ExitTimedOut
	case res.Cancelled:
		result.Status = model.ScanCancelled
		result.ExitCode = model.ExitCancelled
	case res.State == nil:
		switch err := ctx.Err(); {
		case errors.Is(err, context.DeadlineExceeded):
			result.Status = model.ScanTimedOut
			result.ExitCode = model.ExitTimedOut
		case err != nil:
			result.Status = model.ScanCancelled
			result.ExitCode = model.ExitCancelled
		default:
			result.Status = model.ScanError
			result.ExitCode = model.ExitNotFound
		}
		if res.Err != nil {
			result.Error = res.Err.Error()
		}
	case res.ExitCode() != 0:
		result.Status = model.ScanFailed
		result.ExitCode = res.ExitCode()
	default:
		result.Status = model.ScanPassed
	}

	s.finish(ctx, scanner, &result)
	return result
}

// Skip records a scanner, which was not started. The reason is written
// into its stderr.log so the bundle still explains what happened.
func (s *ScanRunner) Skip(ctx context.Context, scanner model.Scanner, reason string) model.ScanResult {
	result := model.ScanResult{
		Tool:    scanner.Name,
		Status:  model.ScanSkipped,
		Started: s.now().UTC(),
		Error:   reason,
		Stderr:  []byte("skipped: " + reason + "\n"),
	}
	s.finish(log.ContextAttrs(ctx, slog.String("tool", scanner.Name)), scanner, &result)
	return result
}

func (s *ScanRunner) finish(ctx context.Context, scanner model.Scanner, result *model.ScanResult) {
	if err := s.writeLogs(scanner.Name, result.Stdout, result.Stderr); err != nil {
		slog.ErrorContext(ctx, "writing scanner logs", "error", err)
		result.Error = strings.TrimPrefix(result.Error+"; "+err.Error(), "; ")
	}
	if result.Status != model.ScanSkipped {
		result.Outputs = s.outputs(ctx, scanner.ArtifactPaths())
	}
	slog.InfoContext(ctx, "scanner finished",
		"status", result.Status,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
		"outputs", len(result.Outputs),
	)
}

func (s *ScanRunner) writeLogs(tool string, stdout, stderr []byte) error {
	if s.workdir == "" {
		return errors.New("no work directory")
	}
	dir := filepath.Join(s.workdir, filepath.FromSlash(LogDir(tool)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return errors.Join(
		os.WriteFile(filepath.Join(dir, "stdout.log"), stdout, 0o644),
		os.WriteFile(filepath.Join(dir, "stderr.log"), stderr, 0o644),
	)
}

func (s *ScanRunner) outputs(ctx context.Context, globs []string) []string {
	if len(globs) == 0 {
		return nil
	}
	fsys := os.DirFS(s.workdir)
	var ret []string
	for _, glob := range globs {
		for entry, err := range walk.Match(ctx, fsys, filepath.ToSlash(glob)) {
			if err != nil {
				slog.WarnContext(ctx, "matching outputs", "glob", glob, "error", err)
				break
			}
			ret = append(ret, entry.Path())
		}
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

func (s *ScanRunner) lookPath(env *provision.Environment, command string) (string, error) {
	if command == "" {
		return "", errors.New("empty command")
	}
	var (
		bin string
		err error
	)
	if env != nil {
		bin, err = env.LookPath(command)
	} else {
		bin, err = lookPathEnv(command, s.baseEnv)
	}
	if err != nil {
		return "", fmt.Errorf("scanner %q: %w", command, err)
	}
	return bin, nil
}

func (s *ScanRunner) environ(env *provision.Environment, scanner model.Scanner) []string {
	base := s.baseEnv
	if env != nil {
		base = env.Env(base)
	}
	return append(slices.Clone(base), scannerEnv(scanner.Env)...)
}

func (s *ScanRunner) expand(args []string, target string, tc *model.ToolConfig) []string {
	config := ""
	if tc != nil {
		config = tc.Path
	}
	r := strings.NewReplacer(
		"{target}", target,
		"{config}", config,
		"{workdir}", s.workdir,
	)
	ret := make([]string, len(args))
	for i, arg := range args {
		ret[i] = r.Replace(arg)
	}
	return ret
}

// lookPathEnv searches PATH of the scanner environment, falling back to
// the process PATH.
func lookPathEnv(name string, env []string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return exec.LookPath(name)
	}
	for i := len(env) - 1; i >= 0; i-- {
		p, ok := strings.CutPrefix(env[i], "PATH=")
		if !ok {
			continue
		}
		for _, dir := range filepath.SplitList(p) {
			candidate := filepath.Join(dir, name)
			if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
				return candidate, nil
			}
		}
		break
	}
	return exec.LookPath(name)
}
