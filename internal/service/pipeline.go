package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/CZERTAINLY/Warden/internal/artifact"
	"github.com/CZERTAINLY/Warden/internal/log"
	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/provision"
	"github.com/CZERTAINLY/Warden/internal/resolve"
)

// Pipeline executes admitted runs: resolve, provision, scan and collect.
// Relative paths of the project are resolved against baseDir, which is
// usually the directory of the configuration file.
type Pipeline struct {
	cfg      model.Config
	baseDir  string
	stores   []model.Uploader
	metrics  *Metrics
	now      func() time.Time
	lookPath func(string) (string, error)
	env      []string
}

func NewPipeline(cfg model.Config, baseDir string, stores []model.Uploader) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		baseDir: baseDir,
		stores:  stores,
		now:     time.Now,
	}
}

func (p *Pipeline) WithMetrics(m *Metrics) *Pipeline {
	p.metrics = m
	return p
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithLookPath changes how the interpreter for the environment is found.
func (p *Pipeline) WithLookPath(fn func(string) (string, error)) *Pipeline {
	p.lookPath = fn
	return p
}

// WithEnv sets the base environment of scanners instead of os.Environ.
func (p *Pipeline) WithEnv(env []string) *Pipeline {
	p.env = slices.Clone(env)
	return p
}

// Config returns the configuration the pipeline runs.
func (p *Pipeline) Config() model.Config {
	return p.cfg
}

// Root returns the absolute project root.
func (p *Pipeline) Root() string {
	root := p.cfg.Project.Root
	if root == "" {
		root = "."
	}
	if !filepath.IsAbs(root) {
		root = filepath.Join(p.baseDir, root)
	}
	if abs, err := filepath.Abs(root); err == nil {
		return abs
	}
	return root
}

func (p *Pipeline) path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.Root(), rel)
}

// Resolve returns the PinSet of the configured environment: read from
// the pinned requirements file when configured or resolved from the
// manifest otherwise.
func (p *Pipeline) Resolve(ctx context.Context) (model.PinSet, *resolve.Index, error) {
	idx, err := resolve.LoadIndex(p.path(p.cfg.Project.Index))
	if err != nil {
		return model.PinSet{}, nil, err
	}
	resolver := resolve.NewResolver(idx)

	envSpec := p.cfg.Environment
	if envSpec.Requirements != "" {
		pins, err := resolve.ReadRequirements(p.path(envSpec.Requirements))
		if err != nil {
			return model.PinSet{}, nil, err
		}
		if envSpec.Mode == model.PinHashed && pins.Mode != model.PinHashed {
			return model.PinSet{}, nil, model.NewConfigError("environment.requirements", "hashed mode requires --hash on every requirement")
		}
		pins, err = resolver.Locate(pins)
		if err != nil {
			return model.PinSet{}, nil, err
		}
		return pins, idx, nil
	}

	manifest, err := resolve.LoadManifest(p.path(p.cfg.Project.Manifest))
	if err != nil {
		return model.PinSet{}, nil, err
	}
	pins, err := resolver.Resolve(ctx, manifest, envSpec.Extras, envSpec.Mode)
	if err != nil {
		return model.PinSet{}, nil, err
	}
	return pins, idx, nil
}

// ToolConfigs loads the configuration file of every scanner, which has one.
func (p *Pipeline) ToolConfigs() (map[string]*model.ToolConfig, error) {
	ret := make(map[string]*model.ToolConfig, len(p.cfg.Scanners))
	for idx, s := range p.cfg.Scanners {
		if s.Config == "" {
			continue
		}
		tc, err := LoadToolConfig(s.Name, p.path(s.Config))
		if err != nil {
			return nil, &model.ConfigError{Field: fmt.Sprintf("scanners[%d].config", idx), Err: err}
		}
		ret[s.Name] = &tc
	}
	return ret, nil
}

// Execute runs rec to completion and closes it. Every configured scanner
// gets a ScanResult and a bundle attempt, whatever happens before.
func (p *Pipeline) Execute(ctx context.Context, rec *model.RunRecord) {
	ctx = log.RunAttrs(ctx, rec.ID, rec.Ref)
	slog.InfoContext(ctx, "run started", "event", rec.Event.Kind)
	defer func() {
		rec.Close(p.now(), p.cfg.FailOn())
		slog.InfoContext(ctx, "run finished", "status", rec.Status, "failed", rec.Failed, "errors", rec.Errors)
	}()

	runDir, workdir, err := p.mkdirs(rec.ID)
	if err != nil {
		rec.Record(&model.ProvisionError{Err: err})
	}
	if runDir != "" && !p.cfg.Run.Keep {
		defer func() {
			if err := os.RemoveAll(runDir); err != nil {
				slog.WarnContext(ctx, "removing run directory", "dir", runDir, "error", err)
			}
		}()
	}

	runCtx := ctx
	if d := p.cfg.Run.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var (
		env *provision.Environment
		tcs map[string]*model.ToolConfig
	)
	if err == nil {
		env, tcs, err = p.prepare(runCtx, rec, runDir)
		rec.Record(err)
	}
	if env != nil && !p.cfg.Run.Keep {
		defer func() {
			_ = env.Close()
		}()
	}

	runner := NewScanRunner(workdir)
	if p.env != nil {
		runner.WithEnv(p.env)
	}
	for _, scanner := range p.cfg.Scanners {
		if reason := skipReason(runCtx, rec); reason != "" {
			rec.AddResult(runner.Skip(runCtx, scanner, reason))
			continue
		}
		res := runner.Run(runCtx, scanner, env, p.target(scanner), tcs[scanner.Name])
		p.metrics.scan(res)
		rec.AddResult(res)
	}
	if err := runCtx.Err(); err != nil && rec.Class() != model.ClassCancelled {
		rec.Record(err)
	}

	// the run may be cancelled, but its bundles are always persisted
	collectCtx := context.WithoutCancel(ctx)
	collector := artifact.NewCollector(workdir, p.stores...).WithClock(p.now)
	for _, scanner := range p.cfg.Scanners {
		globs := append(slices.Clone(scanner.ArtifactPaths()), LogDir(scanner.Name))
		bundle, err := collector.Collect(collectCtx, rec.ID, scanner.BundleName(), globs)
		rec.AddBundle(bundle)
		if err != nil {
			slog.ErrorContext(ctx, "collecting bundle", "bundle", scanner.BundleName(), "error", err)
		}
		rec.Record(err)
	}
}

func (p *Pipeline) prepare(ctx context.Context, rec *model.RunRecord, runDir string) (*provision.Environment, map[string]*model.ToolConfig, error) {
	tcs, err := p.ToolConfigs()
	if err != nil {
		return nil, nil, err
	}
	if len(tcs) > 0 {
		rec.ToolConfigs = make(map[string]string, len(tcs))
		for name, tc := range tcs {
			rec.ToolConfigs[name] = tc.Digest
		}
	}
	installer, err := provision.NewInstaller(p.cfg.Environment.Installer)
	if err != nil {
		return nil, nil, err
	}
	pins, idx, err := p.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec.PinSet = pins.Digest()
	slog.InfoContext(ctx, "dependencies pinned", "mode", pins.Mode, "extras", pins.Extras, "pins", len(pins.Pins), "digest", rec.PinSet)

	provisioner := provision.New(idx, installer, runDir)
	if p.lookPath != nil {
		provisioner.WithLookPath(p.lookPath)
	}
	env, err := provisioner.Provision(ctx, pins, p.cfg.Project.Interpreter)
	if err != nil {
		return nil, nil, err
	}
	return env, tcs, nil
}

func (p *Pipeline) target(s model.Scanner) string {
	if s.Target == "" {
		return p.Root()
	}
	return p.path(s.Target)
}

func (p *Pipeline) mkdirs(runID string) (string, string, error) {
	base := p.cfg.Run.Workdir
	if base != "" && !filepath.IsAbs(base) {
		base = filepath.Join(p.baseDir, base)
	}
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", "", fmt.Errorf("creating work directory: %w", err)
		}
	}
	runDir, err := os.MkdirTemp(base, "warden-"+runID+"-")
	if err != nil {
		return "", "", fmt.Errorf("creating run directory: %w", err)
	}
	workdir := filepath.Join(runDir, "work")
	if err := os.Mkdir(workdir, 0o755); err != nil {
		return runDir, workdir, fmt.Errorf("creating work directory: %w", err)
	}
	return runDir, workdir, nil
}

func skipReason(ctx context.Context, rec *model.RunRecord) string {
	if err := ctx.Err(); err != nil {
		return "run " + err.Error()
	}
	if c := rec.Class(); c.Fatal() {
		return "run aborted: " + string(c.Status())
	}
	return ""
}
