package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/execx"
	"github.com/CZERTAINLY/Warden/internal/model"
)

// PipInstaller creates a virtual environment and installs into it with
// pip in a no dependency resolution, no network mode.
type PipInstaller struct{}

func NewPipInstaller() *PipInstaller {
	return &PipInstaller{}
}

func (*PipInstaller) Name() string { return model.InstallerPip }

func (*PipInstaller) NeedsInterpreter() bool { return true }

func (p *PipInstaller) Install(ctx context.Context, env *Environment, pins []model.Pin) error {
	if err := p.run(ctx, env.Interpreter, "-m", "venv", env.Dir); err != nil {
		return err
	}
	env.Bin = filepath.Join(env.Dir, "bin")
	if matches, _ := filepath.Glob(filepath.Join(env.Dir, "lib", "python*", "site-packages")); len(matches) > 0 {
		env.SitePackages = matches[0]
	}
	if len(pins) == 0 {
		return nil
	}

	reqs := filepath.Join(env.Dir, "requirements.txt")
	hashed := true
	var links []string
	for _, pin := range pins {
		hashed = hashed && pin.Hash != ""
		links = append(links, filepath.Dir(pin.Source))
	}
	slices.Sort(links)
	links = slices.Compact(links)

	mode := model.PinUnhashed
	if hashed {
		mode = model.PinHashed
	}
	if err := os.WriteFile(reqs, model.PinSet{Mode: mode, Pins: pins}.Render(), 0o644); err != nil {
		return err
	}

	args := []string{"-m", "pip", "install", "--no-deps", "--no-index", "--disable-pip-version-check"}
	if hashed {
		args = append(args, "--require-hashes")
	}
	for _, link := range links {
		args = append(args, "--find-links", link)
	}
	args = append(args, "-r", reqs)
	return p.run(ctx, filepath.Join(env.Bin, "python"), args...)
}

func (p *PipInstaller) run(ctx context.Context, path string, args ...string) error {
	res := execx.NewRunner().Run(ctx, execx.Command{Path: path, Args: args, Env: os.Environ()}, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "pip", "stderr", line)
	})
	if res.Err != nil {
		msg := strings.TrimSpace(res.Stderr.String())
		if msg == "" {
			return fmt.Errorf("%s %s: %w", filepath.Base(path), strings.Join(args, " "), res.Err)
		}
		return fmt.Errorf("%s %s: %w: %s", filepath.Base(path), strings.Join(args, " "), res.Err, msg)
	}
	return nil
}
