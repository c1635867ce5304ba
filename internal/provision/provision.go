// Package provision builds isolated tool environments from a PinSet.
//
// Provisioning fails closed: hashes are verified and the dependency
// closure is checked before a single package is installed.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/parallel"
	"github.com/CZERTAINLY/Warden/internal/resolve"

	"github.com/hashicorp/go-version"
)

const hashLimit = 4

// Installer puts the verified distributions into env.
type Installer interface {
	Name() string
	// NeedsInterpreter reports if the installer can't work without python.
	NeedsInterpreter() bool
	Install(ctx context.Context, env *Environment, pins []model.Pin) error
}

// NewInstaller returns an Installer by its configuration name.
func NewInstaller(name string) (Installer, error) {
	switch name {
	case "", model.InstallerLocal:
		return LocalInstaller{}, nil
	case model.InstallerPip:
		return NewPipInstaller(), nil
	default:
		return nil, model.NewConfigError("environment.installer", "unknown installer %q", name)
	}
}

type Provisioner struct {
	index     *resolve.Index
	installer Installer
	workdir   string
	lookPath  func(string) (string, error)
}

// New returns a Provisioner creating environments under workdir, which
// defaults to the system temporary directory.
func New(index *resolve.Index, installer Installer, workdir string) *Provisioner {
	return &Provisioner{
		index:     index,
		installer: installer,
		workdir:   workdir,
		lookPath:  lookPath,
	}
}

// WithLookPath replaces the interpreter lookup.
func (p *Provisioner) WithLookPath(fn func(string) (string, error)) *Provisioner {
	p.lookPath = fn
	return p
}

// Provision creates a new environment containing exactly the packages of
// pins. The caller must Close the returned environment.
func (p *Provisioner) Provision(ctx context.Context, pins model.PinSet, interpreter string) (*Environment, error) {
	located, err := p.locate(pins)
	if err != nil {
		return nil, err
	}
	if pins.Mode == model.PinHashed {
		if err := verify(ctx, located); err != nil {
			return nil, err
		}
	}
	if err := p.closure(pins); err != nil {
		return nil, err
	}

	python, err := p.interpreter(interpreter)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.workdir, "env-*")
	if err != nil {
		return nil, &model.ProvisionError{Err: fmt.Errorf("creating environment directory: %w", err)}
	}
	env := newEnvironment(dir, python, located)
	if err := p.installer.Install(ctx, env, located); err != nil {
		if cerr := env.Close(); cerr != nil {
			slog.WarnContext(ctx, "removing environment", "dir", dir, "error", cerr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var perr *model.ProvisionError
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, &model.ProvisionError{Err: fmt.Errorf("%s installer: %w", p.installer.Name(), err)}
	}
	slog.DebugContext(ctx, "environment provisioned", "dir", dir, "installer", p.installer.Name(), "packages", len(located))
	return env, nil
}

func (p *Provisioner) locate(pins model.PinSet) ([]model.Pin, error) {
	ret := make([]model.Pin, 0, len(pins.Pins))
	for _, pin := range pins.Pins {
		if pin.Source == "" {
			rel, err := p.index.Release(pin.Name, pin.Version)
			if err != nil {
				return nil, &model.ProvisionError{Err: err}
			}
			pin.Source = rel.File
		}
		ret = append(ret, pin)
	}
	return ret, nil
}

func verify(ctx context.Context, pins []model.Pin) error {
	_, err := parallel.Map(ctx, hashLimit, pins, func(_ context.Context, pin model.Pin) (struct{}, error) {
		actual, err := resolve.HashFile(pin.Source)
		if err != nil {
			actual = "unreadable: " + err.Error()
		}
		if !pin.Accepts(actual) {
			return struct{}{}, &model.HashMismatchError{
				Package:  pin.Name,
				Version:  pin.Version,
				Expected: strings.Join(pin.Hashes(), " "),
				Actual:   actual,
			}
		}
		return struct{}{}, nil
	})
	return err
}

// closure checks that every requirement of every pinned package is
// satisfied by another pin.
func (p *Provisioner) closure(pins model.PinSet) error {
	var errs []error
	for _, pin := range pins.Pins {
		rel, err := p.index.Release(pin.Name, pin.Version)
		if err != nil {
			return &model.ProvisionError{Err: err}
		}
		for _, req := range rel.Requires {
			dep, ok := pins.Lookup(req.Name)
			if !ok {
				errs = append(errs, fmt.Errorf("%s==%s requires %s which is not pinned", pin.Name, pin.Version, req))
				continue
			}
			v, err := version.NewVersion(dep.Version)
			if err != nil || !req.Allows(v) {
				errs = append(errs, fmt.Errorf("%s==%s requires %s, pinned %s", pin.Name, pin.Version, req, dep.Version))
			}
		}
	}
	if len(errs) > 0 {
		return &model.ProvisionError{Err: errors.Join(errs...)}
	}
	return nil
}

func (p *Provisioner) interpreter(ver string) (string, error) {
	if ver == "" {
		if p.installer.NeedsInterpreter() {
			return "", &model.ProvisionError{Err: fmt.Errorf("%s installer needs an interpreter", p.installer.Name())}
		}
		return "", nil
	}
	name := ver
	if !strings.HasPrefix(filepath.Base(ver), "python") {
		name = "python" + ver
	}
	path, err := p.lookPath(name)
	if err != nil {
		return "", &model.ProvisionError{Err: fmt.Errorf("interpreter %s: %w", name, err)}
	}
	return path, nil
}
