package provision

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
)

const installedFile = "installed.txt"

// LocalInstaller installs without python: wheels are extracted into
// site-packages, their scripts into bin. Source distributions can't be
// built, they are copied into sdist/ for tools which read them.
type LocalInstaller struct{}

func (LocalInstaller) Name() string { return model.InstallerLocal }

func (LocalInstaller) NeedsInterpreter() bool { return false }

func (LocalInstaller) Install(ctx context.Context, env *Environment, pins []model.Pin) error {
	for _, dir := range []string{env.Bin, env.SitePackages} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if env.Interpreter != "" {
		if err := os.Symlink(env.Interpreter, filepath.Join(env.Bin, "python")); err != nil {
			return err
		}
	}

	root, err := os.OpenRoot(env.Dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = root.Close()
	}()

	var installed strings.Builder
	for _, pin := range pins {
		if err := ctx.Err(); err != nil {
			return err
		}
		if strings.HasSuffix(pin.Source, ".whl") {
			err = extractWheel(root, pin.Source)
		} else {
			err = copyFile(root, pin.Source, path.Join("sdist", filepath.Base(pin.Source)))
		}
		if err != nil {
			return fmt.Errorf("installing %s==%s: %w", pin.Name, pin.Version, err)
		}
		fmt.Fprintf(&installed, "%s==%s\n", pin.Name, pin.Version)
	}
	return root.WriteFile(installedFile, []byte(installed.String()), 0o644)
}

// extractWheel places the wheel entries below root. The .data/ directory
// of a wheel is split by its scheme.
func extractWheel(root *os.Root, wheel string) error {
	zr, err := zip.OpenReader(wheel)
	if err != nil {
		return err
	}
	defer func() {
		_ = zr.Close()
	}()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !filepath.IsLocal(f.Name) {
			return fmt.Errorf("wheel %s: entry %q escapes the environment", filepath.Base(wheel), f.Name)
		}
		dest, mode := wheelDest(f.Name)
		if err := extractFile(root, f, dest, mode); err != nil {
			return err
		}
	}
	return nil
}

func wheelDest(name string) (string, os.FileMode) {
	first, rest, ok := strings.Cut(name, "/")
	if ok && strings.HasSuffix(first, ".data") {
		scheme, file, _ := strings.Cut(rest, "/")
		switch scheme {
		case "scripts":
			return path.Join("bin", file), 0o755
		case "purelib", "platlib":
			return path.Join("lib", "site-packages", file), 0o644
		default:
			return path.Join(scheme, file), 0o644
		}
	}
	return path.Join("lib", "site-packages", name), 0o644
}

func extractFile(root *os.Root, f *zip.File, dest string, mode os.FileMode) error {
	if err := root.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return err
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	w, err := root.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func copyFile(root *os.Root, src, dest string) error {
	if err := root.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return err
	}
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.Close()
	}()
	w, err := root.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
