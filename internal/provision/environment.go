package provision

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Environment is an isolated directory with installed packages.
type Environment struct {
	Dir          string
	Bin          string
	SitePackages string
	Interpreter  string
	Packages     []model.Pin

	once     sync.Once
	closeErr error
}

func newEnvironment(dir, interpreter string, pins []model.Pin) *Environment {
	return &Environment{
		Dir:          dir,
		Bin:          filepath.Join(dir, "bin"),
		SitePackages: filepath.Join(dir, "lib", "site-packages"),
		Interpreter:  interpreter,
		Packages:     slices.Clone(pins),
	}
}

// Env returns base with the environment activated: its bin directory
// first on PATH, VIRTUAL_ENV and PYTHONPATH set.
func (e *Environment) Env(base []string) []string {
	ret := make([]string, 0, len(base)+4)
	path := e.Bin
	for _, kv := range base {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "PATH":
			if value != "" {
				path = e.Bin + string(os.PathListSeparator) + value
			}
		case "VIRTUAL_ENV", "PYTHONPATH", "PYTHONHOME", "PYTHONNOUSERSITE":
		default:
			ret = append(ret, kv)
		}
	}
	return append(ret,
		"PATH="+path,
		"VIRTUAL_ENV="+e.Dir,
		"PYTHONPATH="+e.SitePackages,
		"PYTHONNOUSERSITE=1",
	)
}

// LookPath finds a tool in the environment first and on PATH then.
func (e *Environment) LookPath(name string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return exec.LookPath(name)
	}
	candidate := filepath.Join(e.Bin, name)
	if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0 {
		return candidate, nil
	}
	return exec.LookPath(name)
}

// Close removes the environment. It is safe to call it more than once.
func (e *Environment) Close() error {
	e.once.Do(func() {
		e.closeErr = os.RemoveAll(e.Dir)
	})
	return e.closeErr
}

func lookPath(name string) (string, error) {
	return exec.LookPath(name)
}
