// Package resolvetest builds a small python project with a local package
// index for tests.
package resolvetest

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const Pyproject = `[project]
name = "demo"
version = "0.1.0"
dependencies = ["requests>=2"]

[project.optional-dependencies]
security = ["bandit[toml]>=1.7,<2", "pip-audit~=2.7 ; python_version >= '3.8'"]
docs = ["sphinx"]
conflict = ["bandit==1.7.9", "rich<13"]
`

const IndexYAML = `packages:
  requests:
    - version: "2.31.0"
      file: dist/requests-2.31.0-py3-none-any.whl
      requires: ["urllib3>=1.21.1,<3"]
  urllib3:
    - version: "1.26.18"
      file: dist/urllib3-1.26.18-py2.py3-none-any.whl
    - version: "2.2.1"
      file: dist/urllib3-2.2.1-py3-none-any.whl
  bandit:
    - version: "1.7.5"
      file: dist/bandit-1.7.5-py3-none-any.whl
      requires: ["PyYAML>=5.3.1", "stevedore>=1.20.0"]
    - version: "1.7.9"
      file: dist/bandit-1.7.9-py3-none-any.whl
      requires: ["PyYAML>=5.3.1", "stevedore>=1.20.0", "rich>=13"]
    - version: "2.0.0"
      file: dist/bandit-2.0.0-py3-none-any.whl
  PyYAML:
    - version: "5.4.1"
      file: dist/PyYAML-5.4.1.tar.gz
    - version: "6.0.1"
      file: dist/PyYAML-6.0.1-py3-none-any.whl
  stevedore:
    - version: "5.1.0"
      file: dist/stevedore-5.1.0-py3-none-any.whl
      requires: ["pbr!=2.1.0,>=2.0.0"]
  pbr:
    - version: "6.0.0"
      file: dist/pbr-6.0.0-py2.py3-none-any.whl
  rich:
    - version: "12.6.0"
      file: dist/rich-12.6.0-py3-none-any.whl
    - version: "13.7.1"
      file: dist/rich-13.7.1-py3-none-any.whl
  pip-audit:
    - version: "2.7.3"
      file: dist/pip_audit-2.7.3-py3-none-any.whl
      requires: ["rich>=12.4"]
`

type Project struct {
	Dir      string
	Manifest string
	Index    string
}

// New writes the project into a new temporary directory.
func New(t *testing.T) Project {
	t.Helper()
	dir := t.TempDir()
	p := Project{
		Dir:      dir,
		Manifest: filepath.Join(dir, "pyproject.toml"),
		Index:    filepath.Join(dir, "wheelhouse", "index.yaml"),
	}
	require.NoError(t, os.WriteFile(p.Manifest, []byte(Pyproject), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wheelhouse", "dist"), 0o755))
	require.NoError(t, os.WriteFile(p.Index, []byte(IndexYAML), 0o644))

	for _, line := range strings.Split(IndexYAML, "\n") {
		file, ok := strings.CutPrefix(strings.TrimSpace(line), "file: ")
		if !ok {
			continue
		}
		path := filepath.Join(dir, "wheelhouse", filepath.FromSlash(file))
		if strings.HasSuffix(file, ".whl") {
			writeWheel(t, path)
		} else {
			require.NoError(t, os.WriteFile(path, []byte("sdist "+filepath.Base(file)), 0o644))
		}
	}
	return p
}

// writeWheel creates a minimal wheel: a package and its dist-info.
func writeWheel(t *testing.T, path string) {
	t.Helper()
	parts := strings.SplitN(filepath.Base(path), "-", 3)
	pkg, ver := strings.ToLower(parts[0]), parts[1]

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entries := []struct{ name, content string }{
		{pkg + "/__init__.py", "__version__ = \"" + ver + "\"\n"},
		{pkg + "-" + ver + ".dist-info/METADATA", "Metadata-Version: 2.1\nName: " + pkg + "\nVersion: " + ver + "\n"},
	}
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}
