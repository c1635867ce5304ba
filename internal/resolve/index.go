package resolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// Index is a local package repository described by an index.yaml file:
//
//	packages:
//	  bandit:
//	    - version: 1.7.9
//	      file: bandit-1.7.9-py3-none-any.whl
//	      requires: ["pyyaml>=5.3.1", "stevedore>=1.20.0"]
//
// File paths are relative to the index file.
type Index struct {
	dir      string
	packages map[string][]Release
}

// Release is one version of a package available in the index.
type Release struct {
	Name     string
	Version  *version.Version
	File     string // absolute path
	Requires []Requirement
}

type indexFile struct {
	Packages map[string][]struct {
		Version  string   `yaml:"version"`
		File     string   `yaml:"file"`
		Requires []string `yaml:"requires"`
	} `yaml:"packages"`
}

func LoadIndex(path string) (*Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigError{Field: "project.index", Err: err}
	}
	var f indexFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, &model.ConfigError{Field: "project.index", Err: fmt.Errorf("parsing %s: %w", path, err)}
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	idx := &Index{
		dir:      dir,
		packages: make(map[string][]Release, len(f.Packages)),
	}
	for rawName, entries := range f.Packages {
		name := model.NormalizeName(rawName)
		for _, e := range entries {
			v, err := version.NewVersion(e.Version)
			if err != nil {
				return nil, &model.ConfigError{Field: "project.index", Err: fmt.Errorf("package %s: %w", name, err)}
			}
			if e.File == "" {
				return nil, model.NewConfigError("project.index", "package %s==%s: missing file", name, e.Version)
			}
			reqs, err := parseRequirements(e.Requires)
			if err != nil {
				return nil, &model.ConfigError{Field: "project.index", Err: fmt.Errorf("package %s==%s: %w", name, e.Version, err)}
			}
			file := e.File
			if !filepath.IsAbs(file) {
				file = filepath.Join(dir, filepath.FromSlash(file))
			}
			idx.packages[name] = append(idx.packages[name], Release{
				Name:     name,
				Version:  v,
				File:     file,
				Requires: reqs,
			})
		}
		// newest first
		slices.SortFunc(idx.packages[name], func(a, b Release) int {
			return b.Version.Compare(a.Version)
		})
	}
	return idx, nil
}

// Dir returns the directory of the index file.
func (i *Index) Dir() string {
	return i.dir
}

// Releases returns all known releases of name, newest first.
func (i *Index) Releases(name string) []Release {
	return i.packages[model.NormalizeName(name)]
}

// Release returns a specific release.
func (i *Index) Release(name, ver string) (Release, error) {
	v, err := version.NewVersion(ver)
	if err != nil {
		return Release{}, err
	}
	for _, r := range i.Releases(name) {
		if r.Version.Equal(v) {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("%s==%s: %w", name, ver, errNotInIndex)
}

var errNotInIndex = errors.New("not in index")
