package resolve

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/pelletier/go-toml/v2"
)

// Manifest holds the dependencies of a project grouped by extras. The
// mandatory dependencies are the extra model.BaseExtra.
type Manifest struct {
	Name   string
	Extras map[string][]Requirement
}

type pyproject struct {
	Project struct {
		Name                 string              `toml:"name"`
		Dependencies         []string            `toml:"dependencies"`
		OptionalDependencies map[string][]string `toml:"optional-dependencies"`
	} `toml:"project"`
}

func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, &model.ConfigError{Field: "project.manifest", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()
	return ParseManifest(f)
}

// ParseManifest reads pyproject.toml [project] table.
func ParseManifest(r io.Reader) (Manifest, error) {
	var doc pyproject
	if err := toml.NewDecoder(r).Decode(&doc); err != nil {
		return Manifest{}, &model.ConfigError{Field: "project.manifest", Err: fmt.Errorf("parsing pyproject: %w", err)}
	}

	m := Manifest{
		Name:   doc.Project.Name,
		Extras: make(map[string][]Requirement, len(doc.Project.OptionalDependencies)+1),
	}
	base, err := parseRequirements(doc.Project.Dependencies)
	if err != nil {
		return Manifest{}, &model.ConfigError{Field: "project.dependencies", Err: err}
	}
	m.Extras[model.BaseExtra] = base
	for name, deps := range doc.Project.OptionalDependencies {
		extra := model.NormalizeName(name)
		if extra == model.BaseExtra {
			return Manifest{}, model.NewConfigError("project.optional-dependencies", "extra %q is reserved", name)
		}
		reqs, err := parseRequirements(deps)
		if err != nil {
			return Manifest{}, &model.ConfigError{Field: "project.optional-dependencies." + name, Err: err}
		}
		m.Extras[extra] = reqs
	}
	return m, nil
}

// ExtraNames returns sorted names of the declared extras.
func (m Manifest) ExtraNames() []string {
	names := make([]string, 0, len(m.Extras))
	for name := range m.Extras {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Roots returns requirements of the selected extras. Unknown extra is
// a *model.ConfigError.
func (m Manifest) Roots(extras []string) ([]Requirement, []string, error) {
	selected := make([]string, 0, len(extras))
	for _, extra := range extras {
		selected = append(selected, model.NormalizeName(extra))
	}
	slices.Sort(selected)
	selected = slices.Compact(selected)

	var roots []Requirement
	for _, extra := range selected {
		reqs, ok := m.Extras[extra]
		if !ok {
			return nil, nil, model.NewConfigError("environment.extras", "unknown extra %q, declared: %v", extra, m.ExtraNames())
		}
		roots = append(roots, reqs...)
	}
	return roots, selected, nil
}

func parseRequirements(lines []string) ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(lines))
	for _, line := range lines {
		req, err := ParseRequirement(line)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
