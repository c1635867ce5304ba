package resolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/parallel"
)

const (
	maxIterations = 64
	hashLimit     = 4
)

// Resolver produces PinSets from a Manifest and an Index.
type Resolver struct {
	index *Index
}

func NewResolver(index *Index) *Resolver {
	return &Resolver{index: index}
}

func (r *Resolver) Index() *Index {
	return r.index
}

type origin struct {
	req  Requirement
	from string
}

// Resolve pins the requirements of the selected extras and all their
// transitive dependencies. The result depends only on the manifest, the
// extras set and the index content.
func (r *Resolver) Resolve(ctx context.Context, manifest Manifest, extras []string, mode model.PinMode) (model.PinSet, error) {
	if mode != model.PinHashed && mode != model.PinUnhashed {
		return model.PinSet{}, model.NewConfigError("environment.mode", "unsupported mode %q", mode)
	}
	roots, selected, err := manifest.Roots(extras)
	if err != nil {
		return model.PinSet{}, err
	}
	project := manifest.Name
	if project == "" {
		project = "project"
	}

	pins := map[string]Release{}
	converged := false
	for range maxIterations {
		if err := ctx.Err(); err != nil {
			return model.PinSet{}, err
		}
		constraints := r.constraints(project, roots, pins)
		next := make(map[string]Release, len(constraints))
		for _, name := range slices.Sorted(maps.Keys(constraints)) {
			rel, err := r.pick(name, constraints[name])
			if err != nil {
				return model.PinSet{}, err
			}
			next[name] = rel
		}
		if sameVersions(pins, next) {
			converged = true
			break
		}
		pins = next
	}
	if !converged {
		return model.PinSet{}, &model.ResolveError{
			Packages: slices.Sorted(maps.Keys(pins)),
			Err:      fmt.Errorf("resolution did not converge after %d iterations", maxIterations),
		}
	}

	ret := model.PinSet{
		Mode:   mode,
		Extras: selected,
		Pins:   make([]model.Pin, 0, len(pins)),
	}
	for _, name := range slices.Sorted(maps.Keys(pins)) {
		rel := pins[name]
		ret.Pins = append(ret.Pins, model.Pin{
			Name:    name,
			Version: rel.Version.Original(),
			Source:  rel.File,
		})
	}

	if mode == model.PinHashed {
		ret.Pins, err = hashPins(ctx, ret.Pins)
		if err != nil {
			return model.PinSet{}, err
		}
	}
	slog.DebugContext(ctx, "dependencies resolved", "pins", len(ret.Pins), "extras", selected, "digest", ret.Digest())
	return ret, nil
}

// constraints walks the dependency graph from roots through the current
// pins and collects every requirement with the package which declared it.
func (r *Resolver) constraints(project string, roots []Requirement, pins map[string]Release) map[string][]origin {
	ret := make(map[string][]origin)
	var queue []string
	for _, req := range roots {
		ret[req.Name] = append(ret[req.Name], origin{req: req, from: project})
		queue = append(queue, req.Name)
	}
	slices.Sort(queue)

	visited := make(map[string]struct{})
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := visited[name]; ok {
			continue
		}
		visited[name] = struct{}{}
		rel, ok := pins[name]
		if !ok {
			continue
		}
		from := name + "==" + rel.Version.Original()
		for _, req := range rel.Requires {
			ret[req.Name] = append(ret[req.Name], origin{req: req, from: from})
			queue = append(queue, req.Name)
		}
	}
	return ret
}

func (r *Resolver) pick(name string, origins []origin) (Release, error) {
	releases := r.index.Releases(name)
	if len(releases) == 0 {
		return Release{}, &model.ResolveError{
			Packages: involved(name, origins),
			Err:      fmt.Errorf("package %s required by %s: %w", name, requiredBy(origins), errNotInIndex),
		}
	}
next:
	for _, rel := range releases {
		for _, o := range origins {
			if !o.req.Allows(rel.Version) {
				continue next
			}
		}
		return rel, nil
	}

	specs := make([]string, 0, len(origins))
	for _, o := range origins {
		spec := o.req.Specifier
		if spec == "" {
			spec = "*"
		}
		specs = append(specs, fmt.Sprintf("%s (from %s)", spec, o.from))
	}
	slices.Sort(specs)
	return Release{}, &model.ResolveError{
		Packages: involved(name, origins),
		Err:      fmt.Errorf("no version of %s satisfies %s", name, strings.Join(specs, ", ")),
	}
}

// Locate binds pins parsed from a requirements file to the index files.
func (r *Resolver) Locate(pins model.PinSet) (model.PinSet, error) {
	ret := pins
	ret.Pins = make([]model.Pin, 0, len(pins.Pins))
	for _, pin := range pins.Pins {
		rel, err := r.index.Release(pin.Name, pin.Version)
		if err != nil {
			return model.PinSet{}, &model.ResolveError{Packages: []string{pin.Name}, Err: err}
		}
		pin.Source = rel.File
		ret.Pins = append(ret.Pins, pin)
	}
	return ret, nil
}

// HashFile returns the sha256 of a file in a pip --hash format.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func hashPins(ctx context.Context, pins []model.Pin) ([]model.Pin, error) {
	return parallel.Map(ctx, hashLimit, pins, func(_ context.Context, pin model.Pin) (model.Pin, error) {
		hash, err := HashFile(pin.Source)
		if err != nil {
			return model.Pin{}, &model.ResolveError{Packages: []string{pin.Name}, Err: fmt.Errorf("hashing distribution: %w", err)}
		}
		pin.Hash = hash
		return pin, nil
	})
}

func sameVersions(a, b map[string]Release) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ra := range a {
		rb, ok := b[name]
		if !ok || !ra.Version.Equal(rb.Version) {
			return false
		}
	}
	return true
}

func involved(name string, origins []origin) []string {
	ret := []string{name}
	for _, o := range origins {
		pkg, _, _ := strings.Cut(o.from, "==")
		ret = append(ret, pkg)
	}
	slices.Sort(ret)
	return slices.Compact(ret)
}

func requiredBy(origins []origin) string {
	from := make([]string, 0, len(origins))
	for _, o := range origins {
		from = append(from, o.from)
	}
	slices.Sort(from)
	return strings.Join(slices.Compact(from), ", ")
}
