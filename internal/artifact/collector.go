// Package artifact collects files produced by scanners into bundles and
// persists them in stores.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"
	"github.com/CZERTAINLY/Warden/internal/parallel"
	"github.com/CZERTAINLY/Warden/internal/walk"

	"github.com/bmatcuk/doublestar/v4"
)

const hashLimit = 4

// Collector gathers files from a run work directory.
type Collector struct {
	dir    string
	stores []model.Uploader
	now    func() time.Time
}

func NewCollector(dir string, stores ...model.Uploader) *Collector {
	return &Collector{
		dir:    dir,
		stores: stores,
		now:    time.Now,
	}
}

func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

type hashed struct {
	file    model.BundleFile
	content []byte
}

// Collect resolves globs against the work directory at call time, archives
// all matched files and uploads the archive to every store. Globs without
// a match are listed in Missing. No file at all or a failed upload is a
// *model.CollectError; the returned bundle is filled in either case.
func (c *Collector) Collect(ctx context.Context, runID, name string, globs []string) (model.ArtifactBundle, error) {
	bundle := model.ArtifactBundle{
		RunID:   runID,
		Name:    name,
		Created: c.now().UTC().Truncate(time.Second),
	}
	fail := func(err error) (model.ArtifactBundle, error) {
		return bundle, &model.CollectError{RunID: runID, Bundle: name, Err: err}
	}
	if err := validate(bundle); err != nil {
		return fail(err)
	}

	root, err := os.OpenRoot(c.dir)
	if err != nil {
		return fail(err)
	}
	defer func() {
		_ = root.Close()
	}()
	fsys := root.FS()

	matched := make(map[string]walk.Entry)
	for _, glob := range globs {
		n := 0
		for entry, err := range walk.Match(ctx, fsys, filepath.ToSlash(glob)) {
			if errors.Is(err, doublestar.ErrBadPattern) {
				slog.WarnContext(ctx, "invalid artifact glob", "bundle", name, "glob", glob)
				break
			}
			if err != nil {
				return fail(fmt.Errorf("pattern %q: %w", glob, err))
			}
			matched[entry.Path()] = entry
			n++
		}
		if n == 0 {
			bundle.Missing = append(bundle.Missing, glob)
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if len(matched) == 0 {
		return fail(fmt.Errorf("%w: %s", model.ErrNoMatch, strings.Join(globs, ", ")))
	}

	contents := make(map[string][]byte, len(matched))
	paths := slices.Sorted(maps.Keys(matched))
	for h, err := range parallel.Iter(ctx, hashLimit, slices.Values(paths), func(_ context.Context, p string) (hashed, error) {
		return hashEntry(matched[p])
	}) {
		if err != nil {
			return fail(err)
		}
		bundle.Files = append(bundle.Files, h.file)
		contents[h.file.Path] = h.content
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	slices.SortFunc(bundle.Files, func(a, b model.BundleFile) int {
		return strings.Compare(a.Path, b.Path)
	})
	bundle.Digest = Digest(bundle.Files)

	archive, err := Pack(bundle, contents)
	if err != nil {
		return fail(err)
	}

	var errs []error
	for _, store := range c.stores {
		if err := store.Upload(ctx, bundle, archive); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fail(err)
	}
	slog.InfoContext(ctx, "bundle collected", "bundle", name, "files", len(bundle.Files), "missing", bundle.Missing, "digest", bundle.Digest)
	return bundle, nil
}

func hashEntry(entry walk.Entry) (hashed, error) {
	f, err := entry.Open()
	if err != nil {
		return hashed{}, fmt.Errorf("open %q: %w", entry.Path(), err)
	}
	defer func() {
		_ = f.Close()
	}()
	b, err := io.ReadAll(f)
	if err != nil {
		return hashed{}, fmt.Errorf("read %q: %w", entry.Path(), err)
	}
	sum := sha256.Sum256(b)
	return hashed{
		file: model.BundleFile{
			Path:   entry.Path(),
			Size:   int64(len(b)),
			SHA256: hex.EncodeToString(sum[:]),
		},
		content: b,
	}, nil
}
