package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	manifestExtension = ".yaml"
	getAttempts       = 3
)

// ErrBundleMismatch is returned by Get when the stored archive does not
// belong to the stored manifest, the bundle is being replaced.
var ErrBundleMismatch = errors.New("bundle archive does not match its manifest")

// DirStore keeps bundles in a local directory as <run>/<name>.tar.zst
// next to a <run>/<name>.yaml manifest. Files are written to a temporary
// name and renamed, so a reader never sees a partial file. Get checks
// the archive against the manifest, another process may share the
// directory.
type DirStore struct {
	mx   sync.RWMutex
	root *os.Root
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &DirStore{root: root}, nil
}

// Upload stores the bundle, replacing an existing one of the same run and
// name.
func (s *DirStore) Upload(ctx context.Context, bundle model.ArtifactBundle, archive []byte) error {
	if err := validate(bundle); err != nil {
		return err
	}
	manifest, err := yaml.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("store already closed")
	}
	if err := s.root.MkdirAll(bundle.RunID, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	base := path.Join(bundle.RunID, bundle.Name)
	// the manifest is written last, its presence marks a complete bundle
	if err := s.writeFile(base+Extension, archive); err != nil {
		return err
	}
	if err := s.writeFile(base+manifestExtension, manifest); err != nil {
		return err
	}
	slog.DebugContext(ctx, "bundle stored", "path", base+Extension, "size", len(archive))
	return nil
}

func (s *DirStore) writeFile(name string, b []byte) error {
	tmp := path.Join(path.Dir(name), "."+path.Base(name)+"-"+uuid.NewString())
	f, err := s.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.root.Rename(tmp, name)
	}
	if err != nil {
		_ = s.root.Remove(tmp)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Get returns the manifest and the archive of a bundle.
func (s *DirStore) Get(_ context.Context, runID, name string) (model.ArtifactBundle, []byte, error) {
	if !ValidName(runID) || !ValidName(name) {
		return model.ArtifactBundle{}, nil, model.ErrNotFound
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.root == nil {
		return model.ArtifactBundle{}, nil, errors.New("store already closed")
	}
	base := path.Join(runID, name)
	for range getAttempts {
		bundle, err := s.readManifest(base + manifestExtension)
		if err != nil {
			return model.ArtifactBundle{}, nil, err
		}
		archive, err := s.root.ReadFile(base + Extension)
		if err != nil {
			return model.ArtifactBundle{}, nil, notFound(err)
		}
		// the pair is re-read when a concurrent upload swapped one of them
		if packed, _, err := Unpack(archive); err == nil && packed.Digest == bundle.Digest {
			return bundle, archive, nil
		}
	}
	return model.ArtifactBundle{}, nil, fmt.Errorf("%s: %w", base, ErrBundleMismatch)
}

// List returns bundles of a run sorted by name.
func (s *DirStore) List(_ context.Context, runID string) ([]model.ArtifactBundle, error) {
	if !ValidName(runID) {
		return nil, nil
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.root == nil {
		return nil, errors.New("store already closed")
	}
	entries, err := fs.ReadDir(s.root.FS(), runID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ret []model.ArtifactBundle
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), manifestExtension) {
			continue
		}
		bundle, err := s.readManifest(path.Join(runID, e.Name()))
		if err != nil {
			return nil, err
		}
		ret = append(ret, bundle)
	}
	slices.SortFunc(ret, func(a, b model.ArtifactBundle) int {
		return strings.Compare(a.Name, b.Name)
	})
	return ret, nil
}

func (s *DirStore) readManifest(name string) (model.ArtifactBundle, error) {
	b, err := s.root.ReadFile(name)
	if err != nil {
		return model.ArtifactBundle{}, notFound(err)
	}
	var bundle model.ArtifactBundle
	if err := yaml.Unmarshal(b, &bundle); err != nil {
		return model.ArtifactBundle{}, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return bundle, nil
}

func (s *DirStore) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return errors.New("store already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	return err
}
