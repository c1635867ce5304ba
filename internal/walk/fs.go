// Package walk finds regular files in a filesystem.
package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is a regular file found by a walk. Path is slash separated and
// relative to the walked filesystem.
type Entry interface {
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// FS recursively walks the directory dir of root and returns a handle for
// every regular file found, or an error if file information retrieval
// fails. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, dir string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(p string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				root: root,
				path: p,
			}
			var yieldErr error
			if err != nil {
				entry.infoErr = err
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, dir, fn)
	}
}

// Match returns regular files matched by a doublestar pattern. A matched
// directory contributes every regular file under it. Symlinks are not
// followed.
func Match(ctx context.Context, root fs.FS, pattern string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		matches, err := doublestar.Glob(root, path.Clean(pattern))
		if err != nil {
			yield(nil, err)
			return
		}
		for _, match := range matches {
			for entry, err := range FS(ctx, root, match) {
				if !yield(entry, err) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
