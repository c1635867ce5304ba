package model

import (
	"context"
	"time"
)

// ArtifactBundle describes the files stored for one (run, name) pair.
type ArtifactBundle struct {
	RunID   string       `json:"run_id" yaml:"run_id"`
	Name    string       `json:"name" yaml:"name"`
	Digest  string       `json:"digest" yaml:"digest"`
	Created time.Time    `json:"created" yaml:"created"`
	Files   []BundleFile `json:"files" yaml:"files"`
	Missing []string     `json:"missing,omitempty" yaml:"missing,omitempty"`
}

type BundleFile struct {
	Path   string `json:"path" yaml:"path"`
	Size   int64  `json:"size" yaml:"size"`
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// ToolConfig is a scanner configuration file loaded read only.
type ToolConfig struct {
	Name     string         `json:"name"`
	Path     string         `json:"path"`
	Format   string         `json:"format"`
	Digest   string         `json:"digest"`
	Settings map[string]any `json:"-"`
}

// Uploader persists a collected bundle. archive is the tar.zst encoded
// content of the bundle.
type Uploader interface {
	Upload(ctx context.Context, bundle ArtifactBundle, archive []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}

// BundleStore is an Uploader which can give the bundles back.
type BundleStore interface {
	Uploader
	Get(ctx context.Context, runID, name string) (ArtifactBundle, []byte, error)
	List(ctx context.Context, runID string) ([]ArtifactBundle, error)
}
