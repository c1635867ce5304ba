package artifact

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
	ContentType      = "application/zstd"
	Extension        = ".tar.zst"
)

// Pack encodes the bundle and the content of its files as tar.zst. The
// manifest comes first and entries are sorted, so the same bundle always
// packs to the same bytes.
func Pack(bundle model.ArtifactBundle, contents map[string][]byte) ([]byte, error) {
	manifest, err := yaml.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	write := func(name string, b []byte) error {
		header := &tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(b)),
			ModTime:  bundle.Created,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write header for %q: %w", name, err)
		}
		if _, err := tw.Write(b); err != nil {
			return fmt.Errorf("write %q: %w", name, err)
		}
		return nil
	}

	if err := write(manifestFileName, manifest); err != nil {
		return nil, err
	}
	for _, f := range bundle.Files {
		content, ok := contents[f.Path]
		if !ok {
			return nil, fmt.Errorf("content of %q: %w", f.Path, model.ErrNotFound)
		}
		if err := write(path.Join(filesTarPrefix, f.Path), content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack decodes an archive created by Pack and verifies every file
// against the manifest.
func Unpack(archive []byte) (model.ArtifactBundle, map[string][]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return model.ArtifactBundle{}, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		bundle   model.ArtifactBundle
		manifest bool
		contents = make(map[string][]byte)
		tr       = tar.NewReader(decoder)
	)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.ArtifactBundle{}, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return model.ArtifactBundle{}, nil, fmt.Errorf("read %q: %w", header.Name, err)
		}
		if header.Name == manifestFileName {
			if err := yaml.Unmarshal(b, &bundle); err != nil {
				return model.ArtifactBundle{}, nil, fmt.Errorf("unmarshal manifest: %w", err)
			}
			manifest = true
			continue
		}
		name, ok := strings.CutPrefix(header.Name, filesTarPrefix+"/")
		if !ok {
			return model.ArtifactBundle{}, nil, fmt.Errorf("unexpected entry %q", header.Name)
		}
		contents[name] = b
	}
	if !manifest {
		return model.ArtifactBundle{}, nil, fmt.Errorf("bundle missing %s", manifestFileName)
	}

	for _, f := range bundle.Files {
		b, ok := contents[f.Path]
		if !ok {
			return model.ArtifactBundle{}, nil, fmt.Errorf("file %q missing from archive", f.Path)
		}
		if int64(len(b)) != f.Size {
			return model.ArtifactBundle{}, nil, fmt.Errorf("size mismatch for %q: expected %d got %d", f.Path, f.Size, len(b))
		}
		if sum := sha256.Sum256(b); hex.EncodeToString(sum[:]) != f.SHA256 {
			return model.ArtifactBundle{}, nil, fmt.Errorf("sha256 mismatch for %q", f.Path)
		}
	}
	return bundle, contents, nil
}

// Digest identifies the content of a bundle: it only depends on file
// paths and their hashes.
func Digest(files []model.BundleFile) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s  %s\n", f.SHA256, f.Path)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ValidName reports whether s can be used as a run id or bundle name, a
// single path element.
func ValidName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}

func validate(bundle model.ArtifactBundle) error {
	if !ValidName(bundle.RunID) {
		return fmt.Errorf("invalid run id %q", bundle.RunID)
	}
	if !ValidName(bundle.Name) {
		return fmt.Errorf("invalid bundle name %q", bundle.Name)
	}
	return nil
}
