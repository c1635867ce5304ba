package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"
)

// S3Store keeps bundles in an S3 compatible object store using the same
// layout as DirStore. PutObject replaces objects atomically.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Store connects to the object store. Missing credentials are taken
// from the environment (AWS_ACCESS_KEY_ID or MINIO_ROOT_USER and friends).
func NewS3Store(cfg model.S3) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, model.NewConfigError("service.s3", "endpoint and bucket are required")
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     creds,
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, &model.ConfigError{Field: "service.s3.endpoint", Err: err}
	}
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Region)
}

func NewS3StoreWithClient(client *minio.Client, bucket, region string) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &S3Store{client: client, bucket: bucket, region: region}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket %s exists: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, bundle model.ArtifactBundle, archive []byte) error {
	if err := validate(bundle); err != nil {
		return err
	}
	manifest, err := yaml.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	base := path.Join(bundle.RunID, bundle.Name)
	if _, err := s.client.PutObject(ctx, s.bucket, base+Extension, bytes.NewReader(archive), int64(len(archive)), minio.PutObjectOptions{
		ContentType:  ContentType,
		UserMetadata: map[string]string{"digest": bundle.Digest},
	}); err != nil {
		return fmt.Errorf("put %s: %w", base+Extension, err)
	}
	if _, err := s.client.PutObject(ctx, s.bucket, base+manifestExtension, bytes.NewReader(manifest), int64(len(manifest)), minio.PutObjectOptions{
		ContentType: "application/yaml",
	}); err != nil {
		return fmt.Errorf("put %s: %w", base+manifestExtension, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, runID, name string) (model.ArtifactBundle, []byte, error) {
	if !ValidName(runID) || !ValidName(name) {
		return model.ArtifactBundle{}, nil, model.ErrNotFound
	}
	base := path.Join(runID, name)
	bundle, err := s.readManifest(ctx, base+manifestExtension)
	if err != nil {
		return model.ArtifactBundle{}, nil, err
	}
	archive, err := s.read(ctx, base+Extension)
	if err != nil {
		return model.ArtifactBundle{}, nil, err
	}
	return bundle, archive, nil
}

func (s *S3Store) List(ctx context.Context, runID string) ([]model.ArtifactBundle, error) {
	if !ValidName(runID) {
		return nil, nil
	}
	var ret []model.ArtifactBundle
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: runID + "/"}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", runID, obj.Err)
		}
		if !strings.HasSuffix(obj.Key, manifestExtension) {
			continue
		}
		bundle, err := s.readManifest(ctx, obj.Key)
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

func (s *S3Store) readManifest(ctx context.Context, key string) (model.ArtifactBundle, error) {
	b, err := s.read(ctx, key)
	if err != nil {
		return model.ArtifactBundle{}, err
	}
	var bundle model.ArtifactBundle
	if err := yaml.Unmarshal(b, &bundle); err != nil {
		return model.ArtifactBundle{}, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return bundle, nil
}

func (s *S3Store) read(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s3NotFound(key, err)
	}
	defer func() {
		_ = obj.Close()
	}()
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, s3NotFound(key, err)
	}
	return b, nil
}

func s3NotFound(key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", key, model.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", key, err)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
