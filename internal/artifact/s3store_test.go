package artifact_test

import (
	"testing"

	"github.com/CZERTAINLY/Warden/internal/artifact"
	"github.com/CZERTAINLY/Warden/internal/model"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioImage = "minio/minio:RELEASE.2025-04-22T22-12-26Z"
	minioUser  = "warden"
	minioPass  = "warden-secret"
)

func TestS3Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := testcontainers.Run(ctx, minioImage,
		testcontainers.WithExposedPorts("9000/tcp"),
		testcontainers.WithEnv(map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioPass,
		}),
		testcontainers.WithCmd("server", "/data"),
		testcontainers.WithWaitStrategy(wait.ForHTTP("/minio/health/live").WithPort("9000/tcp")),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "9000/tcp", "")
	require.NoError(t, err)

	store, err := artifact.NewS3Store(model.S3{
		Enabled:   true,
		Endpoint:  endpoint,
		Bucket:    "warden-bundles",
		AccessKey: minioUser,
		SecretKey: minioPass,
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.EnsureBucket(ctx))

	dir := workdir(t, map[string]string{
		"semgrep.sarif": `{"runs": []}`,
		"logs/out.txt":  "done",
	})
	c := artifact.NewCollector(dir, store).WithClock(clock)
	bundle, err := c.Collect(ctx, "run-1", "semgrep-report", []string{"semgrep.sarif", "logs"})
	require.NoError(t, err)
	again, err := c.Collect(ctx, "run-1", "semgrep-report", []string{"semgrep.sarif", "logs"})
	require.NoError(t, err)
	require.Equal(t, bundle.Digest, again.Digest)

	got, archive, err := store.Get(ctx, "run-1", "semgrep-report")
	require.NoError(t, err)
	require.Equal(t, bundle.Digest, got.Digest)
	_, contents, err := artifact.Unpack(archive)
	require.NoError(t, err)
	require.Equal(t, "done", string(contents["logs/out.txt"]))

	bundles, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	_, _, err = store.Get(ctx, "run-1", "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}
