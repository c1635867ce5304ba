package artifact

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Warden/internal/model"
)

// Stores creates all stores configured in cfg. The returned BundleStore
// serves reads, it is the directory store if configured, the S3 store
// otherwise and nil when neither is.
func Stores(ctx context.Context, cfg model.Service) ([]model.Uploader, model.BundleStore, error) {
	var (
		uploaders []model.Uploader
		primary   model.BundleStore
	)
	if cfg.Dir != "" {
		s, err := NewDirStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		uploaders = append(uploaders, s)
		primary = s
	}

	if cfg.S3 != nil && cfg.S3.Enabled {
		s, err := NewS3Store(*cfg.S3)
		if err != nil {
			Close(ctx, uploaders)
			return nil, nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			Close(ctx, uploaders)
			return nil, nil, err
		}
		uploaders = append(uploaders, s)
		if primary == nil {
			primary = s
		}
	}

	if cfg.Repository != nil && cfg.Repository.Enabled {
		u, err := NewRepoUploader(cfg.Repository.URL)
		if err != nil {
			Close(ctx, uploaders)
			return nil, nil, err
		}
		uploaders = append(uploaders, u)
	}
	if len(uploaders) == 0 {
		return nil, nil, model.NewConfigError("service", "no artifact store configured")
	}
	return uploaders, primary, nil
}

// Close closes every store which needs it.
func Close(ctx context.Context, uploaders []model.Uploader) {
	for _, uploader := range uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing store have failed", "error", err)
			}
		}
	}
}
