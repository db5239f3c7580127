package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sddion/chainbox/pkg/config"
)

// Backend names accepted by the factory.
const (
	BackendFS  = "fs"
	BackendS3  = "s3"
	BackendGCS = "gcs"
)

// New creates the configured storage backend.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend {
	case BackendFS, "":
		return NewFileStore(filepath.Join(cfg.StorageDir, "storage"))
	case BackendS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage: s3 backend requires a bucket")
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		return newGCSFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.StorageBackend)
	}
}
