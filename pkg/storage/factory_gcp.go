//go:build gcp

package storage

import (
	"context"
	"fmt"

	"github.com/sddion/chainbox/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("storage: gcs backend requires a bucket")
	}
	return NewGCSStore(ctx, GCSConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
