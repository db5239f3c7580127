//go:build !gcp

package storage

import (
	"context"
	"fmt"

	"github.com/sddion/chainbox/pkg/config"
)

func newGCSFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	return nil, fmt.Errorf("storage: gcs backend requires building with -tags gcp")
}
