//go:build gcp

package blob

import (
	"context"
	"fmt"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/config"
)

func newGCSStore(ctx context.Context, cfg config.MediaConfig) (Store, error) {
	if cfg.GCSBucket == "" {
		return nil, fmt.Errorf("MEDIA_GCS_BUCKET is required for GCS storage")
	}
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
