//go:build !gcp

package blob

import (
	"context"
	"fmt"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/config"
)

func newGCSStore(context.Context, config.MediaConfig) (Store, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
