//go:build !gcp

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/config"
)

func TestNewStore_GCSNeedsBuildTag(t *testing.T) {
	_, err := NewStore(context.Background(), config.MediaConfig{StorageType: "gcs", GCSBucket: "b"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-tags gcp")
}
