// Package blob stores challenge media under content-derived keys.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidKey is returned for keys that could escape the store's namespace.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Object is a stored blob plus the headers it must be served with.
type Object struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
}

// Store is a key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, obj Object) error
	Get(ctx context.Context, key string) (*Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// PutMedia stores media under its SHA-256 and returns the key. Textual media
// is gzip-compressed. Storing the same bytes twice is a no-op.
func PutMedia(ctx context.Context, s Store, data []byte, mediaType string) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + extensionFor(mediaType)

	ok, err := s.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return key, nil
	}

	obj := Object{Data: data, ContentType: mediaType}
	if compressible(mediaType) {
		packed, err := gzipBytes(data)
		if err != nil {
			return "", fmt.Errorf("compress media: %w", err)
		}
		obj.Data = packed
		obj.ContentEncoding = "gzip"
	}
	if err := s.Put(ctx, key, obj); err != nil {
		return "", err
	}
	return key, nil
}

// Decode returns the uncompressed bytes of obj.
func Decode(obj *Object) ([]byte, error) {
	if obj.ContentEncoding != "gzip" {
		return obj.Data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(obj.Data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

func compressible(mediaType string) bool {
	base, _, _ := mime.ParseMediaType(mediaType)
	return strings.HasPrefix(base, "text/") || strings.HasSuffix(base, "+xml") || base == "application/json"
}

// gzipBytes writes a header without name or mtime so equal input gives equal output.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func extensionFor(mediaType string) string {
	base, _, _ := mime.ParseMediaType(mediaType)
	switch base {
	case "image/svg+xml":
		return ".svg"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}

func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// FileStore keeps blobs in a directory, each with a metadata sidecar.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

type fileMeta struct {
	ContentType     string `json:"content_type"`
	ContentEncoding string `json:"content_encoding,omitempty"`
}

// NewFileStore creates a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: media directory is shared with the web tier
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure media dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, key string, obj Object) error {
	if err := validKey(key); err != nil {
		return err
	}
	meta, err := json.Marshal(fileMeta{ContentType: obj.ContentType, ContentEncoding: obj.ContentEncoding})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, key)
	if err := writeAtomic(path+".meta", meta); err != nil {
		return err
	}
	return writeAtomic(path, obj.Data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	//nolint:gosec // G306: media files are world readable
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit blob: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) (*Object, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.baseDir, key)
	data, err := os.ReadFile(path) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	obj := &Object{Data: data}
	if raw, err := os.ReadFile(path + ".meta"); err == nil { //nolint:gosec // key validated above
		var meta fileMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("corrupt blob metadata for %s: %w", key, err)
		}
		obj.ContentType = meta.ContentType
		obj.ContentEncoding = meta.ContentEncoding
	}
	return obj, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, key)
	for _, p := range []string{path, path + ".meta"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete blob: %w", err)
		}
	}
	return nil
}
