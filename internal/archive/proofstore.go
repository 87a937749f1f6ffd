package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/angelmondragon/starsfund-backend/pkg/storage/gcs"
)

var (
	// ErrProofNotFound is returned when a referenced proof object does not exist.
	ErrProofNotFound = errors.New("proof object not found")
	// ErrInvalidReference is returned for references no store can resolve.
	ErrInvalidReference = errors.New("invalid proof reference")
)

// ProofStore holds settlement proof objects and archive manifests.
type ProofStore interface {
	// Exists reports whether ref names a stored object.
	Exists(ctx context.Context, ref string) (bool, error)
	// Put writes data under key and returns the reference it can be read back by.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

type objectClient interface {
	StatObject(ctx context.Context, bucket, object string) (*gcs.ObjectAttrs, error)
	PutObject(ctx context.Context, bucket, object, contentType string, data []byte) error
	DefaultBucket() string
}

// GCSStore keeps proofs in Cloud Storage. References are either gs://bucket/object
// or an object name in the default bucket.
type GCSStore struct {
	client objectClient
}

func NewGCSStore(client objectClient) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("gcs client required")
	}
	return &GCSStore{client: client}, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	bucket, object, err := s.split(ref)
	if err != nil {
		return false, err
	}
	if _, err := s.client.StatObject(ctx, bucket, object); err != nil {
		if errors.Is(err, gcs.ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *GCSStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	object, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	bucket := s.client.DefaultBucket()
	if err := s.client.PutObject(ctx, bucket, object, contentType, data); err != nil {
		return "", err
	}
	return "gs://" + bucket + "/" + object, nil
}

func (s *GCSStore) split(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		bucket, object, found := strings.Cut(rest, "/")
		if !found || bucket == "" || object == "" {
			return "", "", fmt.Errorf("%w %q", ErrInvalidReference, ref)
		}
		return bucket, object, nil
	}
	object, err := sanitizeKey(ref)
	if err != nil {
		return "", "", err
	}
	return s.client.DefaultBucket(), object, nil
}

// FileStore persists proofs onto the local filesystem. It is intended for
// development and tests where an object store is not available.
type FileStore struct {
	basePath string
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("archive: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, err := sanitizeKey(strings.TrimPrefix(strings.TrimSpace(ref), "file://"))
	if err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(s.basePath, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: stat proof: %w", err)
	}
	return !info.IsDir(), nil
}

func (s *FileStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("archive: ensure directory: %w", err)
	}
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		return "", fmt.Errorf("archive: commit file: %w", err)
	}
	return cleanKey, nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("archive: %w: key is required", ErrInvalidReference)
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("archive: %w: %q escapes the store", ErrInvalidReference, key)
	}
	return cleaned, nil
}
