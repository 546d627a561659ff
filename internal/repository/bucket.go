package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
)

// ErrObjectNotFound is returned by a Bucket when an object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Bucket is a flat object namespace holding whole documents.
type Bucket interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
}

// FSBucket stores objects as files below Root.
type FSBucket struct {
	Root string
}

// NewFSBucket creates a filesystem bucket rooted at root.
func NewFSBucket(root string) *FSBucket {
	return &FSBucket{Root: root}
}

func (b *FSBucket) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(b.Root, clean), nil
}

func (b *FSBucket) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := b.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Put writes to a temporary file and renames it into place.
func (b *FSBucket) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := b.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snaptrack-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

// GCSBucket stores objects in a Google Cloud Storage bucket.
type GCSBucket struct {
	handle *storage.BucketHandle
}

// NewGCSBucket wraps the named bucket of client.
func NewGCSBucket(client *storage.Client, bucket string) *GCSBucket {
	return &GCSBucket{handle: client.Bucket(bucket)}
}

func (b *GCSBucket) Get(ctx context.Context, name string) ([]byte, error) {
	reader, err := b.handle.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open gs object %s: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs object %s: %w", name, err)
	}
	return data, nil
}

func (b *GCSBucket) Put(ctx context.Context, name string, data []byte) error {
	writer := b.handle.Object(name).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write gs object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs object %s: %w", name, err)
	}
	return nil
}
