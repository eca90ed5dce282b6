package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage on a Google Cloud Storage bucket, so
// recording archives can be shared across analysis hosts.
type GCSStorage struct {
	client     *gcs.Client
	bucketName string
	baseDir    string
	ctx        context.Context
}

// NewGCSStorage creates a GCS-backed storage. baseDir is the object prefix
// inside the bucket (e.g. "recordings").
func NewGCSStorage(ctx context.Context, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    baseDir,
		ctx:        ctx,
	}, nil
}

// Write writes data to an object.
func (s *GCSStorage) Write(p string, data []byte) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(p))
	w := obj.NewWriter(s.ctx)
	w.ContentType = contentTypeFor(p)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Read reads an object's contents.
func (s *GCSStorage) Read(p string) ([]byte, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(p))
	r, err := obj.NewReader(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}
	return data, nil
}

// ReadSeeker buffers the object in memory. Recordings are small enough that
// a full read beats range-request bookkeeping.
func (s *GCSStorage) ReadSeeker(p string) (io.ReadSeeker, error) {
	data, err := s.Read(p)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Delete deletes an object. Deleting a missing object is not an error.
func (s *GCSStorage) Delete(p string) error {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(p))
	if err := obj.Delete(s.ctx); err != nil && err != gcs.ErrObjectNotExist {
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

// Exists checks whether an object exists.
func (s *GCSStorage) Exists(p string) (bool, error) {
	obj := s.client.Bucket(s.bucketName).Object(s.fullPath(p))
	_, err := obj.Attrs(s.ctx)
	if err == gcs.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}
	return true, nil
}

// List lists object names directly under a prefix.
func (s *GCSStorage) List(dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(s.ctx, &gcs.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		if attrs.Name != "" {
			files = append(files, path.Base(attrs.Name))
		}
	}
	return files, nil
}

func (s *GCSStorage) fullPath(p string) string {
	if s.baseDir == "" {
		return p
	}
	return path.Join(s.baseDir, p)
}

func contentTypeFor(p string) string {
	switch {
	case strings.HasSuffix(p, ".json"):
		return "application/json"
	case strings.HasSuffix(p, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(p, ".cbr"):
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}
