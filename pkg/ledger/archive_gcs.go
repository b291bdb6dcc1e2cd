//go:build gcp

package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSArchive stores segments as JSON blobs in a Google Cloud Storage
// bucket. It authenticates with application default credentials.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ Archiver = (*GCSArchive)(nil)

// GCSArchiveConfig configures the target bucket.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive builds an archive over the given bucket.
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: create gcs client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) Archive(ctx context.Context, entries []Entry) (string, error) {
	data, raw, err := encodeSegment(entries)
	if err != nil {
		return "", err
	}
	ref := "sha256:" + raw

	obj := a.client.Bucket(a.bucket).Object(a.prefix + raw + ".json")
	if _, err := obj.Attrs(ctx); err == nil {
		// Already archived.
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("ledger: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("ledger: gcs close failed: %w", err)
	}
	return ref, nil
}

func (a *GCSArchive) Fetch(ctx context.Context, ref string) ([]Entry, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	reader, err := a.client.Bucket(a.bucket).Object(a.prefix + raw + ".json").NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: gcs get failed for %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return decodeSegment(data)
}

func (a *GCSArchive) Exists(ctx context.Context, ref string) (bool, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	_, err = a.client.Bucket(a.bucket).Object(a.prefix + raw + ".json").Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("ledger: gcs attrs error: %w", err)
	}
	return true, nil
}

// Close releases the underlying client.
func (a *GCSArchive) Close() error {
	return a.client.Close()
}
