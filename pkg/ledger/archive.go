package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tetrad-labs/countersign/pkg/canonicalize"
)

// Archiver moves verified chain segments to long-term storage. Segments
// are content addressed, so re-archiving the same slice is a no-op.
type Archiver interface {
	// Archive uploads a verified segment and returns its "sha256:<hex>" ref.
	Archive(ctx context.Context, entries []Entry) (string, error)

	// Fetch downloads a segment by ref and re-verifies it.
	Fetch(ctx context.Context, ref string) ([]Entry, error)

	// Exists reports whether a segment with the given ref is archived.
	Exists(ctx context.Context, ref string) (bool, error)
}

// S3Archive stores segments as JSON blobs in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Archiver = (*S3Archive)(nil)

// S3ArchiveConfig configures the target bucket. Endpoint switches the
// client to a custom path-style endpoint for MinIO or LocalStack.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Archive builds an archive over the given bucket.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("ledger: load aws config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *S3Archive) Archive(ctx context.Context, entries []Entry) (string, error) {
	data, raw, err := encodeSegment(entries)
	if err != nil {
		return "", err
	}
	ref := "sha256:" + raw
	key := a.prefix + raw + ".json"

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		// Already archived.
		return ref, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("ledger: s3 put failed: %w", err)
	}
	return ref, nil
}

func (a *S3Archive) Fetch(ctx context.Context, ref string) ([]Entry, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + raw + ".json"),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: s3 get failed for %s: %w", ref, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, err
	}
	return decodeSegment(data)
}

func (a *S3Archive) Exists(ctx context.Context, ref string) (bool, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}

	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.prefix + raw + ".json"),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// encodeSegment refuses to serialize a segment that fails verification.
// It returns the JSON payload and the bare hex digest that addresses it.
func encodeSegment(entries []Entry) ([]byte, string, error) {
	if ok, reason := VerifyChain(entries); !ok {
		return nil, "", fmt.Errorf("ledger: refusing to archive: %s", reason)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, "", fmt.Errorf("ledger: marshal segment: %w", err)
	}
	return data, canonicalize.HashBytes(data), nil
}

func decodeSegment(data []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("ledger: decode segment: %w", err)
	}
	if ok, reason := VerifyChain(entries); !ok {
		return nil, fmt.Errorf("ledger: archived segment failed verification: %s", reason)
	}
	return entries, nil
}

func parseRef(ref string) (string, error) {
	if len(ref) < 8 || ref[:7] != "sha256:" {
		return "", fmt.Errorf("ledger: invalid archive ref: %s", ref)
	}
	return ref[7:], nil
}
