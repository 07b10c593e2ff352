// Package store provides storage backends for AnonRelay.
//
// This file implements an S3-backed document store: one JSON object per
// sender under a common key prefix. Works with AWS S3 and S3-compatible
// services (MinIO) through a custom endpoint.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	// s3UpdateAttempts bounds the optimistic read-modify-write loop in Update.
	s3UpdateAttempts = 3
	s3ObjectSuffix   = ".json"
)

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	s3.ListObjectsV2APIClient
}

type S3Store struct {
	client s3API
	bucket string
	prefix string
}

var _ Backend = (*S3Store)(nil)

// NewS3Store connects to the bucket named by an s3://bucket/prefix DSN and
// verifies it is reachable.
func NewS3Store(ctx context.Context, opts ...Option) (*S3Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	bucket, prefix, err := parseS3DSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	slog.Debug("NewS3Store invoked", "bucket", bucket, "prefix", prefix, "endpoint", cfg.S3Endpoint, "region", cfg.S3Region)

	var loadOpts []func(*config.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	s := newS3StoreWithClient(client, bucket, prefix)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		slog.Error("S3 bucket check failed", "error", err, "bucket", bucket)
		return nil, fmt.Errorf("failed to reach bucket %s: %w", bucket, err)
	}
	slog.Debug("S3 bucket reachable", "bucket", bucket)
	return s, nil
}

func newS3StoreWithClient(client s3API, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// parseS3DSN splits s3://bucket/some/prefix into its bucket and key prefix.
func parseS3DSN(dsn string) (bucket, prefix string, err error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 DSN %q: want s3://bucket/prefix", dsn)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func (s *S3Store) key(id models.SenderID) string {
	return s.prefix + string(id) + s3ObjectSuffix
}

func (s *S3Store) Get(ctx context.Context, id models.SenderID) (*models.UserRecord, error) {
	rec, _, err := s.getWithETag(ctx, s.key(id))
	if err != nil {
		slog.Error("S3Store Get failed", "error", err, "sender", id)
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return rec, nil
}

func (s *S3Store) getWithETag(ctx context.Context, key string) (*models.UserRecord, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	var rec models.UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, "", fmt.Errorf("failed to decode object %s: %w", key, err)
	}
	return &rec, aws.ToString(out.ETag), nil
}

func (s *S3Store) Put(ctx context.Context, rec models.UserRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.put(ctx, rec, ""); err != nil {
		slog.Error("S3Store Put failed", "error", err, "sender", rec.SenderID)
		return fmt.Errorf("failed to put user %s: %w", rec.SenderID, err)
	}
	slog.Debug("S3Store Put succeeded", "sender", rec.SenderID)
	return nil
}

func (s *S3Store) put(ctx context.Context, rec models.UserRecord, ifMatch string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(rec.SenderID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if ifMatch != "" {
		in.IfMatch = aws.String(ifMatch)
	}
	_, err = s.client.PutObject(ctx, in)
	return err
}

// Update is a conditional read-modify-write keyed on the object's ETag, retried
// when another writer got there first.
func (s *S3Store) Update(ctx context.Context, id models.SenderID, upd models.UserUpdate) error {
	for attempt := 1; attempt <= s3UpdateAttempts; attempt++ {
		rec, etag, err := s.getWithETag(ctx, s.key(id))
		if err != nil {
			slog.Error("S3Store Update read failed", "error", err, "sender", id)
			return fmt.Errorf("failed to update user %s: %w", id, err)
		}
		if rec == nil {
			return fmt.Errorf("update %s: %w", id, ErrNotFound)
		}
		upd.Apply(rec)

		err = s.put(ctx, *rec, etag)
		if err == nil {
			slog.Debug("S3Store Update succeeded", "sender", id, "attempt", attempt)
			return nil
		}
		if !isS3PreconditionFailed(err) {
			slog.Error("S3Store Update write failed", "error", err, "sender", id)
			return fmt.Errorf("failed to update user %s: %w", id, err)
		}
		slog.Debug("S3Store Update lost a concurrent write, retrying", "sender", id, "attempt", attempt)
	}
	return fmt.Errorf("failed to update user %s: too many concurrent writers", id)
}

// ListAll pages through the prefix and fetches every object. Intended for
// small deployments; cost grows linearly with the number of senders.
func (s *S3Store) ListAll(ctx context.Context) ([]models.UserRecord, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	var records []models.UserRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("S3Store ListAll page failed", "error", err)
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, s3ObjectSuffix) {
				continue
			}
			rec, _, err := s.getWithETag(ctx, key)
			if err != nil {
				slog.Error("S3Store ListAll fetch failed", "error", err, "key", key)
				return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
			}
			if rec == nil {
				// deleted between list and get
				continue
			}
			records = append(records, *rec)
		}
	}
	slog.Debug("S3Store ListAll succeeded", "count", len(records))
	return records, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
