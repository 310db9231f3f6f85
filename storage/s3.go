package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for the S3 archive backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("storage: S3 bucket is required")
	}
	return nil
}

// ParseS3Path parses a path in format "bucket/prefix" or "bucket".
func ParseS3Path(path string) (bucket, prefix string) {
	parts := strings.SplitN(path, "/", 2)
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix
}

// s3PutAPI is the slice of the S3 client the archiver uses.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads capture artifacts to S3 under a per-session prefix.
type S3Archiver struct {
	client    s3PutAPI
	bucket    string
	prefix    string
	device    string
	day       string
	sessionID string
}

// NewS3Archiver creates an archiver for one capture session.
// Uses the AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3Archiver(ctx context.Context, cfg S3Config, device, day, sessionID string) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client:    s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		device:    device,
		day:       day,
		sessionID: sessionID,
	}, nil
}

// Put implements Archiver.
func (a *S3Archiver) Put(ctx context.Context, filename, contentType string, body io.Reader) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}

	key := a.buildKey(filename)
	input := &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// buildKey computes the object key for a session artifact.
// Format: [<prefix>/]captures/device=<d>/day=<day>/session=<id>/<filename>
func (a *S3Archiver) buildKey(filename string) string {
	key := fmt.Sprintf("captures/device=%s/day=%s/session=%s/%s",
		a.device, a.day, a.sessionID, filename)
	if a.prefix != "" {
		return a.prefix + "/" + key
	}
	return key
}

// Verify S3Archiver implements Archiver.
var _ Archiver = (*S3Archiver)(nil)
