// Package objectstore uploads generated media to S3-compatible storage
// (Cloudflare R2, AWS S3, MinIO) and returns its public URL.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	rkerrors "github.com/vinayprograms/replykit/errors"
)

// CacheControl is set on every uploaded object; keys are never reused.
const CacheControl = "public, max-age=31536000"

// Config describes the bucket. Endpoint is empty for AWS S3 and set to
// the account endpoint for R2 or MinIO.
type Config struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	PublicURL       string `toml:"public_url"`
	KeyPrefix       string `toml:"key_prefix"`
	AccessKeyID     string `toml:"-"`
	SecretAccessKey string `toml:"-"`
	// PathStyle addresses buckets as endpoint/bucket, required by MinIO.
	PathStyle bool `toml:"path_style"`
}

// Validate checks the fields needed to build public URLs.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("objectstore: bucket is required")
	}
	if c.PublicURL == "" {
		return fmt.Errorf("objectstore: public_url is required")
	}
	return nil
}

// S3Uploader writes objects with PutObject.
type S3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
	prefix    string
	nowFunc   func() time.Time
}

// New builds an uploader. Static credentials are used when both keys are
// set, otherwise the default AWS chain (env, shared config, IMDS).
func New(ctx context.Context, cfg Config) (*S3Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		// stage policy owns retries
		o.RetryMaxAttempts = 1
	})

	return &S3Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		prefix:    cfg.KeyPrefix,
		nowFunc:   time.Now,
	}, nil
}

// Upload stores data under generated-<unix ms>.<ext> and returns its
// public URL.
func (u *S3Uploader) Upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", rkerrors.InvalidInput("objectstore: empty upload")
	}
	key := u.prefix + ObjectKey(u.nowFunc(), mimeType)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
		CacheControl:  aws.String(CacheControl),
	})
	if err != nil {
		return "", rkerrors.WrapWithCode(err, rkerrors.CodeUnavailable, "objectstore: put "+key)
	}
	return u.publicURL + "/" + key, nil
}

// ObjectKey names a generated object by timestamp and mime type.
func ObjectKey(now time.Time, mimeType string) string {
	return fmt.Sprintf("generated-%d.%s", now.UnixMilli(), Extension(mimeType))
}

// Extension maps a mime type to a file extension, "bin" when unknown.
func Extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	return "bin"
}
