package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config configures the S3-compatible artifact bucket. Endpoint may point
// at Cloudflare R2 or any S3-compatible store; empty means AWS proper.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3 is the production Store on top of an S3-compatible bucket.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
	log    zerolog.Logger
}

// NewS3 builds the client. Static credentials are used when provided,
// otherwise the default AWS chain.
func NewS3(ctx context.Context, cfg S3Config, log zerolog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// R2 and most S3 clones require path-style addressing.
			o.UsePathStyle = true
		}
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		log:    log.With().Str("component", "blob").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (s *S3) objectKey(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Put uploads data under path. The object checksum is logged so uploads can
// be cross-checked against the bucket inventory.
func (s *S3) Put(ctx context.Context, path string, data []byte) error {
	key := s.objectKey(path)
	started := time.Now()

	sum := sha256.Sum256(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}

	s.log.Info().
		Str("key", key).
		Int("size_bytes", len(data)).
		Str("sha256", hex.EncodeToString(sum[:])).
		Dur("elapsed", time.Since(started)).
		Msg("Artifact uploaded")
	return nil
}
