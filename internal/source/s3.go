package source

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// S3Config locates the backing bucket.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// s3API is the slice of the S3 client the source uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source fetches resource payloads from an S3 bucket. It implements
// types.SourceFetcher for cold-tier sync, predictive prefetch, and the
// bootstrap loader.
type S3Source struct {
	client s3API
	bucket string
	prefix string
	logger *zap.Logger
}

var _ types.SourceFetcher = (*S3Source)(nil)

// NewS3 creates an S3 source using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 source requires a bucket").
			WithComponent("source")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "load aws config").
			WithComponent("source").
			WithCause(err)
	}

	return newS3WithClient(s3.NewFromConfig(awsCfg), cfg, logger), nil
}

func newS3WithClient(client s3API, cfg S3Config, logger *zap.Logger) *S3Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger.With(zap.String("component", "source")),
	}
}

// Fetch downloads the object for key and returns its raw bytes.
func (s *S3Source) Fetch(ctx context.Context, key string) (interface{}, error) {
	objectKey := key
	if s.prefix != "" {
		objectKey = path.Join(s.prefix, key)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeFetchFailed, "get s3://%s/%s", s.bucket, objectKey).
			WithComponent("source").
			WithOperation("fetch").
			WithDetail("key", key).
			WithCause(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeFetchFailed, "read s3://%s/%s", s.bucket, objectKey).
			WithComponent("source").
			WithOperation("fetch").
			WithCause(err)
	}

	s.logger.Debug("fetched object",
		zap.String("key", objectKey),
		zap.Int("bytes", len(data)))
	return data, nil
}
