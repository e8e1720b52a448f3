package source

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
)

// S3API is the part of the S3 client the fetcher uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher reads checkpoints stored as <prefix>/<seq>.chk objects.
type S3Fetcher struct {
	client S3API
	bucket string
	prefix string
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint targets S3-compatible stores such as MinIO; it implies
	// path-style addressing.
	Endpoint string
}

// NewS3Fetcher loads AWS credentials the standard way: environment,
// shared config files or an instance role.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMode(aws.RetryModeStandard),
		config.WithRetryMaxAttempts(3),
	)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3FetcherWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3FetcherWithClient(client S3API, bucket, prefix string) *S3Fetcher {
	return &S3Fetcher{client: client, bucket: bucket, prefix: prefix}
}

func (f *S3Fetcher) key(seq uint64) string {
	return path.Join(f.prefix, checkpoint.FileName(seq))
}

func (f *S3Fetcher) Fetch(ctx context.Context, seq uint64) ([]byte, error) {
	key := f.key(seq)
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, errors.Wrapf(ErrUnavailable, "s3://%s/%s does not exist", f.bucket, key)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrUnavailable, "getting s3://%s/%s: %v", f.bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "reading s3://%s/%s: %v", f.bucket, key, err)
	}
	return data, nil
}

func (f *S3Fetcher) Close() error {
	return nil
}
