package source

import (
	"context"
	"io"
	"path"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/option"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
)

// GCSFetcher reads checkpoints stored as <prefix>/<seq>.chk objects in a
// Google Cloud Storage bucket.
type GCSFetcher struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSFetcher uses application default credentials unless
// credentialsFile is set.
func NewGCSFetcher(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSFetcher, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS client")
	}

	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "accessing bucket %s", bucket)
	}

	return &GCSFetcher{client: client, bucket: bucket, prefix: prefix}, nil
}

func (f *GCSFetcher) Fetch(ctx context.Context, seq uint64) ([]byte, error) {
	name := path.Join(f.prefix, checkpoint.FileName(seq))
	r, err := f.client.Bucket(f.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrapf(ErrUnavailable, "gs://%s/%s does not exist", f.bucket, name)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(ErrUnavailable, "opening gs://%s/%s: %v", f.bucket, name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "reading gs://%s/%s: %v", f.bucket, name, err)
	}
	return data, nil
}

func (f *GCSFetcher) Close() error {
	return f.client.Close()
}
