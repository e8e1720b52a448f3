package source

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Backend names accepted by NewFetcher.
const (
	TypeFS   = "fs"
	TypeHTTP = "http"
	TypeS3   = "s3"
	TypeGCS  = "gcs"
)

// FetcherSpec selects and configures a fetcher backend.
type FetcherSpec struct {
	Type            string
	Path            string
	URL             string
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	CredentialsFile string
	Timeout         time.Duration
}

func NewFetcher(ctx context.Context, spec FetcherSpec) (Fetcher, error) {
	switch spec.Type {
	case TypeFS:
		return NewFSFetcher(spec.Path)
	case TypeHTTP:
		return NewHTTPFetcher(spec.URL, spec.Timeout), nil
	case TypeS3:
		return NewS3Fetcher(ctx, S3Config{
			Bucket:   spec.Bucket,
			Prefix:   spec.Prefix,
			Region:   spec.Region,
			Endpoint: spec.Endpoint,
		})
	case TypeGCS:
		return NewGCSFetcher(ctx, spec.Bucket, spec.Prefix, spec.CredentialsFile)
	}
	return nil, errors.Errorf("unknown source type %q", spec.Type)
}
