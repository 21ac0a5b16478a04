package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher returns the raw bytes behind an artifact path.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// S3API is the subset of the S3 client used to download artifacts.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source reads local files and s3://bucket/key objects. The S3 client is created on first use.
type Source struct {
	region string

	once   sync.Once
	client S3API
	err    error
}

func NewSource(region string) *Source {
	return &Source{region: region}
}

// NewSourceWithClient uses the given S3 client instead of the default AWS configuration.
func NewSourceWithClient(client S3API) *Source {
	s := &Source{client: client}
	s.once.Do(func() {})
	return s
}

func (s *Source) Fetch(ctx context.Context, path string) ([]byte, error) {
	if !strings.HasPrefix(path, "s3://") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(path, "s3://"), "/")
	if !ok || bucket == "" || key == "" {
		return nil, fmt.Errorf("malformed s3 path %q", path)
	}

	client, err := s.s3Client(ctx)
	if err != nil {
		return nil, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (s *Source) s3Client(ctx context.Context) (S3API, error) {
	s.once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error
		if s.region != "" {
			opts = append(opts, awsconfig.WithRegion(s.region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.err = fmt.Errorf("load aws config: %w", err)
			return
		}
		s.client = s3.NewFromConfig(cfg)
	})
	return s.client, s.err
}
