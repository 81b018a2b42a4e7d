package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type objectClient interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config locates a dataset archive in an object store bucket.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

// S3ConfigFromEnv reads the bucket location from the environment.
func S3ConfigFromEnv() S3Config {
	return S3Config{
		Bucket: os.Getenv("IRE_DATASET_BUCKET"),
		Prefix: os.Getenv("IRE_DATASET_PREFIX"),
		Region: defaultString(os.Getenv("IRE_DATASET_REGION"), defaultString(os.Getenv("AWS_REGION"), "us-east-1")),
	}
}

// S3 serves dataset files from an object store bucket. The client is
// resolved lazily so construction never touches the network.
type S3 struct {
	mu     sync.Mutex
	client objectClient
	cfg    S3Config
}

func NewS3(cfg S3Config) (*S3, error) {
	return NewS3WithClient(cfg, nil)
}

func NewS3WithClient(cfg S3Config, client objectClient) (*S3, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3 source requires a bucket")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) key(name string) string {
	name = strings.TrimPrefix(name, "/")
	if s.cfg.Prefix == "" {
		return name
	}
	return s.cfg.Prefix + "/" + name
}

func (s *S3) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}
	key := s.key(name)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.Bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, normalizeS3Error(name, err)
	}
	if out == nil || out.Body == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	return out.Body, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := s.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	keyPrefix := s.key(strings.TrimSuffix(prefix, "/"))
	if keyPrefix != "" {
		keyPrefix += "/"
	}

	var names []string
	var continuation *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.cfg.Bucket,
			Prefix:            &keyPrefix,
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, normalizeS3Error(prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			name := *obj.Key
			if s.cfg.Prefix != "" {
				name = strings.TrimPrefix(name, s.cfg.Prefix+"/")
			}
			names = append(names, name)
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		continuation = out.NextContinuationToken
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3) resolveClient(ctx context.Context) (objectClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = s3.NewFromConfig(awsCfg)
	return s.client, nil
}

func normalizeS3Error(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotExist, name)
		}
	}
	return fmt.Errorf("s3 read %s: %w", name, err)
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
