package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"audiobook-pipeline/internal/config"
)

// ErrObjectNotFound is returned when a handle resolves to no stored object.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the putObject/getObject contract the chunk store builds on.
type ObjectStore interface {
	Put(ctx context.Context, handle string, body []byte, contentType string) error
	Get(ctx context.Context, handle string) ([]byte, error)
}

// NewObjectStore selects the S3 backend when a bucket is configured, the local
// directory backend otherwise.
func NewObjectStore(ctx context.Context, cfg config.Config) (ObjectStore, error) {
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Store{client: client, bucket: cfg.MediaS3Bucket}, nil
	}
	return &LocalStore{baseDir: cfg.MediaDir}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// LocalStore keeps objects under a base directory. Used for dev and tests.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) Put(_ context.Context, handle string, body []byte, _ string) error {
	path := filepath.Join(l.baseDir, sanitizeHandle(handle))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	// Write to a temp file and rename so readers never see partial bytes.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish object: %w", err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, handle string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.baseDir, sanitizeHandle(handle)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// S3Store stores objects in an S3 bucket. Puts are retried a few times since
// transient S3 errors are common and the callers treat a failed put as a
// transient stage error anyway.
type S3Store struct {
	client *s3.Client
	bucket string
}

func (s *S3Store) Put(ctx context.Context, handle string, body []byte, contentType string) error {
	key := sanitizeHandle(handle)
	err := retry.Do(
		func() error {
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(s.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(body),
				ContentType: aws.String(contentType),
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, handle string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeHandle(handle)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", handle, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", handle, err)
	}
	return data, nil
}

func sanitizeHandle(handle string) string {
	handle = filepath.Clean(handle)
	handle = strings.TrimPrefix(handle, string(filepath.Separator))
	handle = strings.TrimPrefix(handle, "./")
	return handle
}
