package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/INLOpen/nexusledger/core"
	"github.com/INLOpen/nexusledger/sys"
)

// ErrObjectNotFound is returned by stores when a key does not exist.
var ErrObjectNotFound = errors.New("backup object not found")

// ObjectStore holds finished archives.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// S3Config addresses an S3 compatible bucket (AWS, MinIO).
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// S3Store uploads archives to a bucket.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store builds a client from cfg. Static credentials are used when
// AccessKey is set, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backup store: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3StoreWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3StoreWithClient(client s3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, logger: logger.With("component", "S3Store", "bucket", bucket)}
}

func (s *S3Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put uploads body under key.
func (s *S3Store) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.key(key), err)
	}
	s.logger.Info("Uploaded backup", "key", s.key(key), "size", size)
	return nil
}

// Get downloads key. The caller closes the returned body.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", s.key(key), err)
	}
	return out.Body, nil
}

// DirStore keeps archives as files in a local directory.
type DirStore struct {
	Dir string
}

func (d DirStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	tmp, err := sys.CreateTemp(d.Dir, filepath.Base(key)+".tmp-*")
	if err != nil {
		return err
	}
	bufPtr := core.CopyBufferPool.Get()
	defer core.CopyBufferPool.Put(bufPtr)
	if _, err := io.CopyBuffer(tmp, io.LimitReader(body, size), *bufPtr); err != nil {
		_ = tmp.Close()
		_ = sys.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = sys.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = sys.Remove(tmp.Name())
		return err
	}
	return sys.Rename(tmp.Name(), filepath.Join(d.Dir, filepath.Base(key)))
}

func (d DirStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := sys.Open(filepath.Join(d.Dir, filepath.Base(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	return f, nil
}

// Upload writes an archive of files to a temp file and then hands it to the
// store, since S3 uploads need a seekable body of known length.
func Upload(ctx context.Context, store ObjectStore, key string, write func(io.Writer) error) (int64, error) {
	tmp, err := os.CreateTemp("", "nexusledger-backup-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if err := write(tmp); err != nil {
		return 0, err
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	if err := store.Put(ctx, key, tmp, size); err != nil {
		return 0, err
	}
	return size, nil
}
