// Package archive keeps a copy of every UBL document sent or received in
// S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rezonia/peppol-connector/internal/model"
)

// Archiver stores document payloads
type Archiver interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config holds object storage settings
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// ObjectKey returns the object name of a document payload
func ObjectKey(prefix string, doc *model.PeppolDocument) string {
	ts := doc.CreatedAt
	if doc.ReceivedAt != nil {
		ts = *doc.ReceivedAt
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	name := fmt.Sprintf("%s-%d.xml", doc.DocumentType, doc.ID)
	return path.Join(prefix, doc.Provider, string(doc.Direction), ts.UTC().Format("2006/01"), name)
}

// Noop discards everything
type Noop struct{}

// Put does nothing
func (Noop) Put(context.Context, string, []byte, string) error { return nil }

// Get always reports the object as missing
func (Noop) Get(_ context.Context, key string) ([]byte, error) {
	return nil, model.NewNotFoundError("archive object", key)
}

// MinioArchive stores payloads in a bucket
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive creates the client. It does not contact the server.
func NewMinioArchive(cfg Config) (*MinioArchive, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, model.NewConfigurationError("archive", "endpoint", "endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioArchive{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (a *MinioArchive) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Put uploads one payload
func (a *MinioArchive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}
	return nil
}

// Get downloads one payload
func (a *MinioArchive) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, model.NewNotFoundError("archive object", key)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// New returns a MinioArchive when archiving is enabled and Noop otherwise
func New(cfg Config) (Archiver, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewMinioArchive(cfg)
}
