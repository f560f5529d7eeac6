package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// Prefix is prepended to object keys.
	Prefix string
	// PublicBaseURL overrides the URL base returned for uploaded objects.
	PublicBaseURL string
}

// S3Mirror uploads artifacts to an S3-compatible bucket.
type S3Mirror struct {
	client *minio.Client
	cfg    S3Config
	host   string
}

// NewS3Mirror connects to the bucket and checks that it exists.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &S3Mirror{client: client, cfg: cfg, host: fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)}, nil
}

// Upload puts the artifact file under {prefix}/{YYYY/MM/DD}/{filename} and returns its public URL.
func (m *S3Mirror) Upload(ctx context.Context, art *Artifact) (string, error) {
	key := ObjectKey(m.cfg.Prefix, art)
	_, err := m.client.FPutObject(ctx, m.cfg.Bucket, key, art.Path, minio.PutObjectOptions{
		ContentType:  art.MediaType,
		UserMetadata: map[string]string{"created-at": art.CreatedAt.Format(time.RFC3339)},
	})
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	return PublicURL(m.host, m.cfg, key), nil
}

// ObjectKey derives the bucket key for an artifact.
func ObjectKey(prefix string, art *Artifact) string {
	return path.Join(strings.Trim(prefix, "/"), art.CreatedAt.Format("2006/01/02"), filepath.Base(art.Path))
}

// PublicURL builds the URL of an uploaded object.
func PublicURL(host string, cfg S3Config, key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/") + "/" + escaped
	}
	return fmt.Sprintf("%s/%s/%s", host, cfg.Bucket, escaped)
}
