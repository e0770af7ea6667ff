// Package evidence stores screenshot artifacts in S3-compatible object storage.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader stores an evidence blob and returns its storage path.
type Uploader interface {
	Upload(ctx context.Context, targetID, contextKey string, blob []byte) (string, error)
}

// Config is the object storage configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	Timeout   time.Duration
}

const defaultUploadTimeout = 30 * time.Second

// MinioUploader uploads evidence with minio-go.
type MinioUploader struct {
	client  *miniogo.Client
	bucket  string
	timeout time.Duration
	now     func() time.Time
}

// NewMinioUploader creates an uploader. It does not contact the server.
func NewMinioUploader(cfg Config) (*MinioUploader, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("evidence endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("evidence bucket is required")
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket, timeout: timeout, now: time.Now}, nil
}

// Upload stores blob under a dated key and returns "bucket/key".
func (u *MinioUploader) Upload(ctx context.Context, targetID, contextKey string, blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", errors.New("empty evidence blob")
	}
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	ts := u.now().UTC()
	key := ObjectKey(targetID, contextKey, blob, ts)
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(blob), int64(len(blob)), miniogo.PutObjectOptions{
		ContentType: contentType(blob),
		UserMetadata: map[string]string{
			"target":      targetID,
			"context":     contextKey,
			"captured-at": ts.Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload evidence: %w", err)
	}
	return u.bucket + "/" + key, nil
}

// HealthCheck verifies the bucket is reachable.
func (u *MinioUploader) HealthCheck(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", u.bucket)
	}
	return nil
}

// ObjectKey builds evidence/{target}/{context}/{yyyy}/{mm}/{dd}/{hash}_{timestamp}.{ext}.
func ObjectKey(targetID, contextKey string, blob []byte, ts time.Time) string {
	sum := sha256.Sum256(blob)
	ext := "png"
	if contentType(blob) == "image/jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("evidence/%s/%s/%s/%s_%s.%s",
		sanitize(targetID), sanitize(contextKey), ts.Format("2006/01/02"),
		hex.EncodeToString(sum[:])[:12], ts.Format("20060102150405"), ext)
}

var (
	invalidKeyChars        = regexp.MustCompile(`[^a-z0-9_-]`)
	consecutiveUnderscores = regexp.MustCompile(`_{2,}`)
)

func sanitize(s string) string {
	s = invalidKeyChars.ReplaceAllString(strings.ToLower(s), "_")
	s = strings.Trim(consecutiveUnderscores.ReplaceAllString(s, "_"), "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func contentType(blob []byte) string {
	if len(blob) >= 3 && blob[0] == 0xFF && blob[1] == 0xD8 && blob[2] == 0xFF {
		return "image/jpeg"
	}
	return "image/png"
}
