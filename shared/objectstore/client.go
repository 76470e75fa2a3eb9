package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3-compatible object store configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration
}

// Client stores produced media artifacts and result manifests, and hands out
// presigned GET URLs for them.
type Client struct {
	mc        *minio.Client
	bucket    string
	urlExpiry time.Duration
	logger    *slog.Logger
}

// NewClient creates an object store client and ensures the bucket exists.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}

	logger.Info("Connected to object store",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return &Client{
		mc:        mc,
		bucket:    cfg.Bucket,
		urlExpiry: expiry,
		logger:    logger,
	}, nil
}

// Put uploads an object under key.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(
		ctx,
		c.bucket,
		key,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("object store put %s: %w", key, err)
	}

	c.logger.Debug("Stored object",
		slog.String("key", key),
		slog.Int("size", len(data)),
	)
	return nil
}

// PresignedURL returns a time-limited GET URL for key.
func (c *Client) PresignedURL(ctx context.Context, key string) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, c.urlExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigned url for %s: %w", key, err)
	}
	return u.String(), nil
}

// Remove deletes the object under key.
func (c *Client) Remove(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("object store remove %s: %w", key, err)
	}
	return nil
}
