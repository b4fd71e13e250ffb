package minio

import (
	"context"
	"errors"
	"net/url"
	"time"

	"smallbiznis-economy/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("minio.client", fx.Provide(registerClient, NewPresigner))

// registerClient returns nil when no endpoint is configured.
func registerClient(c *config.Config) *minio.Client {
	if c.Minio.Endpoint == "" {
		zap.L().Info("MinIO endpoint not configured, object presigning disabled")
		return nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		zap.L().Fatal("failed to create MinIO client", zap.Error(err))
	}

	if c.Minio.BucketName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		exists, err := client.BucketExists(ctx, c.Minio.BucketName)
		if err != nil {
			zap.L().Warn("failed to check if bucket exists", zap.String("bucket", c.Minio.BucketName), zap.Error(err))
		}
		zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.Bool("bucketExists", exists))
	}
	return client
}

// Presigner issues time-limited download URLs for stored objects.
type Presigner struct {
	client        *minio.Client
	defaultBucket string
}

// NewPresigner returns nil when the client is not configured.
func NewPresigner(client *minio.Client, c *config.Config) *Presigner {
	if client == nil {
		return nil
	}
	return &Presigner{client: client, defaultBucket: c.Minio.BucketName}
}

func (p *Presigner) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	if bucket == "" {
		bucket = p.defaultBucket
	}
	if bucket == "" || key == "" {
		return "", errors.New("bucket and key are required")
	}
	u, err := p.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
