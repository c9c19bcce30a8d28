package storage

import (
	"context"
	"strings"

	"github.com/fedutinova/fluxqc/internal/config"
)

func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Mode {
	case "s3", "aws", "localstack":
		return NewS3Storage(ctx, cfg)
	default:
		return NewLocalStorage(cfg.LocalDir)
	}
}

// Describe names the backend for startup logs.
func Describe(cfg config.StorageConfig) string {
	switch cfg.Mode {
	case "s3", "aws", "localstack":
		if isLocalStack(cfg.S3Endpoint) {
			return "LocalStack S3"
		}
		return "AWS S3"
	default:
		return "Local Filesystem"
	}
}

func isLocalStack(endpoint string) bool {
	return endpoint != "" && (strings.Contains(endpoint, "localstack") || strings.Contains(endpoint, ":4566"))
}
