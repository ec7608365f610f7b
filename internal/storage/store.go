// Package storage provides the durable object store that extracted payloads land in.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"vault-ingest/internal/config"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is a flat key/value blob store.
type ObjectStore interface {
	// Put creates or replaces key with size bytes read from body.
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	// Get opens key for reading. Callers close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key is present, using a prefix listing.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// URI returns the location string query engines use for prefix.
	URI(prefix string) string
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, &S3Config{
			Region:         cfg.Region,
			Bucket:         cfg.Bucket,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			EndpointURL:    cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
			MaxRetries:     cfg.MaxRetries,
		})
	case "minio":
		return NewMinioStore(&MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Secure:    cfg.UseSSL,
		})
	case "azure":
		return NewAzureStore(&AzureConfig{
			AccountName: cfg.AccountName,
			AccountKey:  cfg.AccountKey,
			SASToken:    cfg.SASToken,
			Container:   cfg.Bucket,
			Endpoint:    cfg.Endpoint,
		})
	case "memory":
		return NewMemoryStore(cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// JoinKey joins key segments with "/" and drops empty segments and stray separators.
func JoinKey(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

func bucketURI(bucket, prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("s3://%s/", bucket)
	}
	return fmt.Sprintf("s3://%s/%s/", bucket, prefix)
}
