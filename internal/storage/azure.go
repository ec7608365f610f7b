package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureConfig holds Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string
	AccountKey  string
	SASToken    string // Shared Access Signature token
	Container   string
	Endpoint    string // Optional custom endpoint (Azurite)
}

// AzureStore stores objects as blobs in one container.
type AzureStore struct {
	client    *azblob.Client
	account   string
	container string
}

// NewAzureStore creates a new Azure Blob backed store
func NewAzureStore(cfg *AzureConfig) (*AzureStore, error) {
	if cfg.AccountName == "" {
		return nil, fmt.Errorf("account name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("container is required")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
	if cfg.Endpoint != "" {
		serviceURL = strings.TrimRight(cfg.Endpoint, "/") + "/"
	}

	var (
		client *azblob.Client
		err    error
	)
	if cfg.SASToken != "" {
		client, err = azblob.NewClientWithNoCredential(serviceURL+"?"+strings.TrimPrefix(cfg.SASToken, "?"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client with SAS: %w", err)
		}
	} else {
		credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
	}

	return &AzureStore{client: client, account: cfg.AccountName, container: cfg.Container}, nil
}

func (s *AzureStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	contentType := "text/csv"
	_, err := s.client.UploadStream(ctx, s.container, key, body, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob %s: %w", key, err)
	}
	return nil
}

func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to download blob %s: %w", key, err)
	}
	return resp.Body, nil
}

// Exists lists with key as prefix, like the S3 backends.
func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	maxResults := int32(1)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix:     &key,
		MaxResults: &maxResults,
	})
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list blobs: %w", err)
	}
	for _, item := range page.Segment.BlobItems {
		if item.Name != nil && *item.Name == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *AzureStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				keys = append(keys, *item.Name)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// URI returns the ABFS location of prefix.
func (s *AzureStore) URI(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	base := fmt.Sprintf("abfss://%s@%s.dfs.core.windows.net/", s.container, s.account)
	if prefix == "" {
		return base
	}
	return base + prefix + "/"
}
