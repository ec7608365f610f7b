package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"vault-ingest/internal/utils"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Fetch downloads one archive part. Transport failures, 5xx and 429 responses and bodies
// below the configured floor are retried with a fixed backoff; after the last attempt the
// call fails with DownloadFailed wrapping the last cause. Other 4xx responses are not
// retried.
func (c *Client) Fetch(ctx context.Context, partName, sessionID string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, utils.NewDownloadFailedError(err, partName)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(partName), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", sessionID)
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.retrying.Do(req)
	if err != nil {
		var appErr *utils.AppError
		if !errors.As(err, &appErr) {
			err = utils.NewDownloadFailedError(err, partName)
		}
		c.logger.Error("archive download failed", zap.String("part", partName), zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.NewDownloadFailedError(err, partName)
	}

	c.metrics.RecordFetchBytes(len(data))
	c.logger.Info("archive downloaded", zap.String("part", partName), zap.Int("bytes", len(data)))
	return data, nil
}

// checkFetch decides whether a download attempt is retried. The body of a 200 response is
// buffered here so its size can be judged; the buffered copy replaces resp.Body.
func (c *Client) checkFetch(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		c.metrics.RecordFetchAttempt("retry")
		return true, err
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		c.metrics.RecordFetchAttempt("retry")
		return true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		c.metrics.RecordFetchAttempt("error")
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if readErr != nil {
		c.metrics.RecordFetchAttempt("retry")
		return true, fmt.Errorf("failed to read body: %w", readErr)
	}
	if len(body) < c.fetch.MinBodyBytes {
		c.metrics.RecordFetchAttempt("retry")
		return true, fmt.Errorf("implausible body of %d bytes, expected at least %d", len(body), c.fetch.MinBodyBytes)
	}

	c.metrics.RecordFetchAttempt("ok")
	return false, nil
}

// ValidateArchive checks the gzip signature of a downloaded blob so an error page or empty
// body never reaches extraction.
func ValidateArchive(data []byte) error {
	if len(data) <= len(gzipMagic) || !bytes.HasPrefix(data, gzipMagic) {
		return utils.NewInvalidArchiveError(fmt.Sprintf("%d bytes without gzip signature", len(data)))
	}
	return nil
}
