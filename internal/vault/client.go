// Package vault talks to the Direct Data source API: it opens sessions, lists extract files
// and downloads archive parts.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vault-ingest/internal/config"
	"vault-ingest/internal/logging"
	"vault-ingest/internal/metrics"
	"vault-ingest/internal/utils"
)

// Client is a source API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retrying   *retryablehttp.Client
	limiter    *rate.Limiter
	fetch      config.FetchConfig
	logger     *zap.Logger
	metrics    *metrics.Metrics

	username   string
	password   string
	sessionTTL time.Duration

	mu        sync.Mutex
	sessionID string
	obtained  time.Time
	now       func() time.Time
}

// NewClient creates a client for the API rooted at vc.BaseURL.
func NewClient(vc config.VaultConfig, fc config.FetchConfig, logger *zap.Logger, m *metrics.Metrics) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(vc.BaseURL, "/"),
		httpClient: &http.Client{Timeout: vc.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(vc.RequestsPerSecond), vc.Burst),
		fetch:      fc,
		logger:     logger,
		metrics:    m,
		username:   vc.Username,
		password:   vc.Password,
		sessionTTL: vc.SessionTTL,
		now:        time.Now,
	}
	c.retrying = c.newRetryingClient()
	return c
}

// Authenticate exchanges credentials for a session.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*AuthResponse, error) {
	if username == "" || password == "" {
		return nil, utils.NewValidationError("username and password are required", "")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.NewAuthenticationError("authentication request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, utils.NewAuthenticationError("authentication failed",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var auth AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, utils.NewAuthenticationError("malformed authentication response", err)
	}
	if auth.ResponseStatus != statusSuccess || auth.SessionID == "" {
		return nil, utils.NewAuthenticationError("authentication failed",
			fmt.Errorf("response status %s: %s", auth.ResponseStatus, joinAPIErrors(auth.Errors)))
	}

	c.logger.Info("vault session opened", zap.Int("vault_id", auth.VaultID), zap.Int("user_id", auth.UserID))
	return &auth, nil
}

// Session returns a session id for the configured credentials, re-authenticating once the
// cached session is older than the configured TTL.
func (c *Client) Session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" && c.now().Sub(c.obtained) < c.sessionTTL {
		return c.sessionID, nil
	}
	if c.username == "" || c.password == "" {
		return "", utils.NewAuthenticationError("no session id supplied and no credentials configured", nil)
	}

	auth, err := c.Authenticate(ctx, c.username, c.password)
	if err != nil {
		return "", err
	}
	c.sessionID = auth.SessionID
	c.obtained = c.now()
	return c.sessionID, nil
}

// ListFiles lists the extract files available for q. Incremental extracts need both time
// bounds.
func (c *Client) ListFiles(ctx context.Context, sessionID string, q FileQuery) (*FileListing, error) {
	if q.ExtractType == "" {
		return nil, utils.NewValidationError("extract type is required", "")
	}
	params := url.Values{}
	params.Set("extract_type", q.ExtractType)
	if strings.EqualFold(q.ExtractType, ExtractIncremental) {
		if q.StartTime == "" || q.StopTime == "" {
			return nil, utils.NewValidationError(
				"startTime and stopTime are required for "+ExtractIncremental, q.ExtractType)
		}
		params.Set("start_time", q.StartTime)
		params.Set("stop_time", q.StopTime)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/services/directdata/files?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", sessionID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.NewErrorBuilder(utils.ErrCodeServiceUnavailable).
			WithMessage("file listing request failed").WithCause(err).Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, utils.NewAuthenticationError("session rejected", nil)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, utils.NewErrorBuilder(utils.ErrCodeServiceUnavailable).
			WithMessage("file listing failed").
			WithCause(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))).
			Build()
	}

	var listing FileListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to decode file listing: %w", err)
	}
	if listing.ResponseStatus != statusSuccess {
		return nil, utils.NewErrorBuilder(utils.ErrCodeServiceUnavailable).
			WithMessage("file listing failed").
			WithDetails(joinAPIErrors(listing.Errors)).
			Build()
	}
	return &listing, nil
}

func (c *Client) fileURL(partName string) string {
	return c.baseURL + "/services/directdata/files/" + url.PathEscape(partName)
}

func (c *Client) newRetryingClient() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = c.httpClient
	rc.Logger = logging.NewLeveledLogger(c.logger)
	rc.RetryMax = c.fetch.MaxAttempts - 1
	rc.CheckRetry = c.checkFetch
	rc.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return c.fetch.Backoff
	}
	rc.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, utils.NewDownloadFailedError(err, fmt.Sprintf("giving up after %d attempt(s)", attempts))
	}
	return rc
}
