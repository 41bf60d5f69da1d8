package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
)

const (
	// DefaultTimeout is the default timeout for platform requests
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize bounds a single page response (10MB)
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "storeflow-sync/1.0"
)

// HTTPClient fetches entity pages from the commerce platform's export API.
// Failures are classified into the transient/permanent fetch taxonomy so the
// retry policy can act on them.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithToken sets the bearer token for platform authentication.
func WithToken(token string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// NewHTTPClient creates a platform fetch client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pageResponse is the platform export API's page envelope.
type pageResponse struct {
	Items      []Item `json:"items"`
	NextCursor string `json:"nextCursor"`
	HasMore    bool   `json:"hasMore"`
}

// FetchPage pulls one page of records for a tenant and entity type.
func (c *HTTPClient) FetchPage(ctx context.Context, tenant string, et entity.Type, cursor string, full bool) (*Page, error) {
	u, err := url.Parse(fmt.Sprintf("%s/export/%s/%s", c.baseURL, url.PathEscape(tenant), et))
	if err != nil {
		return nil, errs.NewPermanentFetch(errs.CodeMalformed,
			"The sync is misconfigured. Check the platform URL.", err)
	}
	q := u.Query()
	if cursor != "" && !full {
		q.Set("cursor", cursor)
	}
	q.Set("full", strconv.FormatBool(full))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return nil, errs.NewTransientFetch(errs.CodeNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, u.String())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, errs.NewTransientFetch(errs.CodeNetwork, err)
	}

	var pr pageResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, errs.NewPermanentFetch(errs.CodeMalformed,
			"The platform returned data this server could not read.", err)
	}
	return &Page{Items: pr.Items, NextCursor: pr.NextCursor, HasMore: pr.HasMore}, nil
}

// classifyStatus maps a non-200 platform response to the fetch taxonomy.
// Rate limits and server errors retry; auth and client errors do not.
func classifyStatus(status int, requestURL string) error {
	err := fmt.Errorf("platform returned %d for %s", status, requestURL)
	switch {
	case status == http.StatusTooManyRequests:
		return errs.NewTransientFetch(errs.CodeRateLimited, err)
	case status >= 500:
		return errs.NewTransientFetch(errs.CodeUpstream, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.NewPermanentFetch(errs.CodeAuth,
			"The platform rejected this store's credentials. Reconnect the store.", err)
	default:
		return errs.NewPermanentFetch(errs.CodeMalformed,
			"The platform rejected the sync request.", err)
	}
}

// HTTPIndexer forwards fetched items to the search service's bulk endpoint.
type HTTPIndexer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIndexer creates an indexer posting to the search service at baseURL.
func NewHTTPIndexer(baseURL string, timeout time.Duration) *HTTPIndexer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPIndexer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Index posts a batch of items. Errors surface to the caller, which treats
// indexing as fire-and-forget.
func (i *HTTPIndexer) Index(ctx context.Context, tenant string, et entity.Type, items []Item) error {
	body, err := json.Marshal(map[string]any{
		"tenant":     tenant,
		"entityType": et,
		"items":      items,
	})
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/index/bulk", i.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("indexer returned %d", resp.StatusCode)
	}
	return nil
}
