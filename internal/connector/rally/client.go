package rally

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// DefaultBaseURL is the Rally Web Services API endpoint.
	DefaultBaseURL = "https://rally1.rallydev.com/slm/webservice/v2.0"

	// PageSize is the Rally query page size (the API maximum).
	PageSize = 200

	// DefaultTimeout is the per-call HTTP timeout.
	DefaultTimeout = 30 * time.Second
)

// Client provides access to the Rally Web Services API.
type Client struct {
	BaseURL    string
	APIKey     string
	Workspace  string // Workspace ref, empty for the default workspace
	HTTPClient *http.Client
}

// NewClient creates a Rally API client authenticated with an API key.
func NewClient(baseURL, apiKey, workspace string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Workspace: workspace,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// get performs an authenticated GET and returns the raw response body.
// Absolute URLs (collection and content refs) are used as-is; anything else
// is resolved against the base URL.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	if len(rawURL) == 0 {
		return nil, fmt.Errorf("empty request URL")
	}
	if rawURL[0] == '/' {
		rawURL = c.BaseURL + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("ZSESSIONID", c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// queryAll pages through a Rally query, returning every result element.
// Rally reports query-level problems inside a 200 response; those surface
// as errors here.
func (c *Client) queryAll(ctx context.Context, artifactType, query, fetch string) ([]gjson.Result, error) {
	var results []gjson.Result

	for start := 1; ; start += PageSize {
		params := url.Values{}
		params.Set("start", strconv.Itoa(start))
		params.Set("pagesize", strconv.Itoa(PageSize))
		if query != "" {
			params.Set("query", query)
		}
		if fetch != "" {
			params.Set("fetch", fetch)
		}
		if c.Workspace != "" {
			params.Set("workspace", c.Workspace)
		}

		body, err := c.get(ctx, fmt.Sprintf("/%s?%s", artifactType, params.Encode()))
		if err != nil {
			return nil, err
		}

		qr := gjson.GetBytes(body, "QueryResult")
		if !qr.Exists() {
			return nil, fmt.Errorf("malformed query response for %s", artifactType)
		}
		if errs := qr.Get("Errors").Array(); len(errs) > 0 {
			return nil, fmt.Errorf("query error: %s", errs[0].String())
		}

		page := qr.Get("Results").Array()
		results = append(results, page...)

		total := int(qr.Get("TotalResultCount").Int())
		if start+PageSize > total || len(page) == 0 {
			break
		}
	}
	return results, nil
}

// fetchCollection pages through a collection ref (Tasks, Children,
// Discussion, Attachments, ...) hanging off an artifact.
func (c *Client) fetchCollection(ctx context.Context, ref, fetch string) ([]gjson.Result, error) {
	if ref == "" {
		return nil, nil
	}
	var results []gjson.Result

	for start := 1; ; start += PageSize {
		sep := "?"
		if strings.Contains(ref, "?") {
			sep = "&"
		}
		u := fmt.Sprintf("%s%sstart=%d&pagesize=%d", ref, sep, start, PageSize)
		if fetch != "" {
			u += "&fetch=" + url.QueryEscape(fetch)
		}

		body, err := c.get(ctx, u)
		if err != nil {
			return nil, err
		}

		qr := gjson.GetBytes(body, "QueryResult")
		if !qr.Exists() {
			return nil, fmt.Errorf("malformed collection response")
		}
		page := qr.Get("Results").Array()
		results = append(results, page...)

		total := int(qr.Get("TotalResultCount").Int())
		if start+PageSize > total || len(page) == 0 {
			break
		}
	}
	return results, nil
}
