package azuredevops

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// APIVersion is the Azure DevOps REST API version used for all calls.
	APIVersion = "7.0"

	// MaxPageSize is the maximum number of work items fetchable per batch call.
	MaxPageSize = 200

	// DefaultTimeout is the per-call HTTP timeout.
	DefaultTimeout = 30 * time.Second
)

// Client provides methods to interact with the Azure DevOps REST API.
type Client struct {
	Organization string // Organization name or full URL
	Project      string
	PAT          string // Personal Access Token
	BaseURL      string // Full base URL (derived from Organization)
	HTTPClient   *http.Client
}

// NewClient creates a new Azure DevOps client.
func NewClient(organization, project, pat string) *Client {
	baseURL := organization
	if !strings.HasPrefix(organization, "http") {
		baseURL = fmt.Sprintf("https://dev.azure.com/%s", organization)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Client{
		Organization: organization,
		Project:      project,
		PAT:          pat,
		BaseURL:      baseURL,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// doRequest performs an HTTP request with authentication. A nil body sends
// no payload; a []byte body is sent raw (attachment upload); anything else
// is JSON-encoded.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, contentType string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		if raw, ok := body.([]byte); ok {
			reqBody = bytes.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}
	}

	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	reqURL := c.BaseURL + path + separator + "api-version=" + APIVersion

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Azure DevOps uses Basic auth with empty username and PAT as password
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.PAT))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// QueryWorkItems executes a WIQL query and fetches the matching work items
// with all fields expanded, batched at the API page limit.
func (c *Client) QueryWorkItems(ctx context.Context, wiql string) ([]WorkItem, error) {
	queryReq := WIQLQueryRequest{Query: wiql}
	path := fmt.Sprintf("/%s/_apis/wit/wiql", c.Project)

	respBody, err := c.doRequest(ctx, "POST", path, queryReq, "application/json")
	if err != nil {
		return nil, fmt.Errorf("WIQL query failed: %w", err)
	}

	var queryResp WIQLQueryResponse
	if err := json.Unmarshal(respBody, &queryResp); err != nil {
		return nil, fmt.Errorf("failed to parse WIQL response: %w", err)
	}

	if len(queryResp.WorkItems) == 0 {
		return []WorkItem{}, nil
	}

	ids := make([]int, len(queryResp.WorkItems))
	for i, ref := range queryResp.WorkItems {
		ids[i] = ref.ID
	}

	var allWorkItems []WorkItem
	for i := 0; i < len(ids); i += MaxPageSize {
		end := i + MaxPageSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[i:end]

		idStrings := make([]string, len(batch))
		for j, id := range batch {
			idStrings[j] = fmt.Sprintf("%d", id)
		}

		path := fmt.Sprintf("/%s/_apis/wit/workitems?ids=%s&$expand=all",
			c.Project, strings.Join(idStrings, ","))

		respBody, err := c.doRequest(ctx, "GET", path, nil, "")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch work items batch: %w", err)
		}

		var batchResp WorkItemBatchResponse
		if err := json.Unmarshal(respBody, &batchResp); err != nil {
			return nil, fmt.Errorf("failed to parse work items response: %w", err)
		}

		allWorkItems = append(allWorkItems, batchResp.Value...)
	}

	return allWorkItems, nil
}

// FetchWorkItem retrieves a single work item by ID. Returns nil, nil when
// the work item does not exist.
func (c *Client) FetchWorkItem(ctx context.Context, id int) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d?$expand=all", c.Project, id)

	respBody, err := c.doRequest(ctx, "GET", path, nil, "")
	if err != nil {
		if strings.Contains(err.Error(), "API error 404") {
			return nil, nil
		}
		return nil, err
	}

	var workItem WorkItem
	if err := json.Unmarshal(respBody, &workItem); err != nil {
		return nil, fmt.Errorf("failed to parse work item: %w", err)
	}

	return &workItem, nil
}

// CreateWorkItem creates a new work item of the given type from a set of
// patch operations.
func (c *Client) CreateWorkItem(ctx context.Context, workItemType string, ops []PatchOperation) (*WorkItem, error) {
	// Work item type goes in the path and must be dollar-prefixed
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s?bypassRules=true",
		c.Project, strings.ReplaceAll(workItemType, " ", "%20"))

	respBody, err := c.doRequest(ctx, "POST", path, ops, "application/json-patch+json")
	if err != nil {
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}

	var workItem WorkItem
	if err := json.Unmarshal(respBody, &workItem); err != nil {
		return nil, fmt.Errorf("failed to parse create response: %w", err)
	}

	return &workItem, nil
}

// UpdateWorkItem applies patch operations to an existing work item.
// bypassRules lets historical and computed fields through the platform's
// field rules; required for post-creation fields.
func (c *Client) UpdateWorkItem(ctx context.Context, id int, ops []PatchOperation, bypassRules bool) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", c.Project, id)
	if bypassRules {
		path += "?bypassRules=true"
	}

	respBody, err := c.doRequest(ctx, "PATCH", path, ops, "application/json-patch+json")
	if err != nil {
		return nil, fmt.Errorf("failed to update work item: %w", err)
	}

	var workItem WorkItem
	if err := json.Unmarshal(respBody, &workItem); err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}

	return &workItem, nil
}

// UploadAttachment stores a blob in the attachment store and returns its URL.
func (c *Client) UploadAttachment(ctx context.Context, fileName string, content []byte) (string, error) {
	path := fmt.Sprintf("/%s/_apis/wit/attachments?fileName=%s", c.Project, fileName)

	respBody, err := c.doRequest(ctx, "POST", path, content, "application/octet-stream")
	if err != nil {
		return "", fmt.Errorf("failed to upload attachment: %w", err)
	}

	var resp AttachmentUploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse attachment response: %w", err)
	}
	return resp.URL, nil
}

// ListProjects retrieves all projects accessible in the organization.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	// Core API is at org level, not project level
	path := "/_apis/projects?$top=100"

	respBody, err := c.doRequest(ctx, "GET", path, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var resp ProjectListResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse projects response: %w", err)
	}

	return resp.Value, nil
}

// BuildWorkItemURL returns the web URL for a work item.
func (c *Client) BuildWorkItemURL(id int) string {
	return fmt.Sprintf("%s/%s/_workitems/edit/%d", c.BaseURL, c.Project, id)
}

// BuildWorkItemAPIURL returns the API resource URL used in relation links.
func (c *Client) BuildWorkItemAPIURL(id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", c.BaseURL, id)
}

// escapeWIQL doubles single quotes so values can be embedded in WIQL strings.
func escapeWIQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
