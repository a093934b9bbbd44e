package azuredevops

// WorkItem is an Azure DevOps work item with its raw field map. Fields are
// kept untyped: the reconciliation comparator consumes them as-is.
type WorkItem struct {
	ID     int                    `json:"id"`
	Rev    int                    `json:"rev"`
	Fields map[string]interface{} `json:"fields"`
	URL    string                 `json:"url"`
}

// PatchOperation is one JSON-patch operation in a create/update request.
type PatchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// WIQLQueryRequest is the body of a WIQL query call.
type WIQLQueryRequest struct {
	Query string `json:"query"`
}

// WIQLQueryResponse is the result of a WIQL query: work item references only.
type WIQLQueryResponse struct {
	WorkItems []WorkItemRef `json:"workItems"`
}

// WorkItemRef is a reference to a work item returned by a WIQL query.
type WorkItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// WorkItemBatchResponse is the result of a batched work item fetch.
type WorkItemBatchResponse struct {
	Count int        `json:"count"`
	Value []WorkItem `json:"value"`
}

// AttachmentUploadResponse is the result of an attachment store upload.
type AttachmentUploadResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Project is an Azure DevOps project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ProjectListResponse is the result of listing projects.
type ProjectListResponse struct {
	Count int       `json:"count"`
	Value []Project `json:"value"`
}

// relation is a work item relation in link-creation patches.
type relation struct {
	Rel        string                 `json:"rel"`
	URL        string                 `json:"url"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}
