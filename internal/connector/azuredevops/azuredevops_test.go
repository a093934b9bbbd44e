package azuredevops

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/workshift/workshift/internal/connector"
)

func newTestConnector(t *testing.T, handler http.Handler) *Connector {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	c := New("contoso", "Phoenix", "test-pat")
	c.client.BaseURL = ts.URL
	return c
}

func TestQueryByTag(t *testing.T) {
	var gotWIQL, gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/wiql", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req WIQLQueryRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotWIQL = req.Query
		json.NewEncoder(w).Encode(WIQLQueryResponse{WorkItems: []WorkItemRef{{ID: 7}}})
	})
	mux.HandleFunc("/Phoenix/_apis/wit/workitems", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(WorkItemBatchResponse{Value: []WorkItem{
			{ID: 7, Fields: map[string]interface{}{"System.Title": "[US1] Login"}},
		}})
	})
	c := newTestConnector(t, mux)

	records, err := c.QueryByTag(context.Background(), "12345")
	if err != nil {
		t.Fatalf("QueryByTag: %v", err)
	}
	if len(records) != 1 || records[0].ID != "7" {
		t.Fatalf("records = %+v", records)
	}
	if records[0].Fields["System.Title"] != "[US1] Login" {
		t.Errorf("fields = %v", records[0].Fields)
	}
	if !strings.Contains(gotWIQL, "[System.Tags] CONTAINS '12345'") {
		t.Errorf("WIQL = %q", gotWIQL)
	}
	if !strings.Contains(gotWIQL, "[System.TeamProject] = 'Phoenix'") {
		t.Errorf("WIQL missing project scope: %q", gotWIQL)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(":test-pat"))
	if gotAuth != wantAuth {
		t.Errorf("Authorization = %q, want PAT basic auth", gotAuth)
	}
}

func TestQueryTitleContainsRestrictsType(t *testing.T) {
	var gotWIQL string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/wiql", func(w http.ResponseWriter, r *http.Request) {
		var req WIQLQueryRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotWIQL = req.Query
		json.NewEncoder(w).Encode(WIQLQueryResponse{})
	})
	c := newTestConnector(t, mux)

	if _, err := c.QueryTitleContains(context.Background(), "[US1]", "User Story"); err != nil {
		t.Fatalf("QueryTitleContains: %v", err)
	}
	if !strings.Contains(gotWIQL, "[System.Title] CONTAINS '[US1]'") {
		t.Errorf("WIQL = %q", gotWIQL)
	}
	if !strings.Contains(gotWIQL, "[System.WorkItemType] = 'User Story'") {
		t.Errorf("WIQL missing type restriction: %q", gotWIQL)
	}
}

func TestCreateRecord(t *testing.T) {
	var gotPath, gotContentType, gotQuery string
	var gotOps []PatchOperation
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotOps)
		json.NewEncoder(w).Encode(WorkItem{ID: 42})
	}))

	id, err := c.CreateRecord(context.Background(), "User Story", map[string]interface{}{
		"System.Title": "[US1] Login",
		"System.Tags":  "US1; 12345",
	})
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if id != "42" {
		t.Errorf("id = %q, want 42", id)
	}
	if !strings.Contains(gotPath, "$User Story") {
		t.Errorf("path = %q, want dollar-prefixed type", gotPath)
	}
	if !strings.Contains(gotQuery, "bypassRules=true") {
		t.Errorf("query = %q, want bypassRules", gotQuery)
	}
	if gotContentType != "application/json-patch+json" {
		t.Errorf("content type = %q", gotContentType)
	}
	// Ops are emitted in sorted field order
	if len(gotOps) != 2 || gotOps[0].Path != "/fields/System.Tags" || gotOps[1].Path != "/fields/System.Title" {
		t.Errorf("ops = %+v", gotOps)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "work item does not exist"}`, http.StatusNotFound)
	}))

	rec, err := c.GetRecord(context.Background(), "999")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
}

func TestPatchFieldsBypassesRules(t *testing.T) {
	var gotQuery string
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(WorkItem{ID: 7})
	}))

	err := c.PatchFields(context.Background(), "7", map[string]interface{}{
		"Custom.RallyCreationDate": "2023-04-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("PatchFields: %v", err)
	}
	if !strings.Contains(gotQuery, "bypassRules=true") {
		t.Errorf("query = %q, want bypassRules for post-creation fields", gotQuery)
	}
}

func TestPatchFieldsEmptyIsNoop(t *testing.T) {
	called := false
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	if err := c.PatchFields(context.Background(), "7", nil); err != nil {
		t.Fatalf("PatchFields: %v", err)
	}
	if called {
		t.Error("empty patch hit the API")
	}
}

func TestLinkRecordsParentRelation(t *testing.T) {
	var gotOps []map[string]interface{}
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotOps)
		json.NewEncoder(w).Encode(WorkItem{ID: 7})
	}))

	if err := c.LinkRecords(context.Background(), "7", "8", connector.LinkParent); err != nil {
		t.Fatalf("LinkRecords: %v", err)
	}
	if len(gotOps) != 1 || gotOps[0]["path"] != "/relations/-" {
		t.Fatalf("ops = %+v", gotOps)
	}
	value := gotOps[0]["value"].(map[string]interface{})
	if value["rel"] != "System.LinkTypes.Hierarchy-Reverse" {
		t.Errorf("rel = %v, want parent reference name", value["rel"])
	}
	if url, _ := value["url"].(string); !strings.Contains(url, "/_apis/wit/workItems/8") {
		t.Errorf("url = %v", value["url"])
	}
}

func TestLinkRecordsUnknownKind(t *testing.T) {
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if err := c.LinkRecords(context.Background(), "7", "8", connector.LinkKind("bogus")); err == nil {
		t.Error("unknown link kind should error")
	}
}

func TestUploadAttachment(t *testing.T) {
	mux := http.NewServeMux()
	var uploadedBody []byte
	var relationAdded bool
	mux.HandleFunc("/Phoenix/_apis/wit/attachments", func(w http.ResponseWriter, r *http.Request) {
		uploadedBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(AttachmentUploadResponse{URL: "https://stored/att-1"})
	})
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/7", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		relationAdded = strings.Contains(string(body), "AttachedFile")
		json.NewEncoder(w).Encode(WorkItem{ID: 7})
	})
	c := newTestConnector(t, mux)

	url, err := c.UploadAttachment(context.Background(), "7", "log.txt", []byte("data"))
	if err != nil {
		t.Fatalf("UploadAttachment: %v", err)
	}
	if url != "https://stored/att-1" {
		t.Errorf("url = %q", url)
	}
	if string(uploadedBody) != "data" {
		t.Errorf("uploaded body = %q", uploadedBody)
	}
	if !relationAdded {
		t.Error("AttachedFile relation was not added")
	}
}

func TestAddComment(t *testing.T) {
	var gotOps []PatchOperation
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotOps)
		json.NewEncoder(w).Encode(WorkItem{ID: 7})
	}))

	if err := c.AddComment(context.Background(), "7", "[alice on 2023-01-02] hi"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if len(gotOps) != 1 || gotOps[0].Path != "/fields/System.History" {
		t.Errorf("ops = %+v", gotOps)
	}
}

func TestParseIDRejectsNonNumeric(t *testing.T) {
	if _, err := parseID("abc"); err == nil {
		t.Error("parseID should reject non-numeric ids")
	}
}

func TestEscapeWIQL(t *testing.T) {
	if got := escapeWIQL("O'Brien"); got != "O''Brien" {
		t.Errorf("escapeWIQL = %q", got)
	}
}
