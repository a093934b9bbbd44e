package rally

import (
	"context"
	"encoding/base64"
	"encoding/json"
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
	return New(ts.URL, "test-key", "")
}

func TestFetchRecordParsesArtifact(t *testing.T) {
	var gotAuth string
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("ZSESSIONID")
		if !strings.HasPrefix(r.URL.Path, "/artifact/123") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"HierarchicalRequirement": {
				"_type": "HierarchicalRequirement",
				"_ref": "https://rally.example/hierarchicalrequirement/123",
				"ObjectID": 123,
				"FormattedID": "US1",
				"Name": "Login page",
				"ScheduleState": "Accepted",
				"PlanEstimate": 5,
				"Owner": {"_refObjectName": "Alice"},
				"Parent": {"_ref": "https://rally.example/hierarchicalrequirement/77"},
				"Tags": {"_tagsNameArray": [{"Name": "auth"}]},
				"Tasks": {"Count": 0},
				"Children": {"Count": 0},
				"TestCases": {"Count": 0},
				"Discussion": {"Count": 0},
				"Attachments": {"Count": 0},
				"CreationDate": "2023-04-01T10:00:00.000Z"
			}
		}`))
	}))

	item, err := c.FetchRecord(context.Background(), "123")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if item == nil {
		t.Fatal("FetchRecord returned nil item")
	}
	if gotAuth != "test-key" {
		t.Errorf("ZSESSIONID = %q, want test-key", gotAuth)
	}
	if item.ObjectID != "123" || item.FormattedID != "US1" {
		t.Errorf("ids = %q/%q", item.ObjectID, item.FormattedID)
	}
	if item.Title != "Login page" || item.State != "Accepted" {
		t.Errorf("title/state = %q/%q", item.Title, item.State)
	}
	if item.Estimate != 5 {
		t.Errorf("estimate = %v", item.Estimate)
	}
	if item.Owner != "Alice" {
		t.Errorf("owner = %q", item.Owner)
	}
	if item.ParentID != "77" {
		t.Errorf("parent from _ref = %q, want 77", item.ParentID)
	}
	if len(item.Tags) != 1 || item.Tags[0] != "auth" {
		t.Errorf("tags = %v", item.Tags)
	}
	if item.CreatedAt.IsZero() {
		t.Error("creation date not parsed")
	}
}

func TestFetchRecordStateFallback(t *testing.T) {
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"Defect": {
				"_type": "Defect",
				"ObjectID": 456,
				"FormattedID": "DE1",
				"Name": "Crash",
				"State": "Open",
				"Tasks": {"Count": 0},
				"Children": {"Count": 0},
				"TestCases": {"Count": 0},
				"Discussion": {"Count": 0},
				"Attachments": {"Count": 0}
			}
		}`))
	}))

	item, err := c.FetchRecord(context.Background(), "456")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if item.State != "Open" {
		t.Errorf("state = %q, want Open (State fallback for defects)", item.State)
	}
}

func TestFetchRecordNotFound(t *testing.T) {
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not there", http.StatusNotFound)
	}))

	item, err := c.FetchRecord(context.Background(), "999")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if item != nil {
		t.Errorf("item = %+v, want nil for missing artifact", item)
	}
}

func TestFetchRecordResolvesDiscussionChronologically(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/artifact/123", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"HierarchicalRequirement": {
				"_type": "HierarchicalRequirement",
				"ObjectID": 123,
				"FormattedID": "US1",
				"Name": "Login page",
				"ScheduleState": "Defined",
				"Tasks": {"Count": 0},
				"Children": {"Count": 0},
				"TestCases": {"Count": 0},
				"Discussion": {"Count": 2, "_ref": "/discussion/123"},
				"Attachments": {"Count": 0}
			}
		}`))
	})
	mux.HandleFunc("/discussion/123", func(w http.ResponseWriter, r *http.Request) {
		// Rally returns newest-first
		w.Write([]byte(`{"QueryResult": {"TotalResultCount": 2, "Errors": [], "Results": [
			{"User": {"_refObjectName": "bob"}, "Text": "second", "CreationDate": "2023-01-03T00:00:00.000Z"},
			{"User": {"_refObjectName": "alice"}, "Text": "first", "CreationDate": "2023-01-02T00:00:00.000Z"}
		]}}`))
	})
	c := newTestConnector(t, mux)

	item, err := c.FetchRecord(context.Background(), "123")
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if len(item.Comments) != 2 {
		t.Fatalf("comments = %d, want 2", len(item.Comments))
	}
	if item.Comments[0].Text != "first" || item.Comments[1].Text != "second" {
		t.Errorf("comments not chronological: %+v", item.Comments)
	}
}

func TestFetchAllRecordIDsAppliesFilter(t *testing.T) {
	var queries []string
	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("query"))
		w.Write([]byte(`{"QueryResult": {"TotalResultCount": 1, "Errors": [],
			"Results": [{"ObjectID": 111}]}}`))
	}
	mux.HandleFunc("/hierarchicalrequirement", handler)
	mux.HandleFunc("/defect", handler)
	c := newTestConnector(t, mux)

	ids, err := c.FetchAllRecordIDs(context.Background(), connector.SourceFilter{State: "open"})
	if err != nil {
		t.Fatalf("FetchAllRecordIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids = %v, want one per default type", ids)
	}
	for _, q := range queries {
		if q != "(ScheduleState != Accepted)" {
			t.Errorf("query = %q", q)
		}
	}
}

func TestQueryAllSurfacesQueryErrors(t *testing.T) {
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"QueryResult": {"Errors": ["Could not parse query"], "Results": []}}`))
	}))

	_, err := c.FetchAllRecordIDs(context.Background(), connector.SourceFilter{})
	if err == nil || !strings.Contains(err.Error(), "Could not parse query") {
		t.Errorf("err = %v, want embedded query error", err)
	}
}

func TestDownloadAttachment(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("file content"))
	c := newTestConnector(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"AttachmentContent": map[string]string{"Content": encoded},
		})
	}))

	content, err := c.DownloadAttachment(context.Background(), "/attachmentcontent/1")
	if err != nil {
		t.Fatalf("DownloadAttachment: %v", err)
	}
	if string(content) != "file content" {
		t.Errorf("content = %q", content)
	}
}

func TestBuildQuery(t *testing.T) {
	cases := []struct {
		name   string
		filter connector.SourceFilter
		want   string
	}{
		{"empty", connector.SourceFilter{}, ""},
		{"open", connector.SourceFilter{State: "open"}, "(ScheduleState != Accepted)"},
		{"closed", connector.SourceFilter{State: "closed"}, "(ScheduleState = Accepted)"},
		{"combined", connector.SourceFilter{State: "open", Query: "(Owner.Name = alice)"},
			"((ScheduleState != Accepted) AND (Owner.Name = alice))"},
	}
	for _, tc := range cases {
		if got := buildQuery(tc.filter); got != tc.want {
			t.Errorf("%s: buildQuery = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRefObjectID(t *testing.T) {
	if got := refObjectID("https://rally.example/hierarchicalrequirement/4242"); got != "4242" {
		t.Errorf("refObjectID = %q", got)
	}
	if got := refObjectID("no-slash"); got != "" {
		t.Errorf("refObjectID(no-slash) = %q, want empty", got)
	}
}
