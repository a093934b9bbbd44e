// Package rally implements the source connector for Rally (CA Agile
// Central). Rally's Web Services API returns deeply nested, loosely typed
// JSON; this package extracts it with gjson and exposes immutable WorkItem
// snapshots to the migration core. Children are Rally tasks and child
// stories; verification cases are Rally test cases linked to an artifact.
package rally

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/workshift/workshift/internal/connector"
	"github.com/workshift/workshift/internal/types"
)

// defaultArtifactTypes are queried when a filter names no types.
var defaultArtifactTypes = []string{"hierarchicalrequirement", "defect"}

// idFetch is the minimal fetch list for id enumeration.
const idFetch = "ObjectID"

// artifactFetch is the fetch list for full record retrieval.
const artifactFetch = "ObjectID,FormattedID,Name,Description,Notes,ScheduleState,State,Priority,Owner,PlanEstimate,TaskEstimateTotal,Parent,Children,Tasks,TestCases,Discussion,Attachments,Tags,CreationDate,LastUpdateDate"

// Connector adapts the Rally client to the connector.Source interface.
type Connector struct {
	client *Client
}

// New creates a source connector for the given Rally endpoint.
func New(baseURL, apiKey, workspace string) *Connector {
	return &Connector{client: NewClient(baseURL, apiKey, workspace)}
}

// Name returns the connector identifier.
func (c *Connector) Name() string { return "rally" }

// Validate checks that the API key can reach the subscription.
func (c *Connector) Validate(ctx context.Context) error {
	if _, err := c.client.get(ctx, "/subscription"); err != nil {
		return fmt.Errorf("rally: %w", err)
	}
	return nil
}

// FetchAllRecordIDs enumerates ObjectIDs of artifacts matching the filter,
// in stable (ObjectID-ascending per type) order.
func (c *Connector) FetchAllRecordIDs(ctx context.Context, filter connector.SourceFilter) ([]string, error) {
	artifactTypes := filter.Types
	if len(artifactTypes) == 0 {
		artifactTypes = defaultArtifactTypes
	}

	query := buildQuery(filter)
	var ids []string
	for _, at := range artifactTypes {
		results, err := c.client.queryAll(ctx, strings.ToLower(at), query, idFetch)
		if err != nil {
			return nil, fmt.Errorf("rally: querying %s: %w", at, err)
		}
		for _, r := range results {
			if oid := r.Get("ObjectID").String(); oid != "" {
				ids = append(ids, oid)
			}
		}
	}
	return ids, nil
}

// buildQuery assembles a Rally query expression from the filter.
func buildQuery(filter connector.SourceFilter) string {
	var clauses []string
	switch filter.State {
	case "open":
		clauses = append(clauses, "(ScheduleState != Accepted)")
	case "closed":
		clauses = append(clauses, "(ScheduleState = Accepted)")
	}
	if filter.Query != "" {
		clauses = append(clauses, filter.Query)
	}
	switch len(clauses) {
	case 0:
		return ""
	case 1:
		return clauses[0]
	default:
		// Rally requires pairwise parenthesized AND chains
		q := clauses[0]
		for _, cl := range clauses[1:] {
			q = fmt.Sprintf("(%s AND %s)", q, cl)
		}
		return q
	}
}

// FetchRecord retrieves one artifact by ObjectID with its relationships,
// discussion, and attachment metadata resolved. Returns nil, nil when the
// artifact does not exist.
func (c *Connector) FetchRecord(ctx context.Context, objectID string) (*types.WorkItem, error) {
	body, err := c.client.get(ctx, fmt.Sprintf("/artifact/%s?fetch=%s", objectID, artifactFetch))
	if err != nil {
		if strings.Contains(err.Error(), "API error 404") {
			return nil, nil
		}
		return nil, fmt.Errorf("rally: fetching %s: %w", objectID, err)
	}

	artifact, ok := firstEntity(gjson.ParseBytes(body))
	if !ok {
		return nil, fmt.Errorf("rally: no artifact in response for %s", objectID)
	}

	item := c.toWorkItem(artifact)
	if item.ObjectID == "" {
		return nil, nil
	}

	if err := c.resolveCollections(ctx, artifact, item); err != nil {
		return nil, err
	}
	return item, nil
}

// firstEntity finds the single entity object in a Rally read response. The
// top-level key is the element name ("HierarchicalRequirement", "Defect",
// ...), so the shape is located by content, not by name.
func firstEntity(root gjson.Result) (gjson.Result, bool) {
	var entity gjson.Result
	found := false
	root.ForEach(func(key, value gjson.Result) bool {
		if value.IsObject() && value.Get("ObjectID").Exists() {
			entity = value
			found = true
			return false
		}
		return true
	})
	return entity, found
}

// toWorkItem converts a Rally artifact to the core WorkItem snapshot.
func (c *Connector) toWorkItem(a gjson.Result) *types.WorkItem {
	item := &types.WorkItem{
		ObjectID:    a.Get("ObjectID").String(),
		FormattedID: a.Get("FormattedID").String(),
		Type:        a.Get("_type").String(),
		URL:         a.Get("_ref").String(),
		Title:       a.Get("Name").String(),
		Description: a.Get("Description").String(),
		Notes:       a.Get("Notes").String(),
		Priority:    a.Get("Priority").String(),
		Owner:       a.Get("Owner._refObjectName").String(),
		Estimate:    a.Get("PlanEstimate").Float(),
		TaskHours:   a.Get("TaskEstimateTotal").Float(),
	}

	// Stories carry ScheduleState; defects and test cases carry State.
	item.State = a.Get("ScheduleState").String()
	if item.State == "" {
		item.State = a.Get("State").String()
	}

	if parent := a.Get("Parent.ObjectID"); parent.Exists() {
		item.ParentID = parent.String()
	} else if ref := a.Get("Parent._ref").String(); ref != "" {
		item.ParentID = refObjectID(ref)
	}

	for _, tag := range a.Get("Tags._tagsNameArray").Array() {
		if name := tag.Get("Name").String(); name != "" {
			item.Tags = append(item.Tags, name)
		}
	}

	if t, err := parseRallyTime(a.Get("CreationDate").String()); err == nil {
		item.CreatedAt = t
	}
	if t, err := parseRallyTime(a.Get("LastUpdateDate").String()); err == nil {
		item.UpdatedAt = t
	}
	return item
}

// resolveCollections loads children, test cases, discussion, and attachment
// metadata. Empty collections (Count 0) are skipped without a round trip.
func (c *Connector) resolveCollections(ctx context.Context, a gjson.Result, item *types.WorkItem) error {
	for _, coll := range []string{"Tasks", "Children"} {
		ids, err := c.collectionIDs(ctx, a, coll)
		if err != nil {
			return fmt.Errorf("rally: %s of %s: %w", strings.ToLower(coll), item.FormattedID, err)
		}
		item.ChildIDs = append(item.ChildIDs, ids...)
	}

	tcIDs, err := c.collectionIDs(ctx, a, "TestCases")
	if err != nil {
		return fmt.Errorf("rally: test cases of %s: %w", item.FormattedID, err)
	}
	item.TestCaseIDs = tcIDs

	if err := c.resolveDiscussion(ctx, a, item); err != nil {
		return err
	}
	return c.resolveAttachments(ctx, a, item)
}

func (c *Connector) collectionIDs(ctx context.Context, a gjson.Result, name string) ([]string, error) {
	if a.Get(name + ".Count").Int() == 0 {
		return nil, nil
	}
	results, err := c.client.fetchCollection(ctx, a.Get(name+"._ref").String(), "ObjectID")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range results {
		if oid := r.Get("ObjectID").String(); oid != "" {
			ids = append(ids, oid)
		}
	}
	return ids, nil
}

// resolveDiscussion loads conversation posts in chronological order.
func (c *Connector) resolveDiscussion(ctx context.Context, a gjson.Result, item *types.WorkItem) error {
	if a.Get("Discussion.Count").Int() == 0 {
		return nil
	}
	posts, err := c.client.fetchCollection(ctx, a.Get("Discussion._ref").String(), "User,Text,CreationDate")
	if err != nil {
		return fmt.Errorf("rally: discussion of %s: %w", item.FormattedID, err)
	}
	for _, p := range posts {
		comment := types.Comment{
			Author: p.Get("User._refObjectName").String(),
			Text:   p.Get("Text").String(),
		}
		if t, err := parseRallyTime(p.Get("CreationDate").String()); err == nil {
			comment.CreatedAt = t
		}
		item.Comments = append(item.Comments, comment)
	}
	// Rally returns newest-first; history replays oldest-first.
	for i, j := 0, len(item.Comments)-1; i < j; i, j = i+1, j-1 {
		item.Comments[i], item.Comments[j] = item.Comments[j], item.Comments[i]
	}
	return nil
}

func (c *Connector) resolveAttachments(ctx context.Context, a gjson.Result, item *types.WorkItem) error {
	if a.Get("Attachments.Count").Int() == 0 {
		return nil
	}
	atts, err := c.client.fetchCollection(ctx, a.Get("Attachments._ref").String(), "Name,ContentType,Size,Content")
	if err != nil {
		return fmt.Errorf("rally: attachments of %s: %w", item.FormattedID, err)
	}
	for _, att := range atts {
		item.Attachments = append(item.Attachments, types.Attachment{
			Name:        att.Get("Name").String(),
			ContentType: att.Get("ContentType").String(),
			Size:        att.Get("Size").Int(),
			ContentRef:  att.Get("Content._ref").String(),
		})
	}
	return nil
}

// DownloadAttachment fetches and decodes the base64 blob behind an
// attachment content ref.
func (c *Connector) DownloadAttachment(ctx context.Context, ref string) ([]byte, error) {
	body, err := c.client.get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("rally: downloading attachment: %w", err)
	}
	content := gjson.GetBytes(body, "AttachmentContent.Content").String()
	if content == "" {
		return nil, fmt.Errorf("rally: attachment content missing at %s", ref)
	}
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("rally: decoding attachment content: %w", err)
	}
	return decoded, nil
}

// refObjectID extracts the trailing ObjectID from a Rally ref URL.
func refObjectID(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ""
}

// rallyTimeFormats covers the timestamp shapes Rally emits.
var rallyTimeFormats = []string{
	"2006-01-02T15:04:05.000Z",
	time.RFC3339,
	time.RFC3339Nano,
}

func parseRallyTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, format := range rallyTimeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %s", s)
}
