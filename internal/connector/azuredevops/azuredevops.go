// Package azuredevops implements the target connector for Azure DevOps
// work item tracking. The migration core drives it through the
// connector.Target interface; everything platform-specific (WIQL, JSON
// patch, PAT auth, relation reference names) stays inside this package.
package azuredevops

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/workshift/workshift/internal/connector"
)

// Connector adapts the Azure DevOps client to the connector.Target interface.
type Connector struct {
	client *Client
}

// New creates a target connector for the given organization and project.
func New(organization, project, pat string) *Connector {
	return &Connector{client: NewClient(organization, project, pat)}
}

// Name returns the connector identifier.
func (c *Connector) Name() string { return "azuredevops" }

// Validate checks connectivity and that the configured project exists.
func (c *Connector) Validate(ctx context.Context) error {
	projects, err := c.client.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("azuredevops: listing projects: %w", err)
	}
	for _, p := range projects {
		if p.Name == c.client.Project {
			return nil
		}
	}
	return fmt.Errorf("azuredevops: project %q not found in organization", c.client.Project)
}

// QueryByTag finds work items whose tag list contains the given value.
func (c *Connector) QueryByTag(ctx context.Context, tag string) ([]connector.TargetRecord, error) {
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.Tags] CONTAINS '%s' ORDER BY [System.Id] ASC",
		escapeWIQL(c.client.Project), escapeWIQL(tag))
	return c.query(ctx, wiql)
}

// QueryTitleContains finds work items whose title contains the substring,
// optionally restricted to one work item type.
func (c *Connector) QueryTitleContains(ctx context.Context, substr, recordType string) ([]connector.TargetRecord, error) {
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.Title] CONTAINS '%s'",
		escapeWIQL(c.client.Project), escapeWIQL(substr))
	if recordType != "" {
		wiql += fmt.Sprintf(" AND [System.WorkItemType] = '%s'", escapeWIQL(recordType))
	}
	wiql += " ORDER BY [System.Id] ASC"
	return c.query(ctx, wiql)
}

func (c *Connector) query(ctx context.Context, wiql string) ([]connector.TargetRecord, error) {
	items, err := c.client.QueryWorkItems(ctx, wiql)
	if err != nil {
		return nil, err
	}
	records := make([]connector.TargetRecord, len(items))
	for i, wi := range items {
		records[i] = connector.TargetRecord{
			ID:     strconv.Itoa(wi.ID),
			Fields: wi.Fields,
		}
	}
	return records, nil
}

// GetRecord retrieves a work item's current field values.
func (c *Connector) GetRecord(ctx context.Context, id string) (*connector.TargetRecord, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wi, err := c.client.FetchWorkItem(ctx, numID)
	if err != nil {
		return nil, err
	}
	if wi == nil {
		return nil, nil
	}
	return &connector.TargetRecord{ID: id, Fields: wi.Fields}, nil
}

// CreateRecord creates a work item of the given type. The platform assigns
// its mandatory initial state; fields must be creation-safe.
func (c *Connector) CreateRecord(ctx context.Context, recordType string, fields map[string]interface{}) (string, error) {
	wi, err := c.client.CreateWorkItem(ctx, recordType, buildPatchOps("add", fields))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(wi.ID), nil
}

// PatchFields applies field values to an existing work item, bypassing
// field rules so historical dates and computed fields are accepted.
func (c *Connector) PatchFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	numID, err := parseID(id)
	if err != nil {
		return err
	}
	_, err = c.client.UpdateWorkItem(ctx, numID, buildPatchOps("add", fields), true)
	return err
}

// relationNames maps link kinds to Azure DevOps relation reference names.
var relationNames = map[connector.LinkKind]string{
	connector.LinkParent:  "System.LinkTypes.Hierarchy-Reverse",
	connector.LinkChild:   "System.LinkTypes.Hierarchy-Forward",
	connector.LinkRelated: "System.LinkTypes.Related",
	connector.LinkTests:   "Microsoft.VSTS.Common.TestedBy-Forward",
}

// LinkRecords creates a typed relation from one work item to another.
func (c *Connector) LinkRecords(ctx context.Context, fromID, toID string, kind connector.LinkKind) error {
	rel, ok := relationNames[kind]
	if !ok {
		return fmt.Errorf("azuredevops: unknown link kind %q", kind)
	}
	fromNum, err := parseID(fromID)
	if err != nil {
		return err
	}
	toNum, err := parseID(toID)
	if err != nil {
		return err
	}

	ops := []PatchOperation{{
		Op:   "add",
		Path: "/relations/-",
		Value: relation{
			Rel: rel,
			URL: c.client.BuildWorkItemAPIURL(toNum),
		},
	}}
	_, err = c.client.UpdateWorkItem(ctx, fromNum, ops, false)
	return err
}

// UploadAttachment stores a blob and attaches it to the work item.
func (c *Connector) UploadAttachment(ctx context.Context, id, name string, content []byte) (string, error) {
	numID, err := parseID(id)
	if err != nil {
		return "", err
	}
	url, err := c.client.UploadAttachment(ctx, name, content)
	if err != nil {
		return "", err
	}

	ops := []PatchOperation{{
		Op:   "add",
		Path: "/relations/-",
		Value: relation{
			Rel:        "AttachedFile",
			URL:        url,
			Attributes: map[string]interface{}{"name": name},
		},
	}}
	if _, err := c.client.UpdateWorkItem(ctx, numID, ops, false); err != nil {
		return "", fmt.Errorf("attaching %s: %w", name, err)
	}
	return url, nil
}

// AddComment appends a discussion entry via the work item history field.
func (c *Connector) AddComment(ctx context.Context, id, text string) error {
	numID, err := parseID(id)
	if err != nil {
		return err
	}
	ops := []PatchOperation{{
		Op:    "add",
		Path:  "/fields/System.History",
		Value: text,
	}}
	_, err = c.client.UpdateWorkItem(ctx, numID, ops, false)
	return err
}

// buildPatchOps converts a field map to patch operations in a stable order.
func buildPatchOps(op string, fields map[string]interface{}) []PatchOperation {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]PatchOperation, 0, len(fields))
	for _, k := range keys {
		ops = append(ops, PatchOperation{
			Op:    op,
			Path:  "/fields/" + k,
			Value: fields[k],
		})
	}
	return ops
}

func parseID(id string) (int, error) {
	numID, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("azuredevops: invalid work item ID %q", id)
	}
	return numID, nil
}
