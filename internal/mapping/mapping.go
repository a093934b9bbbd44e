// Package mapping transforms source work items into target field sets using
// a precomputed mapping configuration. The transformer partitions the output
// into creation-safe fields and post-creation fields (historical dates and
// computed values the target platform rejects on the initial create call).
//
// The mapping configuration is produced by separate discovery tooling; this
// package only consumes it.
package mapping

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/workshift/workshift/internal/types"
)

// FieldRule maps one source attribute to one target field.
type FieldRule struct {
	// Target is the fully qualified target field name (e.g. "System.Title").
	Target string `yaml:"target"`
	// Source selects the source attribute: title, description, notes, state,
	// priority, owner, owner_email, estimate, task_hours, created_at,
	// updated_at, formatted_id, object_id.
	Source string `yaml:"source"`
	// Post marks the field as post-creation only.
	Post bool `yaml:"post,omitempty"`
}

// Config is the on-disk mapping configuration.
type Config struct {
	// TypeMap maps source work item types to target types.
	TypeMap map[string]string `yaml:"type_map"`
	// StateMap maps source workflow states to target states.
	StateMap map[string]string `yaml:"state_map"`
	// UserMap maps source user identities to target identities.
	UserMap map[string]string `yaml:"user_map,omitempty"`
	// Fields are the per-field mapping rules.
	Fields []FieldRule `yaml:"fields"`
	// Constants are fixed target field values applied to every record.
	Constants map[string]interface{} `yaml:"constants,omitempty"`
	// InitialState is the target platform's mandatory creation state.
	InitialState string `yaml:"initial_state,omitempty"`
}

// Transformer converts source work items to target field sets.
type Transformer struct {
	cfg Config
}

// Load reads a mapping configuration file. A missing or empty configuration
// is a setup problem, not a transient one; callers abort the run on error.
func Load(path string) (*Transformer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing mapping config %s: %w", path, err)
	}
	return New(cfg)
}

// New creates a transformer from an already-parsed configuration.
func New(cfg Config) (*Transformer, error) {
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("mapping config has no field rules")
	}
	if len(cfg.TypeMap) == 0 {
		return nil, fmt.Errorf("mapping config has no type map")
	}
	if cfg.InitialState == "" {
		cfg.InitialState = "New"
	}
	return &Transformer{cfg: cfg}, nil
}

// TargetType returns the mapped target type for a source type, or "" when
// the type is not mapped (such records are skipped, not failed).
func (t *Transformer) TargetType(sourceType string) string {
	return t.cfg.TypeMap[sourceType]
}

// DesiredState returns the mapped target workflow state for a source state.
// Unmapped states fall back to the platform's initial state.
func (t *Transformer) DesiredState(sourceState string) string {
	if mapped, ok := t.cfg.StateMap[sourceState]; ok {
		return mapped
	}
	return t.cfg.InitialState
}

// Transform converts a work item into a partitioned target field set. Pure
// from the caller's perspective: the item is never mutated.
func (t *Transformer) Transform(item *types.WorkItem) (*types.FieldSet, error) {
	targetType := t.TargetType(item.Type)
	if targetType == "" {
		return nil, fmt.Errorf("no target type mapped for source type %q", item.Type)
	}

	fs := &types.FieldSet{
		CreationFields: make(map[string]interface{}),
		PostFields:     make(map[string]interface{}),
		TargetType:     targetType,
		DesiredState:   t.DesiredState(item.State),
	}

	for _, rule := range t.cfg.Fields {
		value := t.sourceValue(item, rule.Source)
		if value == nil {
			continue
		}
		if rule.Post {
			fs.PostFields[rule.Target] = value
		} else {
			fs.CreationFields[rule.Target] = value
		}
	}

	for field, value := range t.cfg.Constants {
		if _, taken := fs.CreationFields[field]; !taken {
			fs.CreationFields[field] = value
		}
	}

	// Migration markers: the title carries "[FormattedID]" and the tag list
	// carries both source ids. The existence resolver depends on these.
	if title, ok := fs.CreationFields["System.Title"].(string); ok && item.FormattedID != "" {
		marker := fmt.Sprintf("[%s]", item.FormattedID)
		if !strings.Contains(title, marker) {
			fs.CreationFields["System.Title"] = marker + " " + title
		}
	}
	fs.CreationFields["System.Tags"] = t.buildTags(item)

	if len(fs.CreationFields) == 0 {
		return nil, fmt.Errorf("mapping produced no creation fields for %s", item.ObjectID)
	}
	return fs, nil
}

// sourceValue resolves a rule's source selector against the item. Returns
// nil for empty values so absent source data never overwrites target data.
func (t *Transformer) sourceValue(item *types.WorkItem, selector string) interface{} {
	switch selector {
	case "title":
		return nonEmpty(item.Title)
	case "description":
		return nonEmpty(item.Description)
	case "notes":
		return nonEmpty(item.Notes)
	case "state":
		return nonEmpty(item.State)
	case "priority":
		return nonEmpty(item.Priority)
	case "owner":
		return nonEmpty(t.mapUser(item.Owner))
	case "owner_email":
		return nonEmpty(t.mapUser(item.OwnerEmail))
	case "estimate":
		if item.Estimate == 0 {
			return nil
		}
		return item.Estimate
	case "task_hours":
		if item.TaskHours == 0 {
			return nil
		}
		return item.TaskHours
	case "created_at":
		if item.CreatedAt.IsZero() {
			return nil
		}
		return item.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	case "updated_at":
		if item.UpdatedAt.IsZero() {
			return nil
		}
		return item.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	case "formatted_id":
		return nonEmpty(item.FormattedID)
	case "object_id":
		return nonEmpty(item.ObjectID)
	default:
		return nil
	}
}

func (t *Transformer) mapUser(identity string) string {
	if mapped, ok := t.cfg.UserMap[identity]; ok {
		return mapped
	}
	return identity
}

// buildTags joins the item's own tags with the migration marker tags.
func (t *Transformer) buildTags(item *types.WorkItem) string {
	tags := make([]string, 0, len(item.Tags)+2)
	tags = append(tags, item.Tags...)
	if item.FormattedID != "" {
		tags = append(tags, item.FormattedID)
	}
	if item.ObjectID != "" {
		tags = append(tags, item.ObjectID)
	}
	return strings.Join(tags, "; ")
}

func nonEmpty(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
