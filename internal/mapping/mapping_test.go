package mapping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workshift/workshift/internal/types"
)

func testConfig() Config {
	return Config{
		TypeMap: map[string]string{
			"HierarchicalRequirement": "User Story",
			"Defect":                  "Bug",
			"Task":                    "Task",
			"TestCase":                "Test Case",
		},
		StateMap: map[string]string{
			"Defined":     "New",
			"In-Progress": "Active",
			"Completed":   "Resolved",
			"Accepted":    "Closed",
		},
		UserMap: map[string]string{
			"alice@rally.example": "alice@contoso.example",
		},
		Fields: []FieldRule{
			{Target: "System.Title", Source: "title"},
			{Target: "System.Description", Source: "description"},
			{Target: "System.AssignedTo", Source: "owner_email"},
			{Target: "Microsoft.VSTS.Scheduling.StoryPoints", Source: "estimate"},
			{Target: "Custom.RallyCreationDate", Source: "created_at", Post: true},
		},
		Constants: map[string]interface{}{
			"System.AreaPath": "Proj\\Migrated",
		},
	}
}

func testItem() *types.WorkItem {
	return &types.WorkItem{
		ObjectID:    "12345",
		FormattedID: "US42",
		Type:        "HierarchicalRequirement",
		Title:       "Login page",
		Description: "<p>desc</p>",
		State:       "Accepted",
		OwnerEmail:  "alice@rally.example",
		Estimate:    5,
		Tags:        []string{"auth"},
		CreatedAt:   time.Date(2023, 4, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestTransformPartitionsFields(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	fs, err := tr.Transform(testItem())
	require.NoError(t, err)

	assert.Equal(t, "User Story", fs.TargetType)
	assert.Equal(t, "Closed", fs.DesiredState)

	assert.Contains(t, fs.CreationFields, "System.Description")
	assert.Contains(t, fs.CreationFields, "System.AreaPath")
	assert.NotContains(t, fs.CreationFields, "Custom.RallyCreationDate")
	assert.Equal(t, "2023-04-01T10:00:00Z", fs.PostFields["Custom.RallyCreationDate"])
}

func TestTransformTitleMarkerAndTags(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	fs, err := tr.Transform(testItem())
	require.NoError(t, err)

	assert.Equal(t, "[US42] Login page", fs.CreationFields["System.Title"])
	assert.Equal(t, "auth; US42; 12345", fs.CreationFields["System.Tags"])
}

func TestTransformMapsUsers(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	fs, err := tr.Transform(testItem())
	require.NoError(t, err)
	assert.Equal(t, "alice@contoso.example", fs.CreationFields["System.AssignedTo"])
}

func TestTransformSkipsEmptyValues(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	item := testItem()
	item.Description = ""
	item.Estimate = 0
	fs, err := tr.Transform(item)
	require.NoError(t, err)
	assert.NotContains(t, fs.CreationFields, "System.Description")
	assert.NotContains(t, fs.CreationFields, "Microsoft.VSTS.Scheduling.StoryPoints")
}

func TestTransformUnmappedType(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)

	item := testItem()
	item.Type = "PortfolioItem/Feature"
	_, err = tr.Transform(item)
	assert.Error(t, err)
}

func TestDesiredStateFallsBackToInitial(t *testing.T) {
	tr, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "New", tr.DesiredState("SomethingUnmapped"))
}

func TestNewRejectsEmptyConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Fields: []FieldRule{{Target: "System.Title", Source: "title"}}})
	assert.Error(t, err, "missing type map must be rejected")
}
