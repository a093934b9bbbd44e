// Package workflow drives a target record through its workflow states.
// Target platforms commonly forbid jumping states directly (a record is
// created in the platform's mandatory initial state and cannot move
// straight to a terminal one), so the controller applies a per-platform
// table of intermediate hops and verifies each hop by reading the record
// back. A non-error response from the platform is not trusted: silently
// rejected or redirected transitions are reported as failures.
package workflow

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/workshift/workshift/internal/connector"
)

// StateField is the target field holding the workflow state. Only this
// field is set per hop; companion fields (e.g. the reason field) are left
// to the platform's own defaulting.
const StateField = "System.State"

// TransitionTable maps a desired terminal state to the ordered intermediate
// states that must be applied before it.
type TransitionTable map[string][]string

// DefaultTable covers the Agile process template: terminal states are only
// reachable through Active.
func DefaultTable() TransitionTable {
	return TransitionTable{
		"Resolved": {"Active"},
		"Closed":   {"Active"},
	}
}

// LoadTable reads a transition table from a YAML file of the form:
//
//	Closed: [Active, Resolved]
//	Resolved: [Active]
//
// States absent from the table are applied with a single direct update.
func LoadTable(path string) (TransitionTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading transition table: %w", err)
	}
	var table TransitionTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing transition table %s: %w", path, err)
	}
	return table, nil
}

// VerificationError reports a transition hop whose read-back did not match
// the requested state. These are never retried automatically: a blind retry
// risks compounding an already-inconsistent transition.
type VerificationError struct {
	RecordID string
	Step     int    // 1-based index of the failed hop
	Expected string // State requested for this hop
	Actual   string // State observed on read-back
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("workflow: record %s step %d: expected state %q, found %q",
		e.RecordID, e.Step, e.Expected, e.Actual)
}

// Controller steps target records toward desired workflow states.
type Controller struct {
	target connector.Target
	table  TransitionTable
}

// NewController creates a controller with the given transition table.
// A nil table falls back to DefaultTable.
func NewController(target connector.Target, table TransitionTable) *Controller {
	if table == nil {
		table = DefaultTable()
	}
	return &Controller{target: target, table: table}
}

// Plan returns the ordered states to apply to move a record from current to
// desired. An empty plan means no work is needed. Intermediate hops equal
// to the current state are elided.
func (c *Controller) Plan(current, desired string) []string {
	if current == desired || desired == "" {
		return nil
	}
	var plan []string
	for _, step := range c.table[desired] {
		if step != current {
			plan = append(plan, step)
		}
	}
	return append(plan, desired)
}

// Transition drives the record to the desired state, verifying every hop.
// It aborts on the first hop whose read-back does not match, returning a
// *VerificationError naming the hop and the actual state found.
func (c *Controller) Transition(ctx context.Context, recordID, desired string) error {
	rec, err := c.target.GetRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("workflow: fetching record %s: %w", recordID, err)
	}
	if rec == nil {
		return fmt.Errorf("workflow: record %s not found", recordID)
	}

	current := stateOf(rec)
	plan := c.Plan(current, desired)
	if len(plan) == 0 {
		return nil
	}

	for i, step := range plan {
		patch := map[string]interface{}{StateField: step}
		if err := c.target.PatchFields(ctx, recordID, patch); err != nil {
			return fmt.Errorf("workflow: record %s step %d (%s): %w", recordID, i+1, step, err)
		}

		// The platform may accept the patch and silently keep or redirect
		// the state. Only the read-back decides success.
		after, err := c.target.GetRecord(ctx, recordID)
		if err != nil {
			return fmt.Errorf("workflow: verifying record %s step %d: %w", recordID, i+1, err)
		}
		actual := stateOf(after)
		if actual != step {
			return &VerificationError{
				RecordID: recordID,
				Step:     i + 1,
				Expected: step,
				Actual:   actual,
			}
		}
	}
	return nil
}

func stateOf(rec *connector.TargetRecord) string {
	if rec == nil || rec.Fields == nil {
		return ""
	}
	if s, ok := rec.Fields[StateField].(string); ok {
		return s
	}
	return ""
}
