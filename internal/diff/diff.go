// Package diff computes the minimal set of target fields that actually need
// patching, using type-aware comparison rules. The comparator fails open:
// when a field's values cannot be compared reliably, it is reported as
// different so an update is re-applied rather than silently dropped.
package diff

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// numericTolerance is the absolute difference below which two numeric field
// values are considered equal.
const numericTolerance = 1e-3

// Difference is one field judged materially different, with the value that
// should be patched onto the target record.
type Difference struct {
	Field string
	Value interface{}
}

// systemFields are owned by the target platform and never patched,
// regardless of how they compare: identity, revision, creation metadata,
// the work item type, and area/iteration hierarchy.
var systemFields = map[string]bool{
	"System.Id":            true,
	"System.Rev":           true,
	"System.CreatedDate":   true,
	"System.CreatedBy":     true,
	"System.ChangedDate":   true,
	"System.ChangedBy":     true,
	"System.WorkItemType":  true,
	"System.AreaPath":      true,
	"System.AreaId":        true,
	"System.IterationPath": true,
	"System.IterationId":   true,
	"System.TeamProject":   true,
	"System.NodeName":      true,
}

// Compare returns the fields in desired that materially differ from their
// counterparts in existing. Fields absent from desired are never reported;
// the migration only pushes values it owns.
func Compare(existing, desired map[string]interface{}) []Difference {
	var diffs []Difference

	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, field := range keys {
		want := desired[field]
		if systemFields[field] {
			continue
		}
		have, present := existing[field]
		if differs(field, have, present, want) {
			diffs = append(diffs, Difference{Field: field, Value: want})
		}
	}
	return diffs
}

// differs applies the comparison rules in priority order.
func differs(field string, have interface{}, havePresent bool, want interface{}) bool {
	// Null-vs-present is always a difference.
	if want == nil {
		return havePresent && have != nil
	}
	if !havePresent || have == nil {
		return true
	}

	// Rich text round-trips through platform markup normalization, so an
	// equality check is unreliable. Always re-patch when a value is desired.
	if isRichTextField(field) {
		return true
	}

	if isTagField(field) {
		return normalizeTags(asString(have)) != normalizeTags(asString(want))
	}

	if isDateField(field) {
		haveT, err1 := asTime(have)
		wantT, err2 := asTime(want)
		if err1 != nil || err2 != nil {
			return true // Unparseable date: fail open toward re-patching
		}
		return !sameDay(haveT, wantT)
	}

	if isNumericField(field) {
		haveF, err1 := asFloat(have)
		wantF, err2 := asFloat(want)
		if err1 != nil || err2 != nil {
			return true
		}
		d := haveF - wantF
		if d < 0 {
			d = -d
		}
		return d > numericTolerance
	}

	return strings.TrimSpace(asString(have)) != strings.TrimSpace(asString(want))
}

func isRichTextField(field string) bool {
	for _, marker := range []string{"Description", "Steps", "Criteria", "History", "Analysis", "Info"} {
		if strings.Contains(field, marker) {
			return true
		}
	}
	return false
}

func isTagField(field string) bool {
	return strings.Contains(field, "Tags")
}

func isDateField(field string) bool {
	return strings.Contains(field, "Date")
}

func isNumericField(field string) bool {
	for _, marker := range []string{"Estimate", "Effort", "Points", "Priority", "Hours", "Work", "StackRank", "Rank", "Severity"} {
		if strings.Contains(field, marker) {
			return true
		}
	}
	return false
}

// normalizeTags canonicalizes a tag list: split on ';' and ',', trim,
// drop empties, case-insensitive sort, rejoin.
func normalizeTags(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ','
	})
	var tags []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		return strings.ToLower(tags[i]) < strings.ToLower(tags[j])
	})
	return strings.Join(tags, ";")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// dateFormats covers the timestamp shapes both platforms emit.
var dateFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.0000000Z",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func asTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, format := range dateFormats {
			if parsed, err := time.Parse(format, strings.TrimSpace(t)); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date format: %q", t)
	default:
		return time.Time{}, fmt.Errorf("not a date value: %T", v)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a numeric value: %T", v)
	}
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
