package model

import "fmt"

// Fields is the loosely typed field bag of a server-held document.
type Fields map[string]any

// Entity is a server-held record identified by a stable key. The client never
// owns entity identity; entities are created, updated and deleted upstream.
type Entity struct {
	Key    string
	Fields Fields
}

// ChangeKind tags a ChangeEvent.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ParseChangeKind maps the wire names used by the feeds onto ChangeKind.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch s {
	case "added", "insert", "create":
		return Added, nil
	case "modified", "update", "replace":
		return Modified, nil
	case "removed", "delete":
		return Removed, nil
	default:
		return 0, fmt.Errorf("unknown change kind %q", s)
	}
}

// Change is a single add/modify/remove event. Fields is nil for Removed.
type Change struct {
	Kind   ChangeKind
	Key    string
	Fields Fields
}

// Batch is one delivery for a collection: the raw document count at the time
// of delivery plus zero or more ordered changes.
type Batch struct {
	Collection   string
	SnapshotSize int
	Changes      []Change
}

// HasAdds reports whether the batch carries at least one Added change.
func (b Batch) HasAdds() bool {
	for _, c := range b.Changes {
		if c.Kind == Added {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the field bag. Nested maps and slices are
// copied so a consumer can hold on to the result across batches.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Fields:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// String returns the named field as a string, or "" when absent or not a string.
func (f Fields) String(name string) string {
	if s, ok := f[name].(string); ok {
		return s
	}
	return ""
}

// Bool returns the named boolean field and whether it was present.
func (f Fields) Bool(name string) (bool, bool) {
	b, ok := f[name].(bool)
	return b, ok
}

// Number returns the named field as float64. JSON, BSON and hand-built
// documents disagree on numeric types, so every Go numeric kind is accepted.
func (f Fields) Number(name string) (float64, bool) {
	return toFloat(f[name])
}

// Map returns a nested document field.
func (f Fields) Map(name string) (Fields, bool) {
	switch t := f[name].(type) {
	case map[string]any:
		return Fields(t), true
	case Fields:
		return t, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
