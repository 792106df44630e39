package formflow

import "strings"

// Lookup resolves a dot-separated path such as "examinerInfo.name" inside a
// section record. Any non-object along the way ends the walk.
func Lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// isFilled is the completeness test for a required field: present, non-nil and
// not the empty string. Empty lists and objects count as filled.
func isFilled(data map[string]any, path string) bool {
	v, ok := Lookup(data, path)
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}

func stringAt(data map[string]any, path string) string {
	v, _ := Lookup(data, path)
	s, _ := v.(string)
	return s
}

func isEmptySection(data map[string]any) bool {
	return len(data) == 0
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneRecord(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func cloneRecord(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneSections deep-copies a sections map.
func CloneSections(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for id, rec := range in {
		out[id] = cloneRecord(rec)
	}
	return out
}
