package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ExtractPath walks a decoded JSON document by a dot path with optional
// array indices, e.g. "contacts[0].firstName" or "data.total". Paths are
// lookups only; no predicates or expressions.
func ExtractPath(doc any, path string) (any, error) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, fmt.Errorf("empty path segment in %q", path)
		}
		key, indices, err := splitIndices(seg)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		if key != "" {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("path %q: %q is not an object", path, key)
			}
			cur, ok = obj[key]
			if !ok {
				return nil, fmt.Errorf("path %q: field %q not found", path, key)
			}
		}
		for _, idx := range indices {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("path %q: index into non-array", path)
			}
			if idx < 0 || idx >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range (%d elements)", path, idx, len(arr))
			}
			cur = arr[idx]
		}
	}
	return cur, nil
}

// splitIndices parses one path segment into its field name and trailing
// [n] indices. The name may be empty when the segment is pure indexing.
func splitIndices(seg string) (string, []int, error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, nil, nil
	}
	name := seg[:open]
	var indices []int
	rest := seg[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("malformed index in segment %q", seg)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated index in segment %q", seg)
		}
		idx, err := strconv.Atoi(rest[1:end])
		if err != nil {
			return "", nil, fmt.Errorf("non-numeric index in segment %q", seg)
		}
		indices = append(indices, idx)
		rest = rest[end+1:]
	}
	return name, indices, nil
}

// Stringify renders an extracted value for template substitution. Strings
// pass through unquoted; composites render as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
