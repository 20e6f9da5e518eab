package driftsync

import (
	"fmt"
	"strings"
)

// Document is a nested key-value tree mirroring the shape of the remote
// profile document. Leaf values are the JSON scalar types plus nested
// map[string]any containers; numbers decoded from JSON arrive as float64.
type Document map[string]any

// Clone returns a deep copy of the document. Nested containers are copied;
// leaf values are shared (they are treated as immutable once stored).
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return t.Clone()
	case map[string]any:
		return Document(t).Clone()
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// ParsePath validates a dot-delimited field path and returns its segments.
// Empty paths, empty segments, and segments containing whitespace are
// rejected at construction time rather than during tree traversal.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.TrimSpace(seg) != seg {
			return nil, fmt.Errorf("%w: whitespace in segment %q", ErrInvalidPath, seg)
		}
	}
	return segments, nil
}

// valueAt returns the value at the given path segments, or (nil, false) if
// any intermediate container is missing.
func (d Document) valueAt(segments []string) (any, bool) {
	cur := any(d)
	for _, seg := range segments {
		container, ok := asContainer(cur)
		if !ok {
			return nil, false
		}
		next, ok := container[seg]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// setAt assigns value at the path, creating intermediate containers as
// needed. A non-container intermediate value is overwritten by a container;
// the remote document model behaves the same way for nested assignment.
func (d Document) setAt(segments []string, value any) {
	container := map[string]any(d)
	for _, seg := range segments[:len(segments)-1] {
		next, ok := asContainer(container[seg])
		if !ok {
			next = make(map[string]any)
			container[seg] = next
		}
		container = next
	}
	container[segments[len(segments)-1]] = value
}

// addAt adds delta onto the numeric value at the path, treating a missing or
// non-numeric value as zero.
func (d Document) addAt(segments []string, delta float64) {
	cur, _ := d.valueAt(segments)
	base, _ := asNumber(cur)
	d.setAt(segments, base+delta)
}

func asContainer(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case Document:
		return t, true
	case map[string]any:
		return t, true
	default:
		return nil, false
	}
}

// asNumber coerces the numeric types a Document can carry (its own writes
// plus values decoded from JSON or scanned from SQLite) into float64.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// recencyMarkerKey is the embedded field progress records carry; staging uses
// it to reject writes older than what is already buffered.
const recencyMarkerKey = "lastAccessed"

// recencyOf extracts the embedded recency marker from a staged value.
// Values that are not container-shaped or carry no marker report (0, false).
func recencyOf(value any) (float64, bool) {
	container, ok := asContainer(value)
	if !ok {
		return 0, false
	}
	marker, ok := container[recencyMarkerKey]
	if !ok {
		return 0, false
	}
	return asNumber(marker)
}
