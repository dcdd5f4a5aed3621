// Package restree provides the typed element tree used as the in-process
// representation of a resource payload. Serialization to/from JSON or XML
// and compiled path-expression evaluation live outside this package; restree
// only owns navigation, copying and the small set of well-known accessors
// every core component needs (kind, id, canonical url, identifiers).
package restree

import "fmt"

// Tree wraps a decoded resource payload. The underlying shape is always
// map[string]interface{} / []interface{} / scalar, the same shape produced
// by encoding/json and consumed by FHIRPath-style evaluators.
type Tree struct {
	root map[string]interface{}
}

// New wraps an existing map as a Tree. The caller must not mutate m after
// handing it to New; use DeepCopy if independent mutation is required.
func New(m map[string]interface{}) Tree {
	if m == nil {
		m = map[string]interface{}{}
	}
	return Tree{root: m}
}

// Empty returns a Tree with no elements.
func Empty() Tree {
	return Tree{root: map[string]interface{}{}}
}

// IsZero reports whether the tree carries no backing map at all (as opposed
// to an empty one), which distinguishes "absent" from "present but empty".
func (t Tree) IsZero() bool {
	return t.root == nil
}

// Map returns the underlying map. Callers that intend to retain or mutate it
// must DeepCopy first.
func (t Tree) Map() map[string]interface{} {
	return t.root
}

// Kind returns the self-declared resourceType element.
func (t Tree) Kind() string {
	return t.stringField("resourceType")
}

// ID returns the self-declared id element.
func (t Tree) ID() string {
	return t.stringField("id")
}

func (t Tree) stringField(name string) string {
	if t.root == nil {
		return ""
	}
	v, ok := t.root[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// WithKindAndID returns a deep copy of the tree with resourceType/id forced
// to the given values, used by the store on create/update.
func (t Tree) WithKindAndID(kind, id string) Tree {
	c := t.DeepCopy()
	if c.root == nil {
		c.root = map[string]interface{}{}
	}
	c.root["resourceType"] = kind
	c.root["id"] = id
	return c
}

// Get navigates a dotted/indexed path, e.g. Get("name", "0", "family").
// Numeric segments index into a slice; any other segment indexes a map key.
// Returns (nil, false) if any segment along the path is absent.
func (t Tree) Get(path ...string) (interface{}, bool) {
	var cur interface{} = t.root
	for _, seg := range path {
		switch v := cur.(type) {
		case map[string]interface{}:
			nxt, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = nxt
		case []interface{}:
			idx, err := atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// GetString is a convenience wrapper over Get for scalar string elements.
func (t Tree) GetString(path ...string) (string, bool) {
	v, ok := t.Get(path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetSlice is a convenience wrapper over Get for repeating elements.
func (t Tree) GetSlice(path ...string) ([]interface{}, bool) {
	v, ok := t.Get(path...)
	if !ok {
		return nil, false
	}
	s, ok := v.([]interface{})
	return s, ok
}

// DeepCopy returns a structurally independent copy of the tree. Required
// before handing a stored instance to an untrusted hook callback so the
// hook cannot mutate the canonical copy held by the store.
func (t Tree) DeepCopy() Tree {
	if t.root == nil {
		return Tree{}
	}
	return Tree{root: deepCopyMap(t.root)}
}

func deepCopyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return x
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func atoi(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty index")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
