package search

import "github.com/FHIR/fhir-candle-sub000/internal/restree"

// extractAt follows path through nested maps/slices, flattening through any
// array encountered along the way, and returns every leaf value reached.
func extractAt(v interface{}, path []string) []interface{} {
	if len(path) == 0 {
		if v == nil {
			return nil
		}
		return []interface{}{v}
	}
	switch x := v.(type) {
	case []interface{}:
		var out []interface{}
		for _, e := range x {
			out = append(out, extractAt(e, path)...)
		}
		return out
	case map[string]interface{}:
		nxt, ok := x[path[0]]
		if !ok {
			return nil
		}
		return extractAt(nxt, path[1:])
	default:
		return nil
	}
}

// extractValues unions every alternative path on a ParamDefinition.
func extractValues(t Tree, def ParamDefinition) []interface{} {
	var out []interface{}
	for _, p := range def.Paths {
		out = append(out, extractAt(t.Map(), p)...)
	}
	return out
}

func asTree(v interface{}) (Tree, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return Tree{}, false
	}
	return restree.New(m), true
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
