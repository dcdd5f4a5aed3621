package subscription

import (
	"fmt"

	"github.com/FHIR/fhir-candle-sub000/internal/pathexpr"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
)

// CompileTopic parses a SubscriptionTopic resource's tree into the three
// disjoint per-kind trigger sets described in §4.3. paramDefs supplies the
// search-parameter schema needed to parse query-criteria filter strings
// for each targeted kind.
func CompileTopic(t restree.Tree, paramDefs search.DefsLookup) (*Topic, error) {
	id, _ := t.GetString("id")
	url, ok := t.GetString("url")
	if !ok || url == "" {
		return nil, fmt.Errorf("subscription topic %q has no url", id)
	}

	topic := &Topic{
		ID:                id,
		URL:               url,
		Kinds:             make(map[string]*KindTrigger),
		CanFilterBy:       make(map[string][]string),
		NotificationShape: make(map[string][]string),
	}

	triggers, _ := t.GetSlice("resourceTrigger")
	for _, raw := range triggers {
		rt, ok := asResourceTree(raw)
		if !ok {
			continue
		}
		kind, ok := rt.GetString("resourceType")
		if !ok || kind == "" {
			continue
		}
		kt := topic.Kinds[kind]
		if kt == nil {
			kt = &KindTrigger{Kind: kind}
			topic.Kinds[kind] = kt
		}

		if supported, ok := rt.GetSlice("supportedInteraction"); ok {
			it := &InteractionTrigger{}
			for _, s := range supported {
				code, _ := s.(string)
				switch code {
				case "create":
					it.OnCreate = true
				case "update":
					it.OnUpdate = true
				case "delete":
					it.OnDelete = true
				}
			}
			kt.Interaction = it
		}

		if fp, ok := rt.GetString("fhirPathCriteria"); ok && fp != "" {
			expr, err := pathexpr.Compile(fp)
			if err != nil {
				return nil, fmt.Errorf("topic %s: compiling fhirPathCriteria for %s: %w", url, kind, err)
			}
			kt.Path = &PathTrigger{Expr: expr}
		}

		if qc, ok := queryCriteriaOf(rt); ok {
			defs := search.ParamDefinitions(nil)
			if paramDefs != nil {
				defs = paramDefs(kind)
			}
			kt.Query = buildQueryTrigger(qc, defs)
		}
	}

	if cfb, ok := t.GetSlice("canFilterBy"); ok {
		for _, raw := range cfb {
			ct, ok := asResourceTree(raw)
			if !ok {
				continue
			}
			kind, _ := ct.GetString("resourceType")
			param, _ := ct.GetString("filterParameter")
			if param != "" {
				topic.CanFilterBy[kind] = append(topic.CanFilterBy[kind], param)
			}
		}
	}

	if shapes, ok := t.GetSlice("notificationShape"); ok {
		for _, raw := range shapes {
			st, ok := asResourceTree(raw)
			if !ok {
				continue
			}
			kind, _ := st.GetString("resourceType")
			if incs, ok := st.GetSlice("include"); ok {
				for _, i := range incs {
					if s, ok := i.(string); ok {
						topic.NotificationShape[kind] = append(topic.NotificationShape[kind], s)
					}
				}
			}
			if revs, ok := st.GetSlice("revInclude"); ok {
				for _, i := range revs {
					if s, ok := i.(string); ok {
						topic.NotificationShape[kind] = append(topic.NotificationShape[kind], s)
					}
				}
			}
		}
	}

	return topic, nil
}

func asResourceTree(v interface{}) (restree.Tree, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return restree.Tree{}, false
	}
	return restree.New(m), true
}

func queryCriteriaOf(rt restree.Tree) (restree.Tree, bool) {
	v, ok := rt.Get("queryCriteria")
	if !ok {
		return restree.Tree{}, false
	}
	return asResourceTree(v)
}

func buildQueryTrigger(qc restree.Tree, defs search.ParamDefinitions) *QueryTrigger {
	qt := &QueryTrigger{}
	qt.RequireBothTests, _ = boolField(qc, "requireBoth")
	qt.CreateAutoPass, _ = boolField(qc, "createAutoPass")
	qt.CreateAutoFail, _ = boolField(qc, "createAutoFail")
	qt.DeleteAutoPass, _ = boolField(qc, "deleteAutoPass")
	qt.DeleteAutoFail, _ = boolField(qc, "deleteAutoFail")

	if prev, ok := qc.GetString("previous"); ok && prev != "" {
		qt.PreviousTest = parseQueryString(prev, defs)
	}
	if cur, ok := qc.GetString("current"); ok && cur != "" {
		qt.CurrentTest = parseQueryString(cur, defs)
	}
	return qt
}

func boolField(t restree.Tree, name string) (bool, bool) {
	v, ok := t.Get(name)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// parseQueryString parses a "name=value&name2=value2" criteria string into
// a parameter list using C2's own parser.
func parseQueryString(raw string, defs search.ParamDefinitions) []search.Parameter {
	var params []search.Parameter
	for _, pair := range splitAmp(raw) {
		name, val, ok := splitEq(pair)
		if !ok {
			continue
		}
		params = append(params, search.ParseParameter(defs, name, val))
	}
	return params
}

func splitAmp(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func splitEq(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
