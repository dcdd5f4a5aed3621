package search

import (
	"strings"
	"sync"

	"github.com/FHIR/fhir-candle-sub000/internal/store"
	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

// maxChainDepth bounds chained- and reverse-chained-parameter recursion,
// following the teacher's own chain-registry convention.
const maxChainDepth = 3

// StoreLookup resolves a resource kind to its Store, for chain and _has
// reverse-chain resolution across kinds.
type StoreLookup func(kind string) (*store.Store, bool)

// DefsLookup resolves a resource kind to its search parameter schema.
type DefsLookup func(kind string) ParamDefinitions

// reverseChainCache memoizes the set of instance ids in a reverse kind that
// satisfy one _has filter, keyed by (kind, param, rest-filter, value). A
// single search pass tests the same _has filter against every candidate in
// the outer scan, so caching the resolved id set avoids re-scanning the
// reverse kind store once per candidate.
type reverseChainCache struct {
	mu   sync.Mutex
	sets map[string]map[string]bool
}

func newReverseChainCache() *reverseChainCache {
	return &reverseChainCache{sets: make(map[string]map[string]bool)}
}

func (c *reverseChainCache) get(key string) (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sets[key]
	return s, ok
}

func (c *reverseChainCache) put(key string, s map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[key] = s
}

// Evaluator is C2: it decides whether a resource's Tree matches a parsed
// parameter list. One Evaluator is constructed per search request so its
// reverse-chain cache doesn't leak stale results into later requests.
type Evaluator struct {
	Adapter terminology.Adapter
	Stores  StoreLookup
	Defs    DefsLookup

	cache *reverseChainCache
}

// NewEvaluator builds an Evaluator for one search request.
func NewEvaluator(adapter terminology.Adapter, stores StoreLookup, defs DefsLookup) *Evaluator {
	return &Evaluator{Adapter: adapter, Stores: stores, Defs: defs, cache: newReverseChainCache()}
}

// TestForMatch reports whether t, a resource of kind, satisfies every
// non-ignored parameter (AND across parameters; each parameter's own value
// list is OR'd internally by its type-specific matcher).
func (e *Evaluator) TestForMatch(kind string, t Tree, params []Parameter) bool {
	for _, p := range params {
		if p.Ignored {
			continue
		}
		if !e.testParam(kind, t, p, 0) {
			return false
		}
	}
	return true
}

func (e *Evaluator) testParam(kind string, t Tree, p Parameter, depth int) bool {
	switch {
	case p.Has != nil:
		return e.testHas(kind, t, p, depth)
	case p.Chain != nil:
		return e.testChain(t, p, depth)
	case p.Def.Type == TypeComposite:
		return e.testComposite(t, p)
	default:
		return e.testSimple(t, p)
	}
}

func (e *Evaluator) testSimple(t Tree, p Parameter) bool {
	values := extractValues(t, p.Def)
	if p.Modifier == ModMissing {
		want := len(p.Values) > 0 && p.Values[0].Raw == "true"
		return (len(values) == 0) == want
	}
	return e.matchByType(p.Def.Type, values, p.Values, p.Modifier, p.RefKindMod)
}

func (e *Evaluator) matchByType(typ ParamType, values []interface{}, tokens []ValueToken, modifier Modifier, refKindMod string) bool {
	switch typ {
	case TypeString:
		return matchString(values, tokens, modifier)
	case TypeToken:
		return matchToken(values, tokens, modifier, e.Adapter, "")
	case TypeReference:
		return matchReference(values, tokens, modifier, refKindMod)
	case TypeQuantity:
		return matchQuantity(values, tokens, e.Adapter)
	case TypeDate:
		return matchDate(values, tokens)
	case TypeNumber:
		return matchNumber(values, tokens)
	default:
		return false
	}
}

// testComposite implements §4.2's composite parameters: each OR-branch is a
// $-separated tuple of sub-values, each sub-value is tested against the
// aligned Components definition, and all components must match within the
// same repetition of the repeating GroupPath element.
func (e *Evaluator) testComposite(t Tree, p Parameter) bool {
	groups := extractGroups(t, p.Def.GroupPath)
	for _, raw := range p.Values {
		subVals := strings.Split(raw.Raw, "$")
		if len(subVals) != len(p.Def.Components) {
			continue
		}
		for _, g := range groups {
			if e.compositeMatchesGroup(g, p.Def.Components, subVals) {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) compositeMatchesGroup(g Tree, components []ParamDefinition, subVals []string) bool {
	for i, comp := range components {
		vals := extractValues(g, comp)
		tok := ParseValueToken(comp.Type, subVals[i])
		if !e.matchByType(comp.Type, vals, []ValueToken{tok}, ModNone, "") {
			return false
		}
	}
	return true
}

func extractGroups(t Tree, groupPath []string) []Tree {
	if len(groupPath) == 0 {
		return []Tree{t}
	}
	v, ok := t.Get(groupPath...)
	if !ok {
		return nil
	}
	var out []Tree
	switch x := v.(type) {
	case []interface{}:
		for _, e := range x {
			if sub, ok := asTree(e); ok {
				out = append(out, sub)
			}
		}
	default:
		if sub, ok := asTree(v); ok {
			out = append(out, sub)
		}
	}
	return out
}

// testChain resolves a chained parameter (e.g. "subject:Patient.name=peter")
// by following the source reference to its target instance(s) and testing
// the remainder as an ordinary (possibly further-chained) parameter there.
func (e *Evaluator) testChain(t Tree, p Parameter, depth int) bool {
	if depth >= maxChainDepth || e.Stores == nil || e.Defs == nil {
		return false
	}
	c := p.Chain
	refs := extractValues(t, p.Def)
	for _, v := range refs {
		ref, ok := referenceFrom(v)
		if !ok {
			continue
		}
		kind := c.TargetKind
		if kind == "" {
			kind = ref.kind
		}
		if kind == "" {
			continue
		}
		if ref.kind != "" && c.TargetKind != "" && ref.kind != c.TargetKind {
			continue
		}
		st, ok := e.Stores(kind)
		if !ok {
			continue
		}
		inst, rerr := st.Read(ref.id)
		if rerr != nil {
			continue
		}
		next := e.resolveChainRest(kind, c.Rest, c.Value)
		if next == nil {
			continue
		}
		if e.testParam(kind, inst.Payload, *next, depth+1) {
			return true
		}
	}
	return false
}

// resolveChainRest parses a chain's remainder into a Parameter against the
// target kind's own schema, supporting one further level of dotted
// chaining (e.g. "organization.name").
func (e *Evaluator) resolveChainRest(kind, rest, value string) *Parameter {
	defs := e.Defs(kind)
	if defs == nil {
		return nil
	}
	if dotIdx := strings.Index(rest, "."); dotIdx >= 0 {
		p := parseChain(defs, rest, "", value)
		return &p
	}
	name, modRaw := ParseParamModifier(rest)
	def, ok := defs[name]
	if !ok {
		return nil
	}
	modifier, refKindMod := classifyModifier(def.Type, modRaw)
	var vals []ValueToken
	for _, raw := range splitOrValues(value) {
		vals = append(vals, ParseValueToken(def.Type, raw))
	}
	return &Parameter{Name: name, Def: def, Modifier: modifier, RefKindMod: refKindMod, Values: vals}
}

// testHas implements "_has:Kind:param:rest" reverse chaining: t matches if
// some instance of ReverseKind references t via ReverseParam and itself
// satisfies the Rest filter.
func (e *Evaluator) testHas(kind string, t Tree, p Parameter, depth int) bool {
	if depth >= maxChainDepth || e.Stores == nil || e.Defs == nil || len(p.Values) == 0 {
		return false
	}
	has := p.Has
	revStore, ok := e.Stores(has.ReverseKind)
	if !ok {
		return false
	}
	revDefs := e.Defs(has.ReverseKind)
	refDef, ok := revDefs[has.ReverseParam]
	if !ok {
		return false
	}
	restParam := ParseParameter(revDefs, has.Rest, p.Values[0].Raw)
	if restParam.Ignored {
		return false
	}

	key := has.ReverseKind + "|" + has.ReverseParam + "|" + has.Rest + "|" + p.Values[0].Raw
	ids, ok := e.cache.get(key)
	if !ok {
		ids = make(map[string]bool)
		it := revStore.Search(func(candidate Tree) bool {
			return e.testParam(has.ReverseKind, candidate, restParam, depth+1)
		}, false)
		for {
			inst, ok := it()
			if !ok {
				break
			}
			for _, v := range extractValues(inst.Payload, refDef) {
				if ref, ok := referenceFrom(v); ok {
					ids[ref.id] = true
				}
			}
		}
		e.cache.put(key, ids)
	}
	return ids[t.ID()]
}
