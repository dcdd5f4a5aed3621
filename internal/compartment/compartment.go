// Package compartment implements C7: membership tests and grouped,
// authorization-filtered search for FHIR compartments (Patient, Encounter,
// RelatedPerson, Practitioner, Device).
package compartment

import (
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
)

// Definition describes which kinds belong to a compartment type and, for
// each, the search-parameter code(s) whose value must equal the
// compartment root reference for membership.
type Definition struct {
	CompartmentKind string // e.g. "Patient"
	// Params maps a member kind to the one or more search parameter names
	// that reference the compartment root.
	Params map[string][]string
}

// AuthScope describes the caller's authorization context for per-resource
// filtering, per §4.7.
type AuthScope struct {
	// SystemKinds lists kinds for which a system-level scope (Kind.* or
	// Kind.s) grants unrestricted access, bypassing per-resource filtering.
	SystemKinds map[string]bool
	// AllSystem is true for a "*.*"/"*.s" scope: every kind is unrestricted.
	AllSystem bool
	// PatientCompartmentID is the launch-patient id a patient-scoped
	// request is restricted to, if any.
	PatientCompartmentID string
}

// permits reports whether scope allows access to a candidate of kind that
// is (or is not) a member of the launch-patient compartment.
func (s AuthScope) permits(kind string, isPatientMember func() bool) bool {
	if s.AllSystem || s.SystemKinds[kind] {
		return true
	}
	if s.PatientCompartmentID == "" {
		// No scope configured at all: no restriction.
		return true
	}
	return isPatientMember()
}

// StoreLookup resolves a resource kind to its Store.
type StoreLookup func(kind string) (*store.Store, bool)

// Engine evaluates compartment membership and compartment search over a
// tenant's stores.
type Engine struct {
	defs    map[string]Definition // by CompartmentKind
	stores  StoreLookup
	search  search.DefsLookup
}

// New builds a compartment Engine from the supplied compartment
// definitions.
func New(defs map[string]Definition, stores StoreLookup, paramDefs search.DefsLookup) *Engine {
	return &Engine{defs: defs, stores: stores, search: paramDefs}
}

// IsMember reports whether a candidate of kind K is a member of compartment
// C/i, per §4.7: either K=C and id=i, or the compartment definition lists K
// with a parameter whose value resolves to C/i.
func (e *Engine) IsMember(compartmentKind, rootID, candidateKind, candidateID string, candidate restree.Tree) bool {
	if candidateKind == compartmentKind && candidateID == rootID {
		return true
	}
	def, ok := e.defs[compartmentKind]
	if !ok {
		return false
	}
	paramNames, ok := def.Params[candidateKind]
	if !ok {
		return false
	}
	defs := e.paramDefsFor(candidateKind)
	ev := search.NewEvaluator(nil, e.storeLookup(), e.search)
	for _, pname := range paramNames {
		pdef, ok := defs[pname]
		if !ok {
			continue
		}
		ref := search.ParseValueToken(search.TypeReference, compartmentKind+"/"+rootID)
		params := []search.Parameter{{Name: pname, Def: pdef, Values: []search.ValueToken{ref}}}
		if ev.TestForMatch(candidateKind, candidate, params) {
			return true
		}
	}
	return false
}

// MemberKinds lists the resource kinds registered as members of
// compartmentKind, for callers (the dispatcher's per-kind query parsing)
// that need to know the full set before calling Search.
func (e *Engine) MemberKinds(compartmentKind string) []string {
	def, ok := e.defs[compartmentKind]
	if !ok {
		return nil
	}
	kinds := make([]string, 0, len(def.Params))
	for k := range def.Params {
		kinds = append(kinds, k)
	}
	return kinds
}

func (e *Engine) paramDefsFor(kind string) search.ParamDefinitions {
	if e.search == nil {
		return nil
	}
	return e.search(kind)
}

func (e *Engine) storeLookup() search.StoreLookup {
	return search.StoreLookup(e.stores)
}

// Search runs a compartment-scoped search across every kind the
// compartment definition lists (or, for compartment-type search, just the
// one requested kind), combining the user's own filters with the
// compartment membership filters per §4.7: a single compartment filter is
// ANDed in; multiple filters are run as the plain user query and then
// post-filtered with an OR of the compartment filters.
func (e *Engine) Search(compartmentKind, rootID string, onlyKind string, userParams map[string][]search.Parameter, scope AuthScope) map[string][]store.Instance {
	def, ok := e.defs[compartmentKind]
	if !ok {
		return nil
	}

	kinds := make([]string, 0, len(def.Params))
	if onlyKind != "" {
		if _, ok := def.Params[onlyKind]; ok {
			kinds = append(kinds, onlyKind)
		}
	} else {
		for k := range def.Params {
			kinds = append(kinds, k)
		}
	}

	results := make(map[string][]store.Instance, len(kinds))
	for _, kind := range kinds {
		st, ok := e.stores(kind)
		if !ok {
			continue
		}
		paramNames := def.Params[kind]
		compartmentParams := e.compartmentFilters(kind, compartmentKind, rootID, paramNames)

		var combined []search.Parameter
		combined = append(combined, userParams[kind]...)
		postFilterOR := len(compartmentParams) > 1
		if !postFilterOR {
			combined = append(combined, compartmentParams...)
		}

		ev := search.NewEvaluator(nil, e.storeLookup(), e.search)
		it := st.Search(func(t restree.Tree) bool {
			if !ev.TestForMatch(kind, t, combined) {
				return false
			}
			if postFilterOR {
				matched := false
				for _, cp := range compartmentParams {
					if ev.TestForMatch(kind, t, []search.Parameter{cp}) {
						matched = true
						break
					}
				}
				if !matched {
					return false
				}
			}
			if !scope.permits(kind, func() bool {
				return e.IsMember("Patient", scope.PatientCompartmentID, kind, t.ID(), t)
			}) {
				return false
			}
			return true
		}, false)
		results[kind] = store.All(it)
	}
	return results
}

func (e *Engine) compartmentFilters(kind, compartmentKind, rootID string, paramNames []string) []search.Parameter {
	defs := e.paramDefsFor(kind)
	var out []search.Parameter
	for _, pname := range paramNames {
		pdef, ok := defs[pname]
		if !ok {
			continue
		}
		ref := search.ParseValueToken(search.TypeReference, compartmentKind+"/"+rootID)
		out = append(out, search.Parameter{Name: pname, Def: pdef, Values: []search.ValueToken{ref}})
	}
	return out
}
