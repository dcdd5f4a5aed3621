// Package kindreg holds the per-kind capability table that replaces the
// source's per-kind generic-type polymorphism (design note §9). Instead of a
// store parameterized by a concrete clinical type, every supported kind
// registers a small table of pure functions the store and search evaluator
// call through.
package kindreg

import "github.com/FHIR/fhir-candle-sub000/internal/restree"

// IdentifierTuple is a (system, value) pair extracted from a resource's
// identifier elements for secondary indexing.
type IdentifierTuple struct {
	System string
	Value  string
}

// Capabilities describes one supported resource kind.
type Capabilities struct {
	// Name is the kind name, e.g. "Patient", "Observation", "SubscriptionTopic".
	Name string

	// ParseCanonicalURL extracts the kind's canonical `url` element, if any.
	ParseCanonicalURL func(restree.Tree) (string, bool)

	// ParseIdentifiers extracts identifier system|value tuples, if any.
	ParseIdentifiers func(restree.Tree) []IdentifierTuple

	// IsTopicKind marks the SubscriptionTopic kind (and Basic resources
	// typed-as SubscriptionTopic). The store does not read it.
	IsTopicKind bool

	// IsSubscriptionKind marks the Subscription kind. The store does not
	// read it.
	IsSubscriptionKind bool

	// Validate performs kind-specific structural pre-validation before
	// create/update is accepted. Returning ok=false rejects the payload with
	// a *bad-request* (structure) error carrying the returned message.
	Validate func(restree.Tree) (string, bool)
}

// Registry is a read path only map of kind name -> Capabilities, built once
// at tenant init and never mutated afterward, so it needs no locking.
type Registry struct {
	byName map[string]*Capabilities
}

// NewRegistry builds a Registry from the given capability tables.
func NewRegistry(kinds ...*Capabilities) *Registry {
	r := &Registry{byName: make(map[string]*Capabilities, len(kinds))}
	for _, k := range kinds {
		r.byName[k.Name] = k
	}
	return r
}

// Lookup returns the Capabilities for kind, or (nil, false) if unsupported.
func (r *Registry) Lookup(kind string) (*Capabilities, bool) {
	c, ok := r.byName[kind]
	return c, ok
}

// Kinds returns every registered kind name.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byName))
	for k := range r.byName {
		out = append(out, k)
	}
	return out
}

// Default builds the capability table for a resource kind using the common
// FHIR-shaped conventions: a top-level "url" string element for canonical
// URL, and a repeating "identifier" array of {system,value} objects for
// identifier tuples. Kinds with different shapes (e.g. Basic) can still
// supply their own Capabilities by hand.
func Default(name string) *Capabilities {
	return &Capabilities{
		Name: name,
		ParseCanonicalURL: func(t restree.Tree) (string, bool) {
			return t.GetString("url")
		},
		ParseIdentifiers: func(t restree.Tree) []IdentifierTuple {
			items, ok := t.GetSlice("identifier")
			if !ok {
				return nil
			}
			out := make([]IdentifierTuple, 0, len(items))
			for _, it := range items {
				m, ok := it.(map[string]interface{})
				if !ok {
					continue
				}
				idTree := restree.New(m)
				sys, _ := idTree.GetString("system")
				val, _ := idTree.GetString("value")
				if val != "" {
					out = append(out, IdentifierTuple{System: sys, Value: val})
				}
			}
			return out
		},
	}
}
