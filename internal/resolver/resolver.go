// Package resolver implements C9: a uniform, tenant-scoped way to resolve a
// reference string down to the instance it names, regardless of whether it
// was written as "Kind/id", an absolute URL, or an identifier lookup, and to
// reach the terminology adapter C2/C3 consult for token/quantity matching.
package resolver

import (
	"strings"

	"github.com/FHIR/fhir-candle-sub000/internal/fhirerr"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

// StoreLookup resolves a resource kind to its Store.
type StoreLookup func(kind string) (*store.Store, bool)

// KindsLookup lists every registered resource kind, used to search for a
// canonical URL when the caller doesn't already know which kind holds it.
type KindsLookup func() []string

// Resolver wraps a tenant's kind stores and terminology adapter behind the
// single lookup surface C2 (chained parameters) and C3 (notification
// resource embedding) need.
type Resolver struct {
	Stores  StoreLookup
	Kinds   KindsLookup
	Adapter terminology.Adapter
}

// New builds a Resolver over a tenant's stores and terminology adapter.
func New(stores StoreLookup, kinds KindsLookup, adapter terminology.Adapter) *Resolver {
	return &Resolver{Stores: stores, Kinds: kinds, Adapter: adapter}
}

// Resolve looks up a reference string of the form "Kind/id", an absolute
// URL (matched against canonical URLs registered by any kind), or a bare
// id (matched against the given default kind).
func (r *Resolver) Resolve(ref, defaultKind string) (store.Instance, *fhirerr.Error) {
	if ref == "" {
		return store.Instance{}, fhirerr.Invalidf("empty reference")
	}
	if strings.Contains(ref, "://") {
		return r.ResolveCanonical(ref)
	}
	kind, id := defaultKind, ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		kind, id = ref[:i], ref[i+1:]
	}
	st, ok := r.Stores(kind)
	if !ok {
		return store.Instance{}, fhirerr.NotFoundf("unknown resource kind %q", kind)
	}
	return st.Read(id)
}

// ResolveCanonical looks up a canonical URL across every registered kind,
// returning the first match. ResolveCanonicalIn is cheaper when the target
// kind is already known.
func (r *Resolver) ResolveCanonical(url string) (store.Instance, *fhirerr.Error) {
	if r.Kinds != nil {
		for _, kind := range r.Kinds() {
			if inst, err := r.ResolveCanonicalIn(kind, url); err == nil {
				return inst, nil
			}
		}
	}
	return store.Instance{}, fhirerr.NotFoundf("canonical url %q not found", url)
}

// ResolveCanonicalIn looks up a canonical URL within one known kind's store.
func (r *Resolver) ResolveCanonicalIn(kind, url string) (store.Instance, *fhirerr.Error) {
	st, ok := r.Stores(kind)
	if !ok {
		return store.Instance{}, fhirerr.NotFoundf("unknown resource kind %q", kind)
	}
	inst, ok := st.ResolveCanonical(url)
	if !ok {
		return store.Instance{}, fhirerr.NotFoundf("canonical url %q not found in %s", url, kind)
	}
	return inst, nil
}

// ResolveIdentifier looks up an instance by identifier tuple within one
// known kind's store (§4.9's identifier-form reference resolution).
func (r *Resolver) ResolveIdentifier(kind, system, value string) (store.Instance, *fhirerr.Error) {
	st, ok := r.Stores(kind)
	if !ok {
		return store.Instance{}, fhirerr.NotFoundf("unknown resource kind %q", kind)
	}
	inst, ok := st.ResolveIdentifier(system, value)
	if !ok {
		return store.Instance{}, fhirerr.NotFoundf("identifier %s|%s not found in %s", system, value, kind)
	}
	return inst, nil
}

// Terminology exposes the tenant's terminology adapter for callers (C2
// composite/token matching, C3 filter predicates) that only need it, not
// the full resolver surface.
func (r *Resolver) Terminology() terminology.Adapter {
	return r.Adapter
}
