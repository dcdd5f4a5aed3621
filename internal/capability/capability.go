// Package capability implements C6: generation of the tenant's
// self-description document, cached until a dirty flag is raised by
// search-parameter or operation registration.
package capability

import (
	"sync"
	"sync/atomic"

	"github.com/FHIR/fhir-candle-sub000/internal/restree"
)

// KindCapability describes one resource kind's advertised interactions and
// search parameters.
type KindCapability struct {
	Kind               string
	Create, Read       bool
	Update, Delete     bool
	SearchType         bool
	ConditionalRead    bool
	ConditionalUpdate  bool
	ConditionalDelete  bool
	SearchParams       []string // names only; types/paths are internal to C2
	ReferenceTargets   map[string][]string // include/revinclude names derivable from reference params
	Operations         []string
}

// SecurityBlock optionally advertises OAuth endpoints.
type SecurityBlock struct {
	Enabled            bool
	AuthorizeURL       string
	TokenURL           string
}

// Source supplies the live tenant state the capability document is
// generated from; the tenant façade implements it.
type Source interface {
	Kinds() []KindCapability
	SystemOperations() []string
	ReferenceHandlingPolicy() string // "literal", "logical", or "local"
	Security() SecurityBlock
}

// Engine generates and caches the capability document.
type Engine struct {
	src             Source
	configuredBase  string
	dirty           atomic.Bool

	mu       sync.Mutex
	cached   restree.Tree
	cachedAt string // base URL the cache was generated for
}

// New builds a capability Engine, dirty by default so the first Generate
// call produces a fresh document. configuredBaseURL is the tenant's own
// configured base URL; Generate calls with any other baseURL regenerate
// without clearing the dirty flag (§4.6).
func New(src Source, configuredBaseURL string) *Engine {
	e := &Engine{src: src, configuredBase: configuredBaseURL}
	e.dirty.Store(true)
	return e
}

// MarkDirty flags the cached document stale; called by search-parameter or
// operation registration.
func (e *Engine) MarkDirty() { e.dirty.Store(true) }

// Generate returns the capability statement for baseURL, regenerating if
// dirty or if baseURL differs from the last generation's — a base-URL
// override regenerates but does not clear the dirty flag if it differs from
// the tenant-configured base URL (§4.6).
func (e *Engine) Generate(baseURL string) restree.Tree {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dirty.Load() && e.cachedAt == baseURL && !e.cached.IsZero() {
		return e.cached
	}

	doc := e.build(baseURL)
	e.cached = doc
	e.cachedAt = baseURL
	if baseURL == e.configuredBase {
		e.dirty.Store(false)
	}
	return doc
}

func (e *Engine) build(baseURL string) restree.Tree {
	kinds := e.src.Kinds()
	resources := make([]interface{}, 0, len(kinds))
	for _, k := range kinds {
		resources = append(resources, kindToMap(k))
	}

	rest := map[string]interface{}{
		"mode":      "server",
		"resource":  resources,
		"operation": toInterfaceSlice(e.src.SystemOperations()),
	}
	if sec := e.src.Security(); sec.Enabled {
		rest["security"] = securityToMap(sec)
	}

	doc := map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []interface{}{"json"},
		"implementation": map[string]interface{}{
			"url": baseURL,
		},
		"rest": []interface{}{rest},
	}
	return restree.New(doc)
}

func kindToMap(k KindCapability) map[string]interface{} {
	var interactions []interface{}
	add := func(code string, on bool) {
		if on {
			interactions = append(interactions, map[string]interface{}{"code": code})
		}
	}
	add("create", k.Create)
	add("read", k.Read)
	add("update", k.Update)
	add("delete", k.Delete)
	add("search-type", k.SearchType)

	m := map[string]interface{}{
		"type":               k.Kind,
		"interaction":        interactions,
		"searchParam":        toInterfaceSlice(k.SearchParams),
		"operation":          toInterfaceSlice(k.Operations),
		"conditionalRead":    k.ConditionalRead,
		"conditionalUpdate":  k.ConditionalUpdate,
		"conditionalDelete":  k.ConditionalDelete,
	}
	return m
}

func securityToMap(s SecurityBlock) map[string]interface{} {
	if !s.Enabled {
		return nil
	}
	return map[string]interface{}{
		"service": []interface{}{"SMART-on-FHIR"},
		"extension": map[string]interface{}{
			"authorize": s.AuthorizeURL,
			"token":     s.TokenURL,
		},
	}
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
