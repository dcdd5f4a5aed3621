// Package bundleproc implements C5: batch and (best-effort) transaction
// Bundle processing. Transaction atomicity is the documented best-effort
// semantics decided in SPEC_FULL.md §9 (following the teacher's own
// transaction.go, which never rolls back): a failing entry is recorded as a
// failed outcome in its slot and processing continues, it never unwinds
// already-applied entries.
package bundleproc

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FHIR/fhir-candle-sub000/internal/auth"
	"github.com/FHIR/fhir-candle-sub000/internal/dispatch"
	"github.com/FHIR/fhir-candle-sub000/internal/fhirerr"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
)

// Mode selects batch (independent entries) or transaction (reference
// rewriting across entries, still best-effort) processing.
type Mode string

const (
	ModeBatch       Mode = "batch"
	ModeTransaction Mode = "transaction"
)

var methodOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"PATCH":  2,
	"GET":    4,
	"HEAD":   4,
}

// Processor re-dispatches a parsed Bundle's entries through C4.
type Processor struct {
	Dispatch *dispatch.Dispatcher
}

// New builds a Processor bound to a tenant's dispatcher.
func New(d *dispatch.Dispatcher) *Processor {
	return &Processor{Dispatch: d}
}

type ctxKey int

const (
	tenantKey ctxKey = iota
	authKey
	baseURLKey
)

// WithTenant, WithAuthorization and WithBaseURL attach the per-call context
// every re-dispatched entry's RequestContext needs, since Process's exported
// signature (§4) carries only the bundle tree and mode.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

func WithAuthorization(ctx context.Context, d *auth.Descriptor) context.Context {
	return context.WithValue(ctx, authKey, d)
}

func WithBaseURL(ctx context.Context, baseURL string) context.Context {
	return context.WithValue(ctx, baseURLKey, baseURL)
}

func tenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

func authFrom(ctx context.Context) *auth.Descriptor {
	v, _ := ctx.Value(authKey).(*auth.Descriptor)
	return v
}

func baseURLFrom(ctx context.Context) string {
	v, _ := ctx.Value(baseURLKey).(string)
	return v
}

type entry struct {
	index    int
	fullURL  string
	resource map[string]interface{} // nil if the entry carries no payload
	method   string
	rawURL   string
	headers  entryHeaders
}

type entryHeaders struct {
	ifMatch, ifNoneMatch, ifModifiedSince, ifNoneExist string
}

// record is one id pre-assignment from transaction preprocessing step 1.
type record struct {
	originalID  string
	fullURL     string
	newID       string
	kind        string
	identifiers []identifierPair
}

type identifierPair struct {
	system, value string
}

// Process parses bundle, runs transaction preprocessing when mode is
// ModeTransaction, executes every entry in FHIR's
// DELETE→POST→PUT/PATCH→GET/HEAD order, and returns a response Bundle whose
// entries are reordered back to match the request (§4.5).
func (p *Processor) Process(ctx context.Context, bundle restree.Tree, mode Mode) restree.Tree {
	entries := parseEntries(bundle)

	var records []record
	if mode == ModeTransaction {
		records = preassignIDs(entries)
		rewriteReferences(entries, records)
	}

	sorted := make([]entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return methodOrder[sorted[i].method] < methodOrder[sorted[j].method]
	})

	responses := make([]restree.Tree, len(entries))
	tenant := tenantFrom(ctx)
	authDesc := authFrom(ctx)
	baseURL := baseURLFrom(ctx)

	for _, e := range sorted {
		responses[e.index] = p.processEntry(ctx, e, tenant, authDesc, baseURL)
	}

	responseType := "batch-response"
	if mode == ModeTransaction {
		responseType = "transaction-response"
	}

	out := make([]interface{}, len(responses))
	for i, r := range responses {
		out[i] = r.Map()
	}
	return restree.New(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         responseType,
		"entry":        out,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func parseEntries(bundle restree.Tree) []entry {
	raw, _ := bundle.GetSlice("entry")
	entries := make([]entry, 0, len(raw))
	for i, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			entries = append(entries, entry{index: i})
			continue
		}
		e := entry{index: i}
		if fu, ok := m["fullUrl"].(string); ok {
			e.fullURL = fu
		}
		if res, ok := m["resource"].(map[string]interface{}); ok {
			e.resource = res
		}
		if req, ok := m["request"].(map[string]interface{}); ok {
			e.method = strings.ToUpper(stringField(req, "method"))
			e.rawURL = stringField(req, "url")
			e.headers = entryHeaders{
				ifMatch:         stringField(req, "ifMatch"),
				ifNoneMatch:     stringField(req, "ifNoneMatch"),
				ifModifiedSince: stringField(req, "ifModifiedSince"),
				ifNoneExist:     stringField(req, "ifNoneExist"),
			}
		}
		entries = append(entries, e)
	}
	return entries
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// preassignIDs implements §4.5 step 1: every POST entry with a payload gets
// a fresh server id, forced onto the resource's id field so the later
// dispatch honors it via ForceAllowExistingID.
func preassignIDs(entries []entry) []record {
	var records []record
	for i := range entries {
		e := &entries[i]
		if e.method != "POST" || e.resource == nil {
			continue
		}
		kind, _ := e.resource["resourceType"].(string)
		originalID, _ := e.resource["id"].(string)
		newID := uuid.NewString()
		e.resource["id"] = newID

		rec := record{
			originalID:  originalID,
			fullURL:     e.fullURL,
			newID:       newID,
			kind:        kind,
			identifiers: extractIdentifiers(e.resource),
		}
		records = append(records, rec)
	}
	return records
}

func extractIdentifiers(resource map[string]interface{}) []identifierPair {
	raw, ok := resource["identifier"].([]interface{})
	if !ok {
		return nil
	}
	var out []identifierPair
	for _, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		system, _ := m["system"].(string)
		value, _ := m["value"].(string)
		if value != "" {
			out = append(out, identifierPair{system: system, value: value})
		}
	}
	return out
}

// rewriteReferences implements §4.5 step 2-3: depth-first reference
// rewriting against the id pre-assignment records, resolved in order
// fullUrl → originalId → identifier system|value → search-style
// Kind?identifier=system|value. Unresolved references are left unchanged.
func rewriteReferences(entries []entry, records []record) {
	for i := range entries {
		e := &entries[i]
		if e.resource != nil {
			walkRewrite(e.resource, records)
		}
		e.rawURL = rewriteURLSegment(e.rawURL, records)
	}
}

func walkRewrite(v interface{}, records []record) {
	switch x := v.(type) {
	case map[string]interface{}:
		if ref, ok := x["reference"].(string); ok {
			if rewritten, ok := resolveReference(ref, records); ok {
				x["reference"] = rewritten
			}
		} else if ident, ok := x["identifier"].(map[string]interface{}); ok {
			system, _ := ident["system"].(string)
			value, _ := ident["value"].(string)
			if rec, ok := matchByIdentifier(system, value, records); ok {
				x["reference"] = rec.kind + "/" + rec.newID
			}
		}
		for k, child := range x {
			if k == "reference" || k == "identifier" {
				continue
			}
			walkRewrite(child, records)
		}
	case []interface{}:
		for _, item := range x {
			walkRewrite(item, records)
		}
	}
}

func resolveReference(ref string, records []record) (string, bool) {
	for _, r := range records {
		if r.fullURL != "" && ref == r.fullURL {
			return r.kind + "/" + r.newID, true
		}
	}
	if kind, id, ok := splitKindID(ref); ok {
		for _, r := range records {
			if r.originalID != "" && id == r.originalID && (kind == "" || kind == r.kind) {
				return r.kind + "/" + r.newID, true
			}
		}
	}
	if kind, system, value, ok := parseSearchStyleIdentifier(ref); ok {
		for _, r := range records {
			if kind != "" && kind != r.kind {
				continue
			}
			for _, ip := range r.identifiers {
				if ip.value == value && (system == "" || ip.system == system) {
					return r.kind + "/" + r.newID, true
				}
			}
		}
	}
	return "", false
}

func matchByIdentifier(system, value string, records []record) (record, bool) {
	if value == "" {
		return record{}, false
	}
	for _, r := range records {
		for _, ip := range r.identifiers {
			if ip.value == value && (system == "" || ip.system == system) {
				return r, true
			}
		}
	}
	return record{}, false
}

func splitKindID(ref string) (kind, id string, ok bool) {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "urn:") {
		return "", "", false
	}
	i := strings.LastIndex(ref, "/")
	if i < 0 {
		return "", ref, true
	}
	return ref[:i], ref[i+1:], true
}

// parseSearchStyleIdentifier parses "Kind?identifier=system|value".
func parseSearchStyleIdentifier(ref string) (kind, system, value string, ok bool) {
	i := strings.Index(ref, "?")
	if i < 0 {
		return "", "", "", false
	}
	kind = ref[:i]
	q, err := url.ParseQuery(ref[i+1:])
	if err != nil {
		return "", "", "", false
	}
	raw := q.Get("identifier")
	if raw == "" {
		return "", "", "", false
	}
	if j := strings.Index(raw, "|"); j >= 0 {
		return kind, raw[:j], raw[j+1:], true
	}
	return kind, "", raw, true
}

func rewriteURLSegment(raw string, records []record) string {
	for _, r := range records {
		if r.originalID == "" {
			continue
		}
		raw = strings.ReplaceAll(raw, r.kind+"/"+r.originalID, r.kind+"/"+r.newID)
		if r.fullURL != "" {
			raw = strings.ReplaceAll(raw, r.fullURL, r.kind+"/"+r.newID)
		}
	}
	return raw
}

func (p *Processor) processEntry(ctx context.Context, e entry, tenant string, authDesc *auth.Descriptor, baseURL string) restree.Tree {
	if e.method == "" {
		return responseEntry(400, nil, outcomeTree(fhirerr.Structuref("entry %d: request is required", e.index)))
	}
	if _, ok := methodOrder[e.method]; !ok {
		return responseEntry(501, nil, outcomeTree(fhirerr.New(fhirerr.NotSupported, fmt.Sprintf("entry %d: method %q is not supported", e.index, e.method))))
	}

	kind, id, rawQuery, isSearch := parseEntryURL(e.rawURL)
	interaction, ferr := interactionFor(e.method, kind, id, isSearch, e.headers.ifNoneExist)
	if ferr != nil {
		return responseEntry(ferr.HTTPStatus(), nil, outcomeTree(ferr))
	}

	rc := dispatch.RequestContext{
		Tenant:               tenant,
		Interaction:          interaction,
		Kind:                 kind,
		ID:                   id,
		Query:                parseRawQuery(rawQuery),
		IfMatch:              e.headers.ifMatch,
		IfNoneMatch:          e.headers.ifNoneMatch,
		IfModifiedSince:      e.headers.ifModifiedSince,
		IfNoneExist:          e.headers.ifNoneExist,
		Authorization:        authDesc,
		ForwardedBaseURL:     baseURL,
		ForceAllowExistingID: e.method == "POST",
	}
	if e.resource != nil {
		t := restree.New(e.resource)
		rc.SourceTree = &t
	}

	resp := p.Dispatch.Handle(ctx, rc)
	return responseEntry(resp.Status, resp.Resource, derefOrNil(resp.OperationOutcome))
}

func derefOrNil(t *restree.Tree) restree.Tree {
	if t == nil {
		return restree.Tree{}
	}
	return *t
}

func responseEntry(status int, resource *restree.Tree, outcome restree.Tree) restree.Tree {
	response := map[string]interface{}{
		"status": fmt.Sprintf("%d", status),
	}
	if !outcome.IsZero() {
		response["outcome"] = outcome.Map()
	}
	m := map[string]interface{}{"response": response}
	if resource != nil {
		m["resource"] = resource.Map()
	}
	return restree.New(m)
}

func outcomeTree(e *fhirerr.Error) restree.Tree {
	return restree.New(map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    "error",
				"code":        string(e.Kind),
				"details":     map[string]interface{}{"text": e.Message},
				"diagnostics": e.Diagnostics,
			},
		},
	})
}

// parseEntryURL parses a relative Bundle entry URL into resourceType, id,
// raw query, and whether it carries a query string.
func parseEntryURL(raw string) (kind, id, rawQuery string, isSearch bool) {
	path := raw
	if i := strings.Index(raw, "?"); i >= 0 {
		path = raw[:i]
		rawQuery = raw[i+1:]
		isSearch = true
	}
	parts := strings.SplitN(path, "/", 2)
	kind = parts[0]
	if len(parts) > 1 {
		id = parts[1]
	}
	return kind, id, rawQuery, isSearch
}

func parseRawQuery(raw string) url.Values {
	v, err := url.ParseQuery(raw)
	if err != nil {
		return url.Values{}
	}
	return v
}

func interactionFor(method, kind, id string, isSearch bool, ifNoneExist string) (dispatch.Interaction, *fhirerr.Error) {
	switch method {
	case "DELETE":
		if id != "" {
			return dispatch.InstanceDelete, nil
		}
		return dispatch.TypeDeleteConditional, nil
	case "POST":
		if ifNoneExist != "" {
			return dispatch.TypeCreateConditional, nil
		}
		return dispatch.TypeCreate, nil
	case "PUT", "PATCH":
		if id != "" {
			return dispatch.InstanceUpdate, nil
		}
		return dispatch.InstanceUpdateConditional, nil
	case "GET", "HEAD":
		if id != "" {
			return dispatch.InstanceRead, nil
		}
		if kind == "" || isSearch {
			return dispatch.TypeSearch, nil
		}
		return dispatch.TypeSearch, nil
	}
	return "", fhirerr.New(fhirerr.NotSupported, fmt.Sprintf("method %q is not supported", method))
}
