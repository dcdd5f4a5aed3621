package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FHIR/fhir-candle-sub000/internal/capability"
	"github.com/FHIR/fhir-candle-sub000/internal/compartment"
	"github.com/FHIR/fhir-candle-sub000/internal/fhirerr"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/store"
	"github.com/FHIR/fhir-candle-sub000/internal/terminology"
)

// Dispatcher is C4: it routes a RequestContext to the right store/search
// operation, running the registered hook pipeline around it, and
// translates fhirerr.Error results into the §6 HTTP status taxonomy.
type Dispatcher struct {
	Stores              search.StoreLookup
	Defs                search.DefsLookup
	Adapter             terminology.Adapter
	Protected           store.ProtectedCheck
	AllowCreateAsUpdate bool
	AllowExistingID     bool
	SupportNotChanged   bool

	Capability  *capability.Engine
	Compartment *compartment.Engine

	mu        sync.RWMutex
	hooks     []HookDescriptor
	hookIDs   map[string]bool
	ops       map[string]OperationDescriptor
}

// New builds a Dispatcher.
func New(stores search.StoreLookup, defs search.DefsLookup, adapter terminology.Adapter, protected store.ProtectedCheck) *Dispatcher {
	return &Dispatcher{
		Stores:    stores,
		Defs:      defs,
		Adapter:   adapter,
		Protected: protected,
		hookIDs:   make(map[string]bool),
		ops:       make(map[string]OperationDescriptor),
	}
}

// RegisterHook adds a hook to the pipeline, rejecting a duplicate id
// (§3 Interaction Hook invariant) and marking the capability engine dirty.
func (d *Dispatcher) RegisterHook(h HookDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hookIDs[h.ID] {
		return fmt.Errorf("dispatch: hook id %q already registered", h.ID)
	}
	d.hookIDs[h.ID] = true
	d.hooks = append(d.hooks, h)
	if d.Capability != nil {
		d.Capability.MarkDirty()
	}
	return nil
}

// RegisterOperation adds a custom operation to the registry, rejecting a
// duplicate code.
func (d *Dispatcher) RegisterOperation(o OperationDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.ops[o.Code]; exists {
		return fmt.Errorf("dispatch: operation code %q already registered", o.Code)
	}
	d.ops[o.Code] = o
	if d.Capability != nil {
		d.Capability.MarkDirty()
	}
	return nil
}

func (d *Dispatcher) hooksFor(kind string, interaction Interaction, stage Stage) []HookDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []HookDescriptor
	for _, h := range d.hooks {
		if !h.Stages[stage] {
			continue
		}
		if h.Kinds != nil {
			ints, ok := h.Kinds[kind]
			if !ok || !ints[interaction] {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

// runPre runs every applicable pre hook in registration order. It returns
// either a possibly-replaced effective input tree, or a non-nil Response if
// a hook short-circuited.
func (d *Dispatcher) runPre(ctx context.Context, rc *RequestContext, kind string, tree restree.Tree) (restree.Tree, *Response) {
	for _, h := range d.hooksFor(kind, rc.Interaction, StagePre) {
		hc := &HookContext{RC: rc, Stage: StagePre, Instance: tree.DeepCopy()}
		res := h.Fn(ctx, hc)
		if res.ShortCircuit {
			return tree, &Response{Status: res.Status, Resource: res.Payload}
		}
		if res.Payload != nil {
			tree = *res.Payload
		}
	}
	return tree, nil
}

// runPost runs every applicable post hook on a deep copy of the outcome
// resource (§4.4 step 5), so a hook cannot mutate the stored instance.
func (d *Dispatcher) runPost(ctx context.Context, rc *RequestContext, kind string, outcome restree.Tree, ferr *fhirerr.Error) (restree.Tree, *Response) {
	for _, h := range d.hooksFor(kind, rc.Interaction, StagePost) {
		hc := &HookContext{RC: rc, Stage: StagePost, Instance: outcome.DeepCopy(), Err: ferr}
		res := h.Fn(ctx, hc)
		if res.ShortCircuit {
			return outcome, &Response{Status: res.Status, Resource: res.Payload}
		}
		if res.Payload != nil {
			outcome = *res.Payload
		}
	}
	return outcome, nil
}

// Handle routes rc to the appropriate store/search operation, running the
// hook pipeline around it (§4.4).
func (d *Dispatcher) Handle(ctx context.Context, rc RequestContext) Response {
	switch rc.Interaction {
	case SystemCapabilities:
		return d.handleCapabilities(rc)
	case InstanceRead:
		return d.handleRead(ctx, &rc)
	case TypeCreate:
		return d.handleCreate(ctx, &rc, false)
	case TypeCreateConditional:
		return d.handleCreate(ctx, &rc, true)
	case InstanceUpdate:
		return d.handleUpdate(ctx, &rc, false)
	case InstanceUpdateConditional:
		return d.handleUpdate(ctx, &rc, true)
	case InstanceDelete:
		return d.handleDelete(ctx, &rc)
	case TypeDeleteConditional, SystemDeleteConditional:
		return d.handleConditionalDelete(ctx, &rc)
	case TypeSearch, SystemSearch:
		return d.handleSearch(ctx, &rc)
	case CompartmentSearch, CompartmentTypeSearch:
		return d.handleCompartmentSearch(ctx, &rc)
	case InstanceOperation, TypeOperation, SystemOperation:
		return d.handleOperation(ctx, &rc)
	default:
		return errorResponse(fhirerr.New(fhirerr.NotSupported, fmt.Sprintf("interaction %q is not supported", rc.Interaction)))
	}
}

func (d *Dispatcher) handleCapabilities(rc RequestContext) Response {
	if d.Capability == nil {
		return errorResponse(fhirerr.New(fhirerr.NotSupported, "capability statement not configured"))
	}
	baseURL := rc.ForwardedBaseURL
	doc := d.Capability.Generate(baseURL)
	return Response{Status: 200, Resource: &doc}
}

func (d *Dispatcher) requireStore(kind string) (*store.Store, *fhirerr.Error) {
	st, ok := d.Stores(kind)
	if !ok {
		return nil, fhirerr.NotFoundf("unsupported resource kind %q", kind)
	}
	return st, nil
}

func (d *Dispatcher) handleRead(ctx context.Context, rc *RequestContext) Response {
	st, ferr := d.requireStore(rc.Kind)
	if ferr != nil {
		return errorResponse(ferr)
	}
	inst, ferr := st.Read(rc.ID)
	if ferr != nil {
		return errorResponse(ferr)
	}
	if rc.IfNoneMatch != "" && rc.IfNoneMatch == inst.ETag() && d.SupportNotChanged {
		return Response{Status: 304, ETag: inst.ETag(), LastModified: inst.LastModified}
	}
	outcome, short := d.runPost(ctx, rc, rc.Kind, inst.Payload, nil)
	if short != nil {
		return *short
	}
	return Response{Status: 200, Resource: &outcome, ETag: inst.ETag(), LastModified: inst.LastModified}
}

func (d *Dispatcher) handleCreate(ctx context.Context, rc *RequestContext, conditional bool) Response {
	st, ferr := d.requireStore(rc.Kind)
	if ferr != nil {
		return errorResponse(ferr)
	}
	if rc.SourceTree == nil {
		return errorResponse(fhirerr.Structuref("missing request body"))
	}

	if conditional && rc.IfNoneExist != "" {
		ifNoneExistQuery, err := url.ParseQuery(rc.IfNoneExist)
		if err != nil {
			return errorResponse(fhirerr.Structuref("invalid If-None-Exist query %q: %v", rc.IfNoneExist, err))
		}
		matches, ferr := d.searchCount(rc.Kind, ifNoneExistQuery)
		if ferr != nil {
			return errorResponse(ferr)
		}
		switch {
		case len(matches) == 1:
			return Response{Status: 200, Resource: refTree(matches[0].Payload), ETag: matches[0].ETag(), LastModified: matches[0].LastModified}
		case len(matches) > 1:
			return errorResponse(fhirerr.New(fhirerr.Conflict, fmt.Sprintf("If-None-Exist %q matched more than one resource", rc.IfNoneExist)))
		}
	}

	tree, short := d.runPre(ctx, rc, rc.Kind, *rc.SourceTree)
	if short != nil {
		return *short
	}

	inst, ferr := st.Create(tree, d.AllowExistingID || rc.ForceAllowExistingID)
	if ferr != nil {
		return errorResponse(ferr)
	}
	outcome, short := d.runPost(ctx, rc, rc.Kind, inst.Payload, nil)
	if short != nil {
		return *short
	}
	return Response{
		Status:       201,
		Resource:     &outcome,
		ETag:         inst.ETag(),
		LastModified: inst.LastModified,
		Location:     fmt.Sprintf("%s/%s", rc.Kind, inst.ID),
	}
}

func (d *Dispatcher) handleUpdate(ctx context.Context, rc *RequestContext, conditional bool) Response {
	st, ferr := d.requireStore(rc.Kind)
	if ferr != nil {
		return errorResponse(ferr)
	}
	if rc.SourceTree == nil {
		return errorResponse(fhirerr.Structuref("missing request body"))
	}

	id := rc.ID
	if conditional {
		matches, ferr := d.searchCount(rc.Kind, rc.Query)
		if ferr != nil {
			return errorResponse(ferr)
		}
		switch {
		case len(matches) == 0:
			if !d.AllowCreateAsUpdate {
				return errorResponse(fhirerr.NotFoundf("no resource matched the conditional update query"))
			}
			// Fall through to Update with allowCreate=true, under the url's id
			// or, when the url carries none, a fresh one.
			id = rc.ID
			if id == "" {
				id = uuid.NewString()
			}
		case len(matches) == 1:
			if rc.ID != "" && matches[0].ID != rc.ID {
				return errorResponse(fhirerr.New(fhirerr.Conflict, "conditional update query matched a different id than the url"))
			}
			id = matches[0].ID
		default:
			return errorResponse(fhirerr.New(fhirerr.Conflict, "conditional update query matched more than one resource"))
		}
	}

	tree, short := d.runPre(ctx, rc, rc.Kind, *rc.SourceTree)
	if short != nil {
		return *short
	}

	inst, outcomeKind, ferr := st.Update(id, tree, d.AllowCreateAsUpdate || conditional, rc.IfMatch, rc.IfNoneMatch, d.Protected)
	if ferr != nil {
		return errorResponse(ferr)
	}
	result, short := d.runPost(ctx, rc, rc.Kind, inst.Payload, nil)
	if short != nil {
		return *short
	}
	status := 200
	if outcomeKind == store.OutcomeCreated {
		status = 201
	}
	return Response{Status: status, Resource: &result, ETag: inst.ETag(), LastModified: inst.LastModified}
}

func (d *Dispatcher) handleDelete(ctx context.Context, rc *RequestContext) Response {
	st, ferr := d.requireStore(rc.Kind)
	if ferr != nil {
		return errorResponse(ferr)
	}
	inst, ferr := st.Delete(rc.ID, d.Protected)
	if ferr != nil {
		return errorResponse(ferr)
	}
	return Response{Status: 204, ETag: inst.ETag()}
}

// handleConditionalDelete implements §4.4/§9: type- and system-level
// conditional delete of a single match is supported; more than one match is
// always rejected with precondition-failed — bulk conditional delete is
// deliberately kept disabled (see SPEC_FULL.md §9).
func (d *Dispatcher) handleConditionalDelete(ctx context.Context, rc *RequestContext) Response {
	st, ferr := d.requireStore(rc.Kind)
	if ferr != nil {
		return errorResponse(ferr)
	}
	matches, ferr := d.searchCount(rc.Kind, rc.Query)
	if ferr != nil {
		return errorResponse(ferr)
	}
	switch {
	case len(matches) == 0:
		return errorResponse(fhirerr.NotFoundf("conditional delete query matched no resources"))
	case len(matches) > 1:
		return errorResponse(fhirerr.New(fhirerr.Conflict, "conditional delete query matched more than one resource"))
	}
	inst, ferr := st.Delete(matches[0].ID, d.Protected)
	if ferr != nil {
		return errorResponse(ferr)
	}
	return Response{Status: 204, ETag: inst.ETag()}
}

func (d *Dispatcher) handleSearch(ctx context.Context, rc *RequestContext) Response {
	results, ferr := d.searchCount(rc.Kind, rc.Query)
	if ferr != nil {
		return errorResponse(ferr)
	}
	bundle := searchBundle(results)
	return Response{Status: 200, Resource: &bundle}
}

func (d *Dispatcher) handleCompartmentSearch(ctx context.Context, rc *RequestContext) Response {
	if d.Compartment == nil {
		return errorResponse(fhirerr.New(fhirerr.NotSupported, "compartments are not configured"))
	}
	var scope compartment.AuthScope
	if rc.Authorization != nil {
		scope.PatientCompartmentID = rc.Authorization.LaunchPatient
		scope.AllSystem = rc.Authorization.HasSystemScope("*", "*")
	}
	onlyKind := ""
	if rc.Interaction == CompartmentTypeSearch {
		onlyKind = rc.Kind
	}

	queryKinds := []string{onlyKind}
	if onlyKind == "" {
		queryKinds = d.Compartment.MemberKinds(rc.CompartmentKind)
	}
	userParams := make(map[string][]search.Parameter, len(queryKinds))
	for _, kind := range queryKinds {
		userParams[kind] = paramsFromQuery(d.Defs(kind), rc.Query)
	}

	byKind := d.Compartment.Search(rc.CompartmentKind, rc.ID, onlyKind, userParams, scope)
	var all []store.Instance
	for _, insts := range byKind {
		all = append(all, insts...)
	}
	bundle := searchBundle(all)
	return Response{Status: 200, Resource: &bundle}
}

func (d *Dispatcher) handleOperation(ctx context.Context, rc *RequestContext) Response {
	d.mu.RLock()
	op, ok := d.ops[rc.OperationName]
	d.mu.RUnlock()
	if !ok {
		return errorResponse(fhirerr.New(fhirerr.NotSupported, fmt.Sprintf("unknown operation %q", rc.OperationName)))
	}
	var instance *restree.Tree
	if rc.Interaction == InstanceOperation {
		st, ferr := d.requireStore(rc.Kind)
		if ferr != nil {
			return errorResponse(ferr)
		}
		inst, ferr := st.Read(rc.ID)
		if ferr != nil {
			return errorResponse(ferr)
		}
		instance = &inst.Payload
	}
	return op.Fn(ctx, &OperationContext{RC: rc, Instance: instance})
}

// searchCount parses query against the kind's parameter schema and returns
// every matching instance. query is already-decoded url.Values — a
// parameter's modifier colon, token/quantity pipe, or "_has:" prefix must
// reach search.ParseParameter exactly as the client wrote it, so callers
// must never re-encode it (e.g. via url.Values.Encode) before this point.
func (d *Dispatcher) searchCount(kind string, query url.Values) ([]store.Instance, *fhirerr.Error) {
	st, ferr := d.requireStore(kind)
	if ferr != nil {
		return nil, ferr
	}
	params := paramsFromQuery(d.Defs(kind), query)
	ev := search.NewEvaluator(d.Adapter, d.Stores, d.Defs)
	it := st.Search(func(t restree.Tree) bool {
		return ev.TestForMatch(kind, t, params)
	}, false)
	return store.All(it), nil
}

// paramsFromQuery compiles every name=value entry in query into a
// search.Parameter against defs. Key order is sorted only for determinism
// (matching is an AND across parameters, so order never affects the
// result); it is not otherwise significant.
func paramsFromQuery(defs search.ParamDefinitions, query url.Values) []search.Parameter {
	if len(query) == 0 {
		return nil
	}
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	var params []search.Parameter
	for _, name := range names {
		for _, v := range query[name] {
			params = append(params, search.ParseParameter(defs, name, v))
		}
	}
	return params
}

func errorResponse(e *fhirerr.Error) Response {
	outcome := restree.New(map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    "error",
				"code":        string(e.Kind),
				"diagnostics": e.Diagnostics,
				"details": map[string]interface{}{
					"text": e.Message,
				},
			},
		},
	})
	return Response{Status: e.HTTPStatus(), OperationOutcome: &outcome}
}

func refTree(t restree.Tree) *restree.Tree {
	c := t
	return &c
}

func searchBundle(instances []store.Instance) restree.Tree {
	entries := make([]interface{}, 0, len(instances))
	for _, inst := range instances {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  fmt.Sprintf("%s/%s", inst.Kind, inst.ID),
			"resource": inst.Payload.Map(),
		})
	}
	return restree.New(map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"total":        len(instances),
		"entry":        entries,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
