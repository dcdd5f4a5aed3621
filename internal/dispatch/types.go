// Package dispatch implements C4: interaction routing, the pre/post hook
// pipeline, and conditional create/update/delete semantics.
package dispatch

import (
	"context"
	"net/url"
	"time"

	"github.com/FHIR/fhir-candle-sub000/internal/auth"
	"github.com/FHIR/fhir-candle-sub000/internal/fhirerr"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
)

// Interaction enumerates the dispatcher's immutable interaction codes
// (§4.4).
type Interaction string

const (
	InstanceRead               Interaction = "instance-read"
	InstanceUpdate             Interaction = "instance-update"
	InstanceUpdateConditional  Interaction = "instance-update-conditional"
	InstanceDelete             Interaction = "instance-delete"
	InstanceOperation          Interaction = "instance-operation"
	TypeCreate                 Interaction = "type-create"
	TypeCreateConditional      Interaction = "type-create-conditional"
	TypeDeleteConditional      Interaction = "type-delete-conditional"
	TypeSearch                 Interaction = "type-search"
	TypeOperation              Interaction = "type-operation"
	SystemCapabilities         Interaction = "system-capabilities"
	SystemBundle               Interaction = "system-bundle"
	SystemDeleteConditional    Interaction = "system-delete-conditional"
	SystemOperation            Interaction = "system-operation"
	SystemSearch               Interaction = "system-search"
	CompartmentSearch          Interaction = "compartment-search"
	CompartmentTypeSearch      Interaction = "compartment-type-search"
)

// Stage is a hook pipeline stage.
type Stage string

const (
	StagePre  Stage = "pre"
	StagePost Stage = "post"
)

// RequestContext is the uniform inbound request shape the HTTP transport
// binds to and every dispatcher operation consumes (§6).
type RequestContext struct {
	Tenant      string
	Interaction Interaction
	Kind, ID    string
	Query       url.Values

	IfMatch, IfNoneMatch, IfModifiedSince, IfNoneExist string

	SourceFormat  string
	SourceContent []byte
	SourceTree    *restree.Tree

	DestinationFormat string
	Pretty            bool

	OperationName   string
	CompartmentKind string

	Authorization *auth.Descriptor

	ForwardedBaseURL string

	// ForceAllowExistingID lets the bundle processor (C5) override the
	// tenant's AllowExistingID setting for a single re-dispatched POST whose
	// id has already been pre-assigned during transaction preprocessing
	// (§4.5 step 1).
	ForceAllowExistingID bool
}

// Response is the uniform outbound response shape (§6).
type Response struct {
	Resource         *restree.Tree
	OperationOutcome *restree.Tree
	Status           int
	ETag             string
	LastModified     time.Time
	Location         string
}

// HookContext is handed to a hook callback. Instance is always a deep copy
// (§9's deep-copy-before-hook design) so a hook cannot mutate the stored
// tree via a side channel.
type HookContext struct {
	RC       *RequestContext
	Stage    Stage
	Instance restree.Tree
	Err      *fhirerr.Error // set for post hooks on a failed outcome
}

// HookResult is what a hook callback returns: by default (zero value) the
// pipeline continues unchanged. Setting Payload replaces the effective
// input (pre) or outcome resource (post). Setting ShortCircuit stops the
// pipeline and returns Status/Payload directly as the response.
type HookResult struct {
	ShortCircuit bool
	Status       int
	Payload      *restree.Tree
}

// HookDescriptor is one registered interaction hook (§3 Interaction Hook).
type HookDescriptor struct {
	ID     string
	Name   string
	Kinds  map[string]map[Interaction]bool
	Stages map[Stage]bool
	Fn     func(ctx context.Context, hc *HookContext) HookResult
}

// OperationContext is handed to a custom operation's callback.
type OperationContext struct {
	RC       *RequestContext
	Instance *restree.Tree // nil for type/system-level operations
}

// OperationDescriptor is one registered custom operation (e.g. $everything,
// $validate).
type OperationDescriptor struct {
	Code                        string
	System, Type, Instance      bool
	Kinds                       map[string]bool
	Fn                          func(ctx context.Context, oc *OperationContext) Response
}
