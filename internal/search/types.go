// Package search implements C2, the search evaluator: it decides whether a
// resource's typed element tree matches a list of parsed search parameters,
// including string/token/reference/quantity/date/number matching,
// modifiers, chains, _has reverse chains and $-composite parameters.
package search

import "github.com/FHIR/fhir-candle-sub000/internal/restree"

// ParamType is the FHIR search parameter type.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeQuantity  ParamType = "quantity"
	TypeDate      ParamType = "date"
	TypeNumber    ParamType = "number"
	TypeComposite ParamType = "composite"
	TypeSpecial   ParamType = "special" // no built-in definition uses it; matchByType has no case for it
)

// Modifier is one of the enumerated search modifiers from §3.
type Modifier string

const (
	ModNone        Modifier = ""
	ModExact       Modifier = "exact"
	ModContains    Modifier = "contains"
	ModMissing     Modifier = "missing"
	ModNot         Modifier = "not"
	ModAbove       Modifier = "above"
	ModBelow       Modifier = "below"
	ModIn          Modifier = "in"
	ModNotIn       Modifier = "not-in"
	ModIdentifier  Modifier = "identifier"
	ModText        Modifier = "text"
	ModOfType      Modifier = "of-type"
	ModTypeRef     Modifier = "type-reference" // bare :ResourceType modifier on a reference param
)

// Comparator is a FHIR search prefix.
type Comparator string

const (
	CmpEq Comparator = "eq"
	CmpNe Comparator = "ne"
	CmpGt Comparator = "gt"
	CmpGe Comparator = "ge"
	CmpLt Comparator = "lt"
	CmpLe Comparator = "le"
	CmpSa Comparator = "sa"
	CmpEb Comparator = "eb"
	CmpAp Comparator = "ap"
)

// ParamDefinition is the per-kind, per-name search parameter schema: how to
// extract candidate element values from a Tree. A kind's search parameters
// are registered once at tenant init (kindreg territory); chain/reference
// resolution uses TargetKinds to know which kind store(s) a reference
// parameter may point into.
type ParamDefinition struct {
	Name        string
	Type        ParamType
	Paths       [][]string // alternative dotted paths, unioned
	TargetKinds []string   // for TypeReference: kinds the reference may point to

	// Composite only: GroupPath names the repeating element all Components
	// are evaluated against one repetition at a time (e.g. Observation's
	// "component"); Components are the aligned $-separated sub-filters.
	GroupPath  []string
	Components []ParamDefinition
}

// ParamDefinitions indexes a kind's parameter schema by name.
type ParamDefinitions map[string]ParamDefinition

// ValueToken is one OR-branch of a parameter's value (comma-separated raw
// values parse into one ValueToken each).
type ValueToken struct {
	Comparator Comparator
	Raw        string

	// Token forms: system|code, |code, system|, code
	System    string
	Code      string
	HasSystem bool
	HasCode   bool

	// Quantity: numeric value plus optional unit/system.
	Number string
	Unit   string

	// Reference forms: Kind/id, absolute url, or bare id.
	RefKind string
	RefID   string
	RefURL  string
}

// ChainSpec describes a chained parameter, e.g. "subject:Patient.name=peter".
type ChainSpec struct {
	SourceParam string   // "subject"
	TargetKind  string   // "Patient", empty if untyped and inferred from TargetKinds[0]
	Rest        string   // "name" or a further chain "name.given" etc.
	Value       string
}

// HasSpec describes a reverse-chained parameter, e.g.
// "_has:Observation:patient:_id=blood-pressure".
type HasSpec struct {
	ReverseKind  string // "Observation"
	ReverseParam string // "patient"
	Rest         string // "_id" (the value stays in Parameter.Values) or a nested "_has:..."
}

// Parameter is one parsed, compiled search parameter (§3 Parsed Search
// Parameter).
type Parameter struct {
	Name        string
	Def         ParamDefinition
	Modifier    Modifier
	RefKindMod  string // resource type named by a bare :Kind modifier
	Values      []ValueToken
	Chain       *ChainSpec
	Has         *HasSpec
	Ignored     bool // unresolvable parameters are excluded from matching (§3 invariant)
}

// ResultParameters governs result shaping (§3 Parsed Result Parameter).
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

type SortRequest struct {
	Param     string
	Direction SortDirection
}

type IncludeSpec struct {
	SourceKind string
	Param      string // reference search parameter name to follow
	TargetKind string // empty = unconstrained
	Iterate    bool   // parsed but not fixed-point expanded, see SPEC_FULL.md §9
}

type RevIncludeSpec struct {
	SourceKind string // the kind doing the pointing
	Param      string // the reference search parameter on SourceKind
	TargetKind string // empty = unconstrained (only kinds actually reachable are followed)
	Iterate    bool
}

type ResultParameters struct {
	Include       []IncludeSpec
	RevInclude    []RevIncludeSpec
	Sort          []SortRequest
	Count         int // page size, 0 = server default
	MaxCount      int // hard cap
}

// Tree is re-exported for convenience so callers only need one import in
// the common case.
type Tree = restree.Tree
