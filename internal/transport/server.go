package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/FHIR/fhir-candle-sub000/internal/auth"
	"github.com/FHIR/fhir-candle-sub000/internal/bundleproc"
	"github.com/FHIR/fhir-candle-sub000/internal/dispatch"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/tenant"
)

// Binding is what one tenant contributes to request routing: the façade
// (for direct interactions) plus a bundle processor sharing its dispatcher.
type Binding struct {
	Facade *tenant.Facade
	Bundle *bundleproc.Processor
}

// NewBinding wires a Binding around an already-constructed Facade.
func NewBinding(f *tenant.Facade) *Binding {
	return &Binding{Facade: f, Bundle: bundleproc.New(f.Dispatch)}
}

// TenantResolver looks up the Binding for a tenant name from the URL.
type TenantResolver func(name string) (*Binding, bool)

// Server binds the uniform RequestContext/Response core to HTTP via echo.
type Server struct {
	Echo     *echo.Echo
	Tenants  TenantResolver
	Logger   zerolog.Logger
	Verifier *auth.Verifier // nil: dev mode, no signature verification
}

// New builds a Server with the ambient middleware stack wired in and every
// route registered under /:tenant/fhir.
func New(resolver TenantResolver, verifier *auth.Verifier, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{Echo: e, Tenants: resolver, Logger: logger, Verifier: verifier}

	e.Use(RequestID())
	e.Use(Recovery(logger))
	e.Use(RequestLogger(logger))
	e.Use(AuthMiddleware(verifier))

	fhirGroup := e.Group("/:tenant/fhir")
	fhirGroup.GET("/metadata", s.handleCapabilities)
	fhirGroup.POST("", s.handleBundle)
	fhirGroup.POST("/", s.handleBundle)

	fhirGroup.GET("/:kind", s.handleTypeSearch)
	fhirGroup.POST("/:kind", s.handleCreate)
	fhirGroup.DELETE("/:kind", s.handleConditionalDelete)
	fhirGroup.PUT("/:kind", s.handleConditionalUpdate)
	fhirGroup.PATCH("/:kind", s.handleConditionalUpdate)
	fhirGroup.GET("/:kind/$:op", s.handleTypeOperation)
	fhirGroup.POST("/:kind/$:op", s.handleTypeOperation)
	fhirGroup.GET("/$:op", s.handleSystemOperation)
	fhirGroup.POST("/$:op", s.handleSystemOperation)

	fhirGroup.GET("/:kind/:id", s.handleRead)
	fhirGroup.PUT("/:kind/:id", s.handleUpdate)
	fhirGroup.PATCH("/:kind/:id", s.handleUpdate)
	fhirGroup.DELETE("/:kind/:id", s.handleDelete)
	fhirGroup.GET("/:kind/:id/$:op", s.handleInstanceOperation)
	fhirGroup.POST("/:kind/:id/$:op", s.handleInstanceOperation)

	fhirGroup.GET("/:compKind/:id/:kind", s.handleCompartmentTypeSearch)

	fhirGroup.GET("/$ws", s.handleWebsocket)

	return s
}

// handleWebsocket upgrades to a websocket connection carrying the tenant's
// subscription notifications, when the tenant's façade owns a delivery
// broker (it does unless Options.Deliver was overridden).
func (s *Server) handleWebsocket(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	if b.Facade.Broker == nil {
		return writeOutcome(c, http.StatusNotImplemented, "this tenant has no websocket delivery channel")
	}
	return b.Facade.Broker.HandleConnect(c)
}

// binding resolves the :tenant path param or writes a 404 outcome.
func (s *Server) binding(c echo.Context) (*Binding, bool) {
	name := c.Param("tenant")
	b, ok := s.Tenants(name)
	if !ok {
		_ = writeOutcome(c, http.StatusNotFound, fmt.Sprintf("unknown tenant %q", name))
		return nil, false
	}
	return b, true
}

func baseRequestContext(c echo.Context) dispatch.RequestContext {
	req := c.Request()
	return dispatch.RequestContext{
		Tenant:            c.Param("tenant"),
		Query:             c.QueryParams(),
		IfMatch:           req.Header.Get("If-Match"),
		IfNoneMatch:       req.Header.Get("If-None-Match"),
		IfModifiedSince:   req.Header.Get("If-Modified-Since"),
		IfNoneExist:       req.Header.Get("If-None-Exist"),
		SourceFormat:      req.Header.Get("Content-Type"),
		DestinationFormat: req.Header.Get("Accept"),
		Pretty:            c.QueryParam("_pretty") == "true",
		Authorization:     descriptorFrom(c),
		ForwardedBaseURL:  forwardedBaseURL(c),
	}
}

func forwardedBaseURL(c echo.Context) string {
	req := c.Request()
	scheme := "http"
	if req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/fhir", scheme, req.Host, c.Param("tenant"))
}

func readBodyTree(c echo.Context) (*restree.Tree, error) {
	if c.Request().Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	t := restree.New(m)
	return &t, nil
}

func (s *Server) handleCapabilities(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	rc := baseRequestContext(c)
	rc.Interaction = dispatch.SystemCapabilities
	return s.dispatch(c, b, rc)
}

func (s *Server) handleBundle(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, err := readBodyTree(c)
	if err != nil || tree == nil {
		return writeOutcome(c, http.StatusBadRequest, "malformed or missing Bundle body")
	}
	mode := bundleproc.ModeBatch
	if tree.Map()["type"] == "transaction" {
		mode = bundleproc.ModeTransaction
	}

	ctx := bundleproc.WithTenant(c.Request().Context(), c.Param("tenant"))
	ctx = bundleproc.WithAuthorization(ctx, descriptorFrom(c))
	ctx = bundleproc.WithBaseURL(ctx, forwardedBaseURL(c))

	result := b.Bundle.Process(ctx, *tree, mode)
	return c.JSON(http.StatusOK, result.Map())
}

func (s *Server) handleTypeSearch(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	rc := baseRequestContext(c)
	rc.Interaction = dispatch.TypeSearch
	rc.Kind = c.Param("kind")
	return s.dispatch(c, b, rc)
}

func (s *Server) handleCreate(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, err := readBodyTree(c)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, "malformed request body")
	}
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.SourceTree = tree
	if rc.IfNoneExist != "" {
		rc.Interaction = dispatch.TypeCreateConditional
	} else {
		rc.Interaction = dispatch.TypeCreate
	}
	return s.dispatch(c, b, rc)
}

func (s *Server) handleUpdate(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, err := readBodyTree(c)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, "malformed request body")
	}
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.ID = c.Param("id")
	rc.SourceTree = tree
	rc.Interaction = dispatch.InstanceUpdate
	return s.dispatch(c, b, rc)
}

func (s *Server) handleConditionalUpdate(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, err := readBodyTree(c)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, "malformed request body")
	}
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.SourceTree = tree
	rc.Interaction = dispatch.InstanceUpdateConditional
	return s.dispatch(c, b, rc)
}

func (s *Server) handleDelete(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.ID = c.Param("id")
	rc.Interaction = dispatch.InstanceDelete
	return s.dispatch(c, b, rc)
}

func (s *Server) handleConditionalDelete(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.Interaction = dispatch.TypeDeleteConditional
	return s.dispatch(c, b, rc)
}

func (s *Server) handleCompartmentTypeSearch(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	rc := baseRequestContext(c)
	rc.CompartmentKind = c.Param("compKind")
	rc.ID = c.Param("id")
	rc.Kind = c.Param("kind")
	rc.Interaction = dispatch.CompartmentTypeSearch
	return s.dispatch(c, b, rc)
}

func (s *Server) handleInstanceOperation(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, _ := readBodyTree(c)
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.ID = c.Param("id")
	rc.OperationName = "$" + c.Param("op")
	rc.SourceTree = tree
	rc.Interaction = dispatch.InstanceOperation
	return s.dispatch(c, b, rc)
}

func (s *Server) handleTypeOperation(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, _ := readBodyTree(c)
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.OperationName = "$" + c.Param("op")
	rc.SourceTree = tree
	rc.Interaction = dispatch.TypeOperation
	return s.dispatch(c, b, rc)
}

func (s *Server) handleSystemOperation(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	tree, _ := readBodyTree(c)
	rc := baseRequestContext(c)
	rc.OperationName = "$" + c.Param("op")
	rc.SourceTree = tree
	rc.Interaction = dispatch.SystemOperation
	return s.dispatch(c, b, rc)
}

func (s *Server) handleRead(c echo.Context) error {
	b, ok := s.binding(c)
	if !ok {
		return nil
	}
	rc := baseRequestContext(c)
	rc.Kind = c.Param("kind")
	rc.ID = c.Param("id")
	rc.Interaction = dispatch.InstanceRead
	return s.dispatch(c, b, rc)
}

// dispatch routes rc through the tenant's dispatcher and writes the result.
func (s *Server) dispatch(c echo.Context, b *Binding, rc dispatch.RequestContext) error {
	resp := b.Facade.Dispatch.Handle(c.Request().Context(), rc)
	return writeResponse(c, resp)
}

func writeResponse(c echo.Context, resp dispatch.Response) error {
	h := c.Response().Header()
	if resp.ETag != "" {
		h.Set("ETag", resp.ETag)
	}
	if !resp.LastModified.IsZero() {
		h.Set("Last-Modified", resp.LastModified.UTC().Format(time.RFC1123))
	}
	if resp.Location != "" {
		h.Set("Location", resp.Location)
	}

	switch {
	case resp.Resource != nil:
		return c.JSON(resp.Status, resp.Resource.Map())
	case resp.OperationOutcome != nil:
		return c.JSON(resp.Status, resp.OperationOutcome.Map())
	default:
		return c.NoContent(resp.Status)
	}
}
