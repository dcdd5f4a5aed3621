package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/FHIR/fhir-candle-sub000/internal/capability"
	"github.com/FHIR/fhir-candle-sub000/internal/config"
	"github.com/FHIR/fhir-candle-sub000/internal/dispatch"
	"github.com/FHIR/fhir-candle-sub000/internal/kindreg"
	"github.com/FHIR/fhir-candle-sub000/internal/search"
	"github.com/FHIR/fhir-candle-sub000/internal/tenant"
)

func newTestFacade(t *testing.T) *tenant.Facade {
	t.Helper()
	f, err := tenant.New(tenant.Options{
		Config: &config.Config{AllowExistingID: true, AllowCreateAsUpdate: true},
		Kinds: []tenant.KindSchema{
			{
				Caps:      kindreg.Default("Patient"),
				ParamDefs: search.ParamDefinitions{},
				Capability: capability.KindCapability{
					Kind: "Patient", Create: true, Read: true, Update: true,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("building test facade: %v", err)
	}
	return f
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLoad_JSONResourceWithID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patient1.json", `{"resourceType":"Patient","id":"p1","active":true}`)

	f := newTestFacade(t)
	result, err := Load(context.Background(), f, Options{Directory: dir})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if result.FilesScanned != 1 || result.ResourcesLoaded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}

	resp := f.Dispatch.Handle(context.Background(), dispatch.RequestContext{
		Interaction: dispatch.InstanceRead,
		Kind:        "Patient",
		ID:          "p1",
	})
	if resp.Status != 200 {
		t.Fatalf("expected the loaded patient to be readable, got status %d", resp.Status)
	}
}

func TestLoad_BundleExpandsEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bundle.json", `{
		"resourceType": "Bundle",
		"type": "collection",
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}},
			{"resource": {"resourceType": "Patient", "id": "p2"}}
		]
	}`)

	f := newTestFacade(t)
	result, err := Load(context.Background(), f, Options{Directory: dir})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if result.ResourcesLoaded != 2 {
		t.Fatalf("expected both bundle entries loaded, got %+v", result)
	}
}

func TestLoad_SkipsExampleDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patient1.json", `{"resourceType":"Patient","id":"p1"}`)
	exDir := filepath.Join(dir, "examples")
	if err := os.Mkdir(exDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, exDir, "skip-me.json", `{"resourceType":"Patient","id":"should-not-load"}`)

	f := newTestFacade(t)
	result, err := Load(context.Background(), f, Options{Directory: dir})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if result.FilesScanned != 1 || result.ResourcesLoaded != 1 {
		t.Fatalf("expected the examples/ subdirectory to be skipped, got %+v", result)
	}
}

func TestLoad_ManifestRestrictsToLibDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"test-pkg","lib":"content"}`)
	writeFile(t, dir, "outside.json", `{"resourceType":"Patient","id":"outside"}`)
	libDir := filepath.Join(dir, "content")
	if err := os.Mkdir(libDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, libDir, "inside.json", `{"resourceType":"Patient","id":"inside"}`)

	f := newTestFacade(t)
	result, err := Load(context.Background(), f, Options{Directory: dir})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if result.ResourcesLoaded != 1 {
		t.Fatalf("expected only the lib-restricted file to load, got %+v", result)
	}
}

func TestLoad_ProtectsLoadedContent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patient1.json", `{"resourceType":"Patient","id":"p1"}`)

	f := newTestFacade(t)
	if _, err := Load(context.Background(), f, Options{Directory: dir, Protect: true}); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	resp := f.Dispatch.Handle(context.Background(), dispatch.RequestContext{
		Interaction: dispatch.InstanceDelete,
		Kind:        "Patient",
		ID:          "p1",
	})
	if resp.Status < 400 {
		t.Errorf("expected deleting a protected, loaded resource to fail, got status %d", resp.Status)
	}
}
