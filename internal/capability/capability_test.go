package capability

import "testing"

type fakeSource struct {
	kinds    []KindCapability
	ops      []string
	policy   string
	security SecurityBlock
}

func (f *fakeSource) Kinds() []KindCapability         { return f.kinds }
func (f *fakeSource) SystemOperations() []string      { return f.ops }
func (f *fakeSource) ReferenceHandlingPolicy() string { return f.policy }
func (f *fakeSource) Security() SecurityBlock         { return f.security }

func TestGenerate_ReflectsKinds(t *testing.T) {
	src := &fakeSource{
		kinds: []KindCapability{
			{Kind: "Patient", Create: true, Read: true, SearchType: true, SearchParams: []string{"name"}},
		},
		ops: []string{"$everything"},
	}
	e := New(src, "http://example.org/fhir")
	doc := e.Generate("http://example.org/fhir")

	if rt, _ := doc.GetString("resourceType"); rt != "CapabilityStatement" {
		t.Fatalf("expected a CapabilityStatement, got %q", rt)
	}
	rest, ok := doc.GetSlice("rest")
	if !ok || len(rest) != 1 {
		t.Fatalf("expected one rest entry, got %v", rest)
	}
}

func TestGenerate_CachesUntilDirty(t *testing.T) {
	src := &fakeSource{kinds: []KindCapability{{Kind: "Patient"}}}
	e := New(src, "http://example.org/fhir")

	first := e.Generate("http://example.org/fhir")
	second := e.Generate("http://example.org/fhir")
	if first.Map()["rest"] == nil || second.Map()["rest"] == nil {
		t.Fatalf("expected both generations to produce a rest block")
	}

	// Same source, same baseURL, not dirty: Generate should return the
	// identical cached Tree rather than rebuild.
	src.kinds = append(src.kinds, KindCapability{Kind: "Observation"})
	third := e.Generate("http://example.org/fhir")
	resources, _ := third.GetSlice("rest")
	rest0 := resources[0].(map[string]interface{})
	kinds := rest0["resource"].([]interface{})
	if len(kinds) != 1 {
		t.Errorf("expected cached document to still list 1 kind before MarkDirty, got %d", len(kinds))
	}

	e.MarkDirty()
	fourth := e.Generate("http://example.org/fhir")
	resources2, _ := fourth.GetSlice("rest")
	rest02 := resources2[0].(map[string]interface{})
	kinds2 := rest02["resource"].([]interface{})
	if len(kinds2) != 2 {
		t.Errorf("expected regenerated document to list 2 kinds after MarkDirty, got %d", len(kinds2))
	}
}

func TestSecurityBlock_DisabledOmitsSecurity(t *testing.T) {
	src := &fakeSource{kinds: []KindCapability{{Kind: "Patient"}}, security: SecurityBlock{Enabled: false}}
	e := New(src, "http://example.org/fhir")
	doc := e.Generate("http://example.org/fhir")
	resources, _ := doc.GetSlice("rest")
	rest0 := resources[0].(map[string]interface{})
	if rest0["security"] != nil {
		t.Errorf("expected nil security block when disabled, got %v", rest0["security"])
	}
}
