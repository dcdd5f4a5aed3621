// Package loader implements the startup content ingestion spec.md calls
// load-directory: reading every .json/.xml resource under a configured
// directory and instance-updating it into a tenant façade before the
// server starts accepting requests, grounded on the teacher's
// internal/platform/db.Migrator.LoadMigrations directory-scan shape
// (os.ReadDir plus a per-entry decode loop) generalized to a recursive
// walk and to resources instead of SQL migrations.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/FHIR/fhir-candle-sub000/internal/dispatch"
	"github.com/FHIR/fhir-candle-sub000/internal/restree"
	"github.com/FHIR/fhir-candle-sub000/internal/tenant"
)

// Options configures one load-directory pass.
type Options struct {
	// Directory is the root to scan; empty disables loading entirely.
	Directory string
	// Protect marks every loaded instance write-protected (§4.1, §4.8),
	// mirroring config.ProtectLoadedContent.
	Protect bool
}

// Result summarizes one Load call.
type Result struct {
	FilesScanned    int
	ResourcesLoaded int
	Errors          []error
}

// packageManifest is the subset of the FHIR package-manifest convention
// (package.json) the loader understands: a "lib" directory restricting
// loads to that subdirectory's non-example content.
type packageManifest struct {
	Name string `json:"name"`
	Lib  string `json:"lib"`
}

var skipDirNames = map[string]bool{
	"example":  true,
	"examples": true,
}

// Load scans opts.Directory for .json/.xml resource files and instance-
// updates each one into f, honoring a package.json manifest's lib
// restriction when present. It never runs the store's normal create/update
// conflict rules past ForceAllowExistingID, since loaded content is allowed
// to declare its own id (§4.1).
func Load(ctx context.Context, f *tenant.Facade, opts Options) (Result, error) {
	var result Result
	if opts.Directory == "" {
		return result, nil
	}

	root := opts.Directory
	if manifest, ok := readManifest(root); ok && manifest.Lib != "" {
		root = filepath.Join(root, manifest.Lib)
	}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirNames[strings.ToLower(d.Name())] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == "package.json" {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".json" && ext != ".xml" {
			return nil
		}
		result.FilesScanned++

		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			result.Errors = append(result.Errors, fmt.Errorf("loader: reading %s: %w", path, readErr))
			return nil
		}

		trees, parseErr := parseResourceFile(ext, raw)
		if parseErr != nil {
			result.Errors = append(result.Errors, fmt.Errorf("loader: parsing %s: %w", path, parseErr))
			return nil
		}

		for _, t := range trees {
			if err := loadOne(ctx, f, t, opts.Protect); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("loader: loading %s: %w", path, err))
				continue
			}
			result.ResourcesLoaded++
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("loader: scanning %s: %w", root, err)
	}
	return result, nil
}

func readManifest(dir string) (packageManifest, bool) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return packageManifest{}, false
	}
	var m packageManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return packageManifest{}, false
	}
	return m, true
}

// parseResourceFile decodes one file into one or more resource trees,
// expanding a Bundle's entries into their constituent resources.
func parseResourceFile(ext string, raw []byte) ([]restree.Tree, error) {
	var m map[string]interface{}
	var err error
	switch ext {
	case ".json":
		err = json.Unmarshal(raw, &m)
	case ".xml":
		m, err = decodeXML(raw)
	default:
		return nil, fmt.Errorf("unsupported extension %q", ext)
	}
	if err != nil {
		return nil, err
	}

	tree := restree.New(m)
	if tree.Kind() != "Bundle" {
		return []restree.Tree{tree}, nil
	}

	entries, _ := tree.Map()["entry"].([]interface{})
	out := make([]restree.Tree, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		resource, ok := entry["resource"].(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, restree.New(resource))
	}
	return out, nil
}

func loadOne(ctx context.Context, f *tenant.Facade, t restree.Tree, protect bool) error {
	kind := t.Kind()
	if kind == "" {
		return fmt.Errorf("resource missing resourceType")
	}

	rc := dispatch.RequestContext{
		Kind:                 kind,
		ID:                   t.ID(),
		SourceTree:           &t,
		ForceAllowExistingID: true,
	}
	if rc.ID != "" {
		rc.Interaction = dispatch.InstanceUpdate
	} else {
		rc.Interaction = dispatch.TypeCreate
	}

	resp := f.Dispatch.Handle(ctx, rc)
	if resp.Status >= 400 {
		return fmt.Errorf("dispatch returned status %d for %s/%s", resp.Status, kind, rc.ID)
	}

	if protect {
		id := rc.ID
		if id == "" && resp.Resource != nil {
			id = resp.Resource.ID()
		}
		if id != "" {
			f.Protect(kind, id)
		}
	}
	return nil
}
