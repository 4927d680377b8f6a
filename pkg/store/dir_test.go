package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

func writeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
}

func TestDirStore_Load(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "app/service.yaml", `apiVersion: v1
kind: Service
metadata:
  name: web
---
apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
`)
	writeTestFile(t, root, "ns.yaml", "apiVersion: v1\nkind: Namespace\nmetadata:\n  name: prod\n")
	writeTestFile(t, root, "README.md", "not a resource\n")
	writeTestFile(t, root, ".hidden/skipped.yaml", "apiVersion: v1\nkind: Secret\nmetadata:\n  name: skipped\n")

	store := NewDirStore(root, zerolog.Nop())
	collection, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(collection.Items) != 3 {
		t.Fatalf("Expected 3 resources, got %d", len(collection.Items))
	}
	first := collection.Items[0]
	if first.Provenance.Path != "app/service.yaml" || first.Provenance.Index != 0 {
		t.Errorf("Expected provenance app/service.yaml:0, got %+v", first.Provenance)
	}
	second := collection.Items[1]
	if second.Provenance.Index != 1 {
		t.Errorf("Expected document index 1, got %d", second.Provenance.Index)
	}
	for _, r := range collection.Items {
		if r.Identity.Kind == "Secret" {
			t.Error("Expected hidden directories to be skipped")
		}
	}
}

func TestDirStore_LoadSkipsEmptyDocuments(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "sparse.yaml", `null
---
apiVersion: v1
kind: Service
metadata:
  name: only
`)

	store := NewDirStore(root, zerolog.Nop())
	collection, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(collection.Items) != 1 {
		t.Fatalf("Expected 1 resource, got %d", len(collection.Items))
	}
	if collection.Items[0].Provenance.Index != 1 {
		t.Errorf("Expected document index 1 after the empty document, got %d", collection.Items[0].Provenance.Index)
	}
}

func TestDirStore_LoadRejectsMalformedFile(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "bad.yaml", "apiVersion: v1\nkind: [broken\n")

	store := NewDirStore(root, zerolog.Nop())
	if _, err := store.Load(context.Background()); err == nil {
		t.Fatal("Expected error for malformed YAML, got nil")
	}
}

func TestDirStore_WriteRoundTripPreservesContent(t *testing.T) {
	root := t.TempDir()
	original := `apiVersion: example.com/v1
kind: Widget
metadata:
  name: widget
spec:
  obscureKnob: 42
  nested:
    values:
      - one
      - two
`
	writeTestFile(t, root, "widget.yaml", original)

	store := NewDirStore(root, zerolog.Nop())
	collection, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := store.Write(context.Background(), collection); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	after, err := os.ReadFile(filepath.Join(root, "widget.yaml"))
	if err != nil {
		t.Fatalf("failed to read file back: %v", err)
	}
	for _, want := range []string{"obscureKnob: 42", "- one", "- two"} {
		if !strings.Contains(string(after), want) {
			t.Errorf("Expected %q to survive a load/write round trip, got:\n%s", want, after)
		}
	}
}

func TestDirStore_WriteCreatesNewFiles(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "existing.yaml", "apiVersion: v1\nkind: Service\nmetadata:\n  name: web\n")

	store := NewDirStore(root, zerolog.Nop())
	collection, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	generated, err := resource.Parse([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: generated\n"),
		resource.Provenance{Path: "app/configmap_generated.yaml"})
	if err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}
	collection.Items = append(collection.Items, generated)

	if err := store.Write(context.Background(), collection); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "app", "configmap_generated.yaml")); err != nil {
		t.Errorf("Expected generated file to exist: %v", err)
	}
}

func TestDirStore_WriteRemovesEmptiedFiles(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "doomed.yaml", "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: doomed\n")
	writeTestFile(t, root, "kept.yaml", "apiVersion: v1\nkind: Service\nmetadata:\n  name: kept\n")

	store := NewDirStore(root, zerolog.Nop())
	collection, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	kept := collection.Items[:0]
	for _, r := range collection.Items {
		if r.Identity.Name != "doomed" {
			kept = append(kept, r)
		}
	}
	collection.Items = kept

	if err := store.Write(context.Background(), collection); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "doomed.yaml")); !os.IsNotExist(err) {
		t.Error("Expected the emptied file to be removed")
	}
	if _, err := os.Stat(filepath.Join(root, "kept.yaml")); err != nil {
		t.Errorf("Expected the kept file to survive: %v", err)
	}
}

func TestDirStore_WriteRejectsMissingProvenance(t *testing.T) {
	root := t.TempDir()
	orphan, err := resource.Parse([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: orphan\n"),
		resource.Provenance{})
	if err != nil {
		t.Fatalf("failed to parse resource: %v", err)
	}

	store := NewDirStore(root, zerolog.Nop())
	err = store.Write(context.Background(), &resource.Collection{Items: []*resource.Resource{orphan}})
	if err == nil {
		t.Fatal("Expected error for resource without provenance, got nil")
	}
	if !pipeline.IsPersistence(err) {
		t.Errorf("Expected persistence error, got: %v", err)
	}
}

func TestDirStore_WriteRejectsEscapingProvenance(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "tree")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("failed to create tree root: %v", err)
	}

	for _, source := range []string{"../escaped.yaml", "app/../../escaped.yaml", "/etc/escaped.yaml"} {
		intruder, err := resource.Parse([]byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: intruder\n"),
			resource.Provenance{Path: source})
		if err != nil {
			t.Fatalf("failed to parse resource: %v", err)
		}

		store := NewDirStore(root, zerolog.Nop())
		err = store.Write(context.Background(), &resource.Collection{Items: []*resource.Resource{intruder}})
		if err == nil {
			t.Fatalf("Expected error for source path %q, got nil", source)
		}
		if !pipeline.IsPersistence(err) {
			t.Errorf("Expected persistence error for %q, got: %v", source, err)
		}
	}

	if _, err := os.Stat(filepath.Join(parent, "escaped.yaml")); !os.IsNotExist(err) {
		t.Error("Expected no file outside the tree root")
	}
}

func TestDirResultSink_Write(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	sink := NewDirResultSink(dir, zerolog.Nop())

	sets := []resource.ResultSet{
		{
			Name:          "example/fn:v1",
			SequenceIndex: 0,
			Items: []resource.FunctionResult{
				{Severity: resource.SeverityError, Message: "bad field"},
			},
		},
		{Name: "example/fn:v1", SequenceIndex: 1, ExitCode: 1, Stderr: "boom"},
	}
	if err := sink.Write(context.Background(), sets); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Same declaration name, distinct artifacts.
	for _, name := range []string{"000-example_fn_v1.yaml", "001-example_fn_v1.yaml"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("Expected artifact %s: %v", name, err)
		}
		if !strings.Contains(string(data), "kind: FunctionResultList") {
			t.Errorf("Expected a FunctionResultList artifact, got:\n%s", data)
		}
	}
}
