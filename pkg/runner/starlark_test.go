package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

func testRequest(t *testing.T) *resource.List {
	t.Helper()
	r, err := resource.Parse([]byte(`apiVersion: v1
kind: Service
metadata:
  name: web
spec:
  replicas: 1
`), resource.Provenance{Path: "app/service.yaml"})
	if err != nil {
		t.Fatalf("failed to parse request resource: %v", err)
	}
	return &resource.List{Items: []*resource.Resource{r}}
}

func starlarkDecl(source string) *pipeline.FunctionDeclaration {
	return &pipeline.FunctionDeclaration{
		Starlark: &pipeline.StarlarkRuntime{Source: source},
	}
}

func TestDispatcher_Starlark_IdentityScript(t *testing.T) {
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl("pass"), testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp.ExitCode != 0 {
		t.Fatalf("Expected exit code 0, got %d (stderr: %s)", resp.ExitCode, resp.Stderr)
	}
	if resp.ParseErr != nil {
		t.Fatalf("Expected parsable response, got: %v", resp.ParseErr)
	}
	if len(resp.List.Items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(resp.List.Items))
	}
	got := resp.List.Items[0]
	if got.Identity.Kind != "Service" || got.Identity.Name != "web" {
		t.Errorf("Expected the request resource back, got %v", got.Identity)
	}
	if got.Provenance.Path != "app/service.yaml" {
		t.Errorf("Expected provenance to survive the round trip, got %q", got.Provenance.Path)
	}
}

func TestDispatcher_Starlark_MutatesInPlace(t *testing.T) {
	script := `
for item in resource_list["items"]:
    item["metadata"]["labels"] = {"tier": "frontend"}
`
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl(script), testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp.ExitCode != 0 || resp.ParseErr != nil {
		t.Fatalf("Expected success, got exit %d parse err %v", resp.ExitCode, resp.ParseErr)
	}

	out, err := resp.List.Items[0].MarshalYAML()
	if err != nil {
		t.Fatalf("failed to marshal response item: %v", err)
	}
	if !contains(string(out), "tier: frontend") {
		t.Errorf("Expected the label added by the script, got:\n%s", out)
	}
}

func TestDispatcher_Starlark_GeneratesResources(t *testing.T) {
	script := `
resource_list["items"].append({
    "apiVersion": "v1",
    "kind": "ConfigMap",
    "metadata": {"name": "generated"},
})
`
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl(script), testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(resp.List.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(resp.List.Items))
	}
	generated := resp.List.Items[1]
	if generated.Identity.Kind != "ConfigMap" || generated.Identity.Name != "generated" {
		t.Errorf("Expected the generated resource, got %v", generated.Identity)
	}
	if generated.Provenance.Path != "" {
		t.Errorf("Expected empty provenance for a generated resource, got %q", generated.Provenance.Path)
	}
}

func TestDispatcher_Starlark_UntouchedFieldsKeepKeyOrder(t *testing.T) {
	r, err := resource.Parse([]byte(`apiVersion: v1
kind: Service
metadata:
  name: web
spec:
  type: ClusterIP
  selector:
    app: web
  ports:
    - port: 80
`), resource.Provenance{Path: "app/service.yaml"})
	if err != nil {
		t.Fatalf("failed to parse request resource: %v", err)
	}
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl("pass"),
		&resource.List{Items: []*resource.Resource{r}}, time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp.ExitCode != 0 || resp.ParseErr != nil {
		t.Fatalf("Expected success, got exit %d parse err %v", resp.ExitCode, resp.ParseErr)
	}

	out, err := resp.List.Items[0].MarshalYAML()
	if err != nil {
		t.Fatalf("failed to marshal response item: %v", err)
	}
	doc := string(out)
	typePos := strings.Index(doc, "type:")
	selectorPos := strings.Index(doc, "selector:")
	portsPos := strings.Index(doc, "ports:")
	if typePos < 0 || selectorPos < 0 || portsPos < 0 {
		t.Fatalf("Expected all spec fields in the output, got:\n%s", doc)
	}
	if !(typePos < selectorPos && selectorPos < portsPos) {
		t.Errorf("Expected document key order to survive, got:\n%s", doc)
	}
}

func TestDispatcher_Starlark_NonStringMappingKeys(t *testing.T) {
	r, err := resource.Parse([]byte(`apiVersion: v1
kind: ConfigMap
metadata:
  name: ports
data:
  mapping:
    8080: http
    8443: https
`), resource.Provenance{Path: "app/ports.yaml"})
	if err != nil {
		t.Fatalf("failed to parse request resource: %v", err)
	}
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl("pass"),
		&resource.List{Items: []*resource.Resource{r}}, time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp.ExitCode != 0 || resp.ParseErr != nil {
		t.Fatalf("Expected success, got exit %d parse err %v", resp.ExitCode, resp.ParseErr)
	}

	out, err := resp.List.Items[0].MarshalYAML()
	if err != nil {
		t.Fatalf("failed to marshal response item: %v", err)
	}
	if !contains(string(out), "8080: http") {
		t.Errorf("Expected the integer-keyed mapping to survive, got:\n%s", out)
	}
}

func TestDispatcher_Starlark_EmitsResults(t *testing.T) {
	script := `
resource_list["results"] = [{"severity": "warning", "message": "replica count is low"}]
`
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl(script), testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(resp.List.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(resp.List.Results))
	}
	if resp.List.Results[0].Severity != resource.SeverityWarning {
		t.Errorf("Expected warning severity, got %s", resp.List.Results[0].Severity)
	}
}

func TestDispatcher_Starlark_ScriptErrorIsNonzeroInvocation(t *testing.T) {
	d := New(t.TempDir())

	resp, err := d.Run(context.Background(), starlarkDecl(`fail("config is invalid")`), testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected a response, not an orchestrator error: %v", err)
	}
	if resp.ExitCode == 0 {
		t.Error("Expected nonzero exit code for a failing script")
	}
	if !contains(resp.Stderr, "config is invalid") {
		t.Errorf("Expected the failure message in stderr, got %q", resp.Stderr)
	}
}

func TestDispatcher_Starlark_ScriptFromFile(t *testing.T) {
	root := t.TempDir()
	script := `resource_list["items"] = []`
	if err := os.MkdirAll(filepath.Join(root, "fns"), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "fns", "clear.star"), []byte(script), 0o644); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	d := New(root)

	decl := &pipeline.FunctionDeclaration{
		Starlark: &pipeline.StarlarkRuntime{Path: "fns/clear.star"},
	}
	resp, err := d.Run(context.Background(), decl, testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(resp.List.Items) != 0 {
		t.Errorf("Expected the script to delete every item, got %d", len(resp.List.Items))
	}
}

func TestDispatcher_Starlark_PathEscapeRejected(t *testing.T) {
	d := New(t.TempDir())

	decl := &pipeline.FunctionDeclaration{
		Starlark: &pipeline.StarlarkRuntime{Path: "../outside.star"},
	}
	if _, err := d.Run(context.Background(), decl, testRequest(t), time.Minute); err == nil {
		t.Fatal("Expected error for a script path escaping the tree, got nil")
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
