package pipeline

import (
	"fmt"
	"testing"

	"github.com/irschad/kpt/pkg/resource"
)

// mustResource parses a YAML document into a resource with the given
// provenance, failing the test on error.
func mustResource(t *testing.T, doc, path string, index int) *resource.Resource {
	t.Helper()
	r, err := resource.Parse([]byte(doc), resource.Provenance{Path: path, Index: index})
	if err != nil {
		t.Fatalf("failed to parse test resource: %v", err)
	}
	return r
}

// declaringResource builds a ConfigMap-shaped resource carrying a function
// annotation with the given declaration body.
func declaringResource(t *testing.T, name, path string, index int, declaration string) *resource.Resource {
	t.Helper()
	doc := fmt.Sprintf(`apiVersion: v1
kind: ConfigMap
metadata:
  name: %s
`, name)
	r := mustResource(t, doc, path, index)
	r.SetAnnotation(FunctionAnnotation, declaration)
	return r
}

// plainResource builds a resource with no function annotation.
func plainResource(t *testing.T, kind, name, path string, index int) *resource.Resource {
	t.Helper()
	doc := fmt.Sprintf(`apiVersion: v1
kind: %s
metadata:
  name: %s
`, kind, name)
	return mustResource(t, doc, path, index)
}

const inlineStarlarkDecl = `starlark:
  source: "pass"
`

func newCollection(items ...*resource.Resource) *resource.Collection {
	return &resource.Collection{Items: items}
}
