package pipeline

import (
	"testing"

	"github.com/irschad/kpt/pkg/resource"
)

func TestResolveScope_AnchorCoversSubtree(t *testing.T) {
	inScope1 := plainResource(t, "Service", "web", "app/service.yaml", 0)
	inScope2 := plainResource(t, "ConfigMap", "settings", "app/base/config.yaml", 0)
	outside := plainResource(t, "Namespace", "prod", "infra/ns.yaml", 0)

	scoped, complement, err := ResolveScope(newCollection(inScope1, inScope2, outside), "app")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("Expected 2 scoped resources, got %d", len(scoped))
	}
	if len(complement) != 1 || complement[0] != outside {
		t.Error("Expected the out-of-scope resource in the complement")
	}
}

func TestResolveScope_RootAnchorSeesEverything(t *testing.T) {
	items := []*resource.Resource{
		plainResource(t, "Service", "web", "app/service.yaml", 0),
		plainResource(t, "Namespace", "prod", "ns.yaml", 0),
	}

	scoped, complement, err := ResolveScope(newCollection(items...), ".")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(scoped) != len(items) {
		t.Errorf("Expected all %d resources in scope, got %d", len(items), len(scoped))
	}
	if len(complement) != 0 {
		t.Errorf("Expected empty complement, got %d", len(complement))
	}
}

func TestResolveScope_PrefixIsNotContainment(t *testing.T) {
	lookalike := plainResource(t, "Service", "web", "app-extra/service.yaml", 0)

	scoped, complement, err := ResolveScope(newCollection(lookalike), "app")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(scoped) != 0 {
		t.Error("Expected app-extra/ to be outside the app scope")
	}
	if len(complement) != 1 {
		t.Errorf("Expected 1 complement resource, got %d", len(complement))
	}
}

func TestResolveScope_InvalidAnchors(t *testing.T) {
	collection := newCollection(plainResource(t, "Service", "web", "app/service.yaml", 0))

	for _, anchor := range []string{"", "/abs", "..", "../sibling"} {
		_, _, err := ResolveScope(collection, anchor)
		if err == nil {
			t.Errorf("Expected error for anchor %q, got nil", anchor)
			continue
		}
		if !IsScopeResolution(err) {
			t.Errorf("Expected scope resolution error for anchor %q, got: %v", anchor, err)
		}
	}
}

func TestResolveScope_MissingProvenanceRejected(t *testing.T) {
	r := plainResource(t, "Service", "web", "app/service.yaml", 0)
	r.Provenance.Path = ""

	_, _, err := ResolveScope(newCollection(r), "app")
	if err == nil {
		t.Fatal("Expected error for resource without provenance, got nil")
	}
	if !IsScopeResolution(err) {
		t.Errorf("Expected scope resolution error, got: %v", err)
	}
}
