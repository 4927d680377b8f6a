package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/irschad/kpt/pkg/resource"
)

// mergeResponse reconciles a function's response items back into the full
// collection. The response replaces the scoped subset at its former relative
// positions: resources matched by identity keep their position and, when the
// function did not move them, their provenance; response items with no match
// are appended as new resources; scoped resources absent from the response
// are deleted. The complement passes through untouched, in place.
//
// Running a generating function twice over its own output is idempotent:
// regenerated resources match by identity and replace rather than duplicate.
func mergeResponse(current, scoped, complement, response []*resource.Resource, anchorDir string) []*resource.Resource {
	inComplement := make(map[*resource.Resource]bool, len(complement))
	for _, r := range complement {
		inComplement[r] = true
	}

	consumed := make([]bool, len(response))
	matchScoped := func(id resource.Identity) *resource.Resource {
		for i, r := range response {
			if !consumed[i] && r.Identity == id {
				consumed[i] = true
				return r
			}
		}
		return nil
	}

	out := make([]*resource.Resource, 0, len(current))
	for _, r := range current {
		if inComplement[r] {
			out = append(out, r)
			continue
		}
		replacement := matchScoped(r.Identity)
		if replacement == nil {
			// Present in the scoped input, absent from the
			// response: deleted by the function.
			continue
		}
		if replacement.Provenance.Path == "" {
			replacement.Provenance = r.Provenance
		}
		out = append(out, replacement)
	}

	for i, r := range response {
		if consumed[i] {
			continue
		}
		if r.Provenance.Path == "" {
			r.Provenance = resource.Provenance{Path: defaultPath(r.Identity, anchorDir)}
		}
		out = append(out, r)
	}
	return out
}

// defaultPath places a newly generated resource in the invocation's anchor
// directory, named after its identity.
func defaultPath(id resource.Identity, anchorDir string) string {
	name := strings.ToLower(id.Kind)
	if name == "" {
		name = "resource"
	}
	if id.Name != "" {
		name = fmt.Sprintf("%s_%s", name, strings.ToLower(id.Name))
	}
	return path.Join(anchorDir, name+".yaml")
}
