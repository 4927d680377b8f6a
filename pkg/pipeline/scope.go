package pipeline

import (
	"path"
	"strings"

	"github.com/irschad/kpt/pkg/resource"
)

// ResolveScope splits a collection into the subset visible to an invocation
// anchored at anchorDir and the complement that must pass through unchanged.
//
// Scoping is whole-resource: a resource is in scope iff its source location
// is the anchor directory or any subdirectory beneath it. The declaring
// resource is always in scope of its own invocation since it lives in the
// anchor directory.
func ResolveScope(collection *resource.Collection, anchorDir string) (scoped, complement []*resource.Resource, err error) {
	anchor := path.Clean(anchorDir)
	if anchorDir == "" || path.IsAbs(anchor) || anchor == ".." || strings.HasPrefix(anchor, "../") {
		return nil, nil, newError(ErrorScopeResolution, "invalid anchor location", nil).WithPath(anchorDir)
	}

	for _, r := range collection.Items {
		if r.Provenance.Path == "" {
			return nil, nil, newError(ErrorScopeResolution, "resource has no source location", nil).
				WithPath(r.Identity.String())
		}
		if inScope(r.Provenance.Path, anchor) {
			scoped = append(scoped, r)
		} else {
			complement = append(complement, r)
		}
	}
	return scoped, complement, nil
}

// inScope reports whether a source path falls inside the anchor directory.
func inScope(sourcePath, anchor string) bool {
	if anchor == "." {
		return true
	}
	dir := path.Dir(sourcePath)
	return dir == anchor || strings.HasPrefix(dir, anchor+"/")
}
