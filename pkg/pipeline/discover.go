package pipeline

import (
	"bytes"
	"fmt"
	"path"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/irschad/kpt/pkg/resource"
)

// Discoverer walks a resource collection, parses function declaration
// annotations, and produces a deterministically ordered execution plan.
type Discoverer struct {
	validate *validator.Validate
}

// NewDiscoverer creates a new discoverer.
func NewDiscoverer() *Discoverer {
	return &Discoverer{
		validate: validator.New(),
	}
}

// candidate is a declaration found during the walk, before ordering.
type candidate struct {
	decl     *FunctionDeclaration
	source   *resource.Resource
	anchor   string
	position int // position within the collection, last-resort tiebreak
}

// Discover produces the execution plan for a collection. Any annotation that
// cannot be parsed into a well-formed declaration aborts discovery entirely:
// partially applying an unvalidated pipeline is unsafe, so there is no
// partial plan.
//
// Ordering is deterministic: declarations within one file run in document
// order, directories are traversed post-order (children before the enclosing
// directory's own declarations) so directory-local aggregators observe
// already-transformed nested output, and siblings are visited lexically.
func (d *Discoverer) Discover(collection *resource.Collection) (*ExecutionPlan, error) {
	var candidates []candidate
	for i, r := range collection.Items {
		entry := r.AnnotationEntry(FunctionAnnotation)
		if entry == nil {
			continue
		}
		if entry.Kind != yaml.ScalarNode {
			return nil, newError(ErrorDeclarationParse, "function annotation must be a string scalar", nil).
				WithPath(r.Provenance.Path)
		}
		if entry.Value == "" {
			continue
		}
		decl, err := d.parseDeclaration(entry.Value)
		if err != nil {
			return nil, newError(ErrorDeclarationParse, "malformed function annotation", err).
				WithPath(r.Provenance.Path)
		}
		candidates = append(candidates, candidate{
			decl:     decl,
			source:   r,
			anchor:   anchorOf(r),
			position: i,
		})
	}

	ordinals := directoryOrdinals(candidates)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.anchor != b.anchor {
			return ordinals[a.anchor] < ordinals[b.anchor]
		}
		if a.source.Provenance.Path != b.source.Provenance.Path {
			return a.source.Provenance.Path < b.source.Provenance.Path
		}
		if a.source.Provenance.Index != b.source.Provenance.Index {
			return a.source.Provenance.Index < b.source.Provenance.Index
		}
		return a.position < b.position
	})

	plan := &ExecutionPlan{}
	for i, c := range candidates {
		plan.Invocations = append(plan.Invocations, &FunctionInvocation{
			Declaration:   c.decl,
			Source:        c.source,
			AnchorDir:     c.anchor,
			SequenceIndex: i,
			State:         StatePending,
		})
	}
	return plan, nil
}

// parseDeclaration parses an annotation value into a declaration. Unknown
// fields are rejected so a typoed policy flag fails loudly instead of being
// silently ignored.
func (d *Discoverer) parseDeclaration(raw string) (*FunctionDeclaration, error) {
	decl := &FunctionDeclaration{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(decl); err != nil {
		return nil, fmt.Errorf("failed to decode declaration: %w", err)
	}
	if err := decl.validateRuntimes(); err != nil {
		return nil, err
	}
	if err := d.validate.Struct(decl); err != nil {
		return nil, fmt.Errorf("declaration validation failed: %w", err)
	}
	return decl, nil
}

// anchorOf computes a declaration's anchor directory from the declaring
// resource's provenance.
func anchorOf(r *resource.Resource) string {
	dir := path.Dir(r.Provenance.Path)
	if dir == "" {
		dir = "."
	}
	return dir
}

// directoryOrdinals assigns each anchor directory its position in a
// post-order traversal of the directory tree formed by all anchors.
func directoryOrdinals(candidates []candidate) map[string]int {
	children := map[string]map[string]bool{}
	seen := map[string]bool{}

	// Register a directory and every ancestor up to the root so that
	// sibling ordering is decided at the point the paths diverge.
	var register func(dir string)
	register = func(dir string) {
		if seen[dir] {
			return
		}
		seen[dir] = true
		if dir == "." {
			return
		}
		parent := path.Dir(dir)
		if parent == "" {
			parent = "."
		}
		if children[parent] == nil {
			children[parent] = map[string]bool{}
		}
		children[parent][dir] = true
		register(parent)
	}
	for _, c := range candidates {
		register(c.anchor)
	}

	ordinals := map[string]int{}
	next := 0
	var walk func(dir string)
	walk = func(dir string) {
		names := make([]string, 0, len(children[dir]))
		for child := range children[dir] {
			names = append(names, child)
		}
		sort.Strings(names)
		for _, child := range names {
			walk(child)
		}
		ordinals[dir] = next
		next++
	}
	walk(".")
	return ordinals
}
