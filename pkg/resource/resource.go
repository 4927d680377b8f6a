// Package resource defines the generic configuration document model shared by
// every pipeline stage: an ordered YAML-backed resource with a derived
// identity key and source provenance, and the ordered collection that the
// orchestrator threads through each function invocation.
//
// Resources are deliberately schemaless. A resource wraps a yaml.Node tree so
// that fields unknown to the orchestrator (and to any one function) survive a
// full pipeline run byte-for-byte, including key order and comments.
package resource

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Identity is the derived identity key of a resource. Two resources with the
// same identity are considered the same object for reconciliation purposes.
type Identity struct {
	// APIVersion is the group/version of the resource.
	APIVersion string `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`

	// Kind is the resource kind.
	Kind string `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Namespace is the resource namespace, if any.
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// Name is the resource name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// String returns a stable human-readable form of the identity.
func (id Identity) String() string {
	if id.Namespace != "" {
		return fmt.Sprintf("%s/%s/%s/%s", id.APIVersion, id.Kind, id.Namespace, id.Name)
	}
	return fmt.Sprintf("%s/%s/%s", id.APIVersion, id.Kind, id.Name)
}

// Provenance records where a resource came from within the source tree.
// It is preserved across invocations so unmodified resources can be written
// back to their original file and position.
type Provenance struct {
	// Path is the source file path, relative to the tree root, using
	// forward slashes.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Index is the zero-based document index within the source file.
	Index int `yaml:"index,omitempty" json:"index,omitempty"`
}

// Resource is a single configuration document. The node is the YAML document
// content (a mapping at the top level); it is the source of truth, and the
// identity is derived from it on construction.
type Resource struct {
	// Node is the parsed YAML mapping for this resource.
	Node *yaml.Node

	// Identity is the derived identity key.
	Identity Identity

	// Provenance is the recorded source location.
	Provenance Provenance
}

// FromNode builds a Resource from a parsed YAML node. Document nodes are
// unwrapped to their content mapping. The identity is derived from the
// apiVersion, kind and metadata fields; missing fields are left empty.
func FromNode(node *yaml.Node, prov Provenance) (*Resource, error) {
	if node == nil {
		return nil, fmt.Errorf("nil node")
	}
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, fmt.Errorf("empty document")
		}
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("resource document must be a mapping, got %v", node.Kind)
	}

	r := &Resource{
		Node:       node,
		Provenance: prov,
	}
	r.Identity = deriveIdentity(node)
	return r, nil
}

// Parse parses a single YAML document into a Resource.
func Parse(data []byte, prov Provenance) (*Resource, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse resource: %w", err)
	}
	return FromNode(&node, prov)
}

// deriveIdentity reads the identity fields out of a resource mapping.
func deriveIdentity(node *yaml.Node) Identity {
	id := Identity{
		APIVersion: scalarValue(lookup(node, "apiVersion")),
		Kind:       scalarValue(lookup(node, "kind")),
	}
	if meta := lookup(node, "metadata"); meta != nil {
		id.Name = scalarValue(lookup(meta, "name"))
		id.Namespace = scalarValue(lookup(meta, "namespace"))
	}
	return id
}

// Clone returns a deep copy of the resource. The executor hands clones to
// function runtimes so a runtime can never mutate the orchestrator's copy.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	return &Resource{
		Node:       cloneNode(r.Node),
		Identity:   r.Identity,
		Provenance: r.Provenance,
	}
}

// Annotation returns the value of a metadata annotation, or "" if absent.
func (r *Resource) Annotation(key string) string {
	meta := lookup(r.Node, "metadata")
	if meta == nil {
		return ""
	}
	ann := lookup(meta, "annotations")
	if ann == nil {
		return ""
	}
	return scalarValue(lookup(ann, key))
}

// AnnotationEntry returns the value node of a metadata annotation, or nil
// if the annotation is absent. Callers that need to tell a non-scalar value
// apart from a missing one use this instead of Annotation, which flattens
// both to "".
func (r *Resource) AnnotationEntry(key string) *yaml.Node {
	meta := lookup(r.Node, "metadata")
	if meta == nil {
		return nil
	}
	ann := lookup(meta, "annotations")
	if ann == nil {
		return nil
	}
	return lookup(ann, key)
}

// SetAnnotation sets a metadata annotation, creating the metadata and
// annotations mappings if needed.
func (r *Resource) SetAnnotation(key, value string) {
	meta := lookup(r.Node, "metadata")
	if meta == nil {
		meta = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		appendEntry(r.Node, "metadata", meta)
	}
	ann := lookup(meta, "annotations")
	if ann == nil {
		ann = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		appendEntry(meta, "annotations", ann)
	}
	if existing := lookup(ann, key); existing != nil {
		existing.SetString(value)
		return
	}
	val := &yaml.Node{}
	val.SetString(value)
	appendEntry(ann, key, val)
}

// RemoveAnnotation deletes a metadata annotation if present. An annotations
// mapping left empty by the removal is dropped entirely so that resources
// round-trip without orchestrator-internal residue.
func (r *Resource) RemoveAnnotation(key string) {
	meta := lookup(r.Node, "metadata")
	if meta == nil {
		return
	}
	ann := lookup(meta, "annotations")
	if ann == nil {
		return
	}
	removeEntry(ann, key)
	if len(ann.Content) == 0 {
		removeEntry(meta, "annotations")
	}
}

// MarshalYAML serializes the resource back to its YAML document form.
func (r *Resource) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(r.Node)
}

// lookup finds the value node for a key in a mapping node.
func lookup(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// scalarValue returns the string value of a scalar node, or "".
func scalarValue(node *yaml.Node) string {
	if node == nil || node.Kind != yaml.ScalarNode {
		return ""
	}
	return node.Value
}

// appendEntry appends a key/value pair to a mapping node.
func appendEntry(node *yaml.Node, key string, value *yaml.Node) {
	k := &yaml.Node{}
	k.SetString(key)
	node.Content = append(node.Content, k, value)
}

// removeEntry removes a key/value pair from a mapping node.
func removeEntry(node *yaml.Node, key string) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			node.Content = append(node.Content[:i], node.Content[i+2:]...)
			return
		}
	}
}

// cloneNode deep-copies a YAML node tree.
func cloneNode(node *yaml.Node) *yaml.Node {
	if node == nil {
		return nil
	}
	out := *node
	if len(node.Content) > 0 {
		out.Content = make([]*yaml.Node, len(node.Content))
		for i, child := range node.Content {
			out.Content[i] = cloneNode(child)
		}
	}
	return &out
}

// Collection is the ordered set of resources flowing through one pipeline
// run, plus the optional functionConfig for a single invocation and the
// results accumulated so far. Order affects provenance and diffing only,
// never semantics.
type Collection struct {
	// Items are the resources, in load order.
	Items []*Resource

	// FunctionConfig is the resource configuring one function invocation.
	// It is only set on the request handed to a function runtime.
	FunctionConfig *Resource

	// Results are the result sets recorded so far, in invocation order.
	Results []ResultSet
}

// Clone deep-copies the collection. Results are copied by value; resource
// nodes are deep-copied.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := &Collection{
		FunctionConfig: c.FunctionConfig.Clone(),
		Results:        append([]ResultSet(nil), c.Results...),
	}
	out.Items = make([]*Resource, len(c.Items))
	for i, r := range c.Items {
		out.Items[i] = r.Clone()
	}
	return out
}

// Index returns the position of the first resource with the given identity,
// or -1 if the collection does not contain it.
func (c *Collection) Index(id Identity) int {
	for i, r := range c.Items {
		if r.Identity == id {
			return i
		}
	}
	return -1
}
