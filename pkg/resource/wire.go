package resource

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Wire format constants. A function sees its scoped input, and returns its
// output, as a single ResourceList document.
const (
	// ListAPIVersion is the apiVersion of the ResourceList wire document.
	ListAPIVersion = "config.kubernetes.io/v1"

	// ListKind is the kind of the ResourceList wire document.
	ListKind = "ResourceList"

	// PathAnnotation carries a resource's source path across the function
	// boundary.
	PathAnnotation = "config.kubernetes.io/path"

	// IndexAnnotation carries a resource's document index across the
	// function boundary.
	IndexAnnotation = "config.kubernetes.io/index"
)

// List is the parsed form of the ResourceList wire document.
type List struct {
	// Items are the resources carried by the list.
	Items []*Resource

	// FunctionConfig is the single resource configuring the invocation.
	FunctionConfig *Resource

	// Results are the structured results emitted by the function.
	Results []FunctionResult
}

// wireList is the serialized shape of a ResourceList.
type wireList struct {
	APIVersion     string           `yaml:"apiVersion"`
	Kind           string           `yaml:"kind"`
	Items          []*yaml.Node     `yaml:"items"`
	FunctionConfig *yaml.Node       `yaml:"functionConfig,omitempty"`
	Results        []FunctionResult `yaml:"results,omitempty"`
}

// EncodeList serializes a List to the wire format. Provenance is injected
// into each item as path/index annotations so functions can observe, and
// rewrite, source placement.
func EncodeList(list *List) ([]byte, error) {
	w := wireList{
		APIVersion: ListAPIVersion,
		Kind:       ListKind,
		Items:      make([]*yaml.Node, 0, len(list.Items)),
		Results:    list.Results,
	}
	for _, r := range list.Items {
		clone := r.Clone()
		clone.SetAnnotation(PathAnnotation, clone.Provenance.Path)
		clone.SetAnnotation(IndexAnnotation, strconv.Itoa(clone.Provenance.Index))
		w.Items = append(w.Items, clone.Node)
	}
	if list.FunctionConfig != nil {
		w.FunctionConfig = list.FunctionConfig.Clone().Node
	}

	data, err := yaml.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource list: %w", err)
	}
	return data, nil
}

// DecodeList parses a wire document back into a List. Path and index
// annotations become each item's provenance and are stripped from the stored
// node; items without them get empty provenance, which the caller resolves
// against the invocation's anchor.
func DecodeList(data []byte) (*List, error) {
	var w wireList
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource list: %w", err)
	}
	if w.Kind != ListKind {
		return nil, fmt.Errorf("unexpected kind %q, want %q", w.Kind, ListKind)
	}

	list := &List{Results: w.Results}
	for i, node := range w.Items {
		r, err := FromNode(node, Provenance{})
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		r.Provenance.Path = r.Annotation(PathAnnotation)
		if idx := r.Annotation(IndexAnnotation); idx != "" {
			n, err := strconv.Atoi(idx)
			if err != nil {
				return nil, fmt.Errorf("item %d: invalid index annotation %q", i, idx)
			}
			r.Provenance.Index = n
		}
		r.RemoveAnnotation(PathAnnotation)
		r.RemoveAnnotation(IndexAnnotation)
		list.Items = append(list.Items, r)
	}

	if w.FunctionConfig != nil {
		fc, err := FromNode(w.FunctionConfig, Provenance{})
		if err != nil {
			return nil, fmt.Errorf("functionConfig: %w", err)
		}
		list.FunctionConfig = fc
	}
	return list, nil
}
