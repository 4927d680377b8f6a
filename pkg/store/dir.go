// Package store adapts a directory tree of YAML resource files to the
// in-memory collection the pipeline operates on, and persists the final
// collection back while preserving unmodified provenance. It also provides
// the results sink that writes aggregated result sets as artifacts.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

// DirStore loads and persists a resource tree rooted at a directory.
// It implements pipeline.Store.
type DirStore struct {
	root   string
	logger zerolog.Logger

	// loaded tracks the relative paths seen at load time so Write can
	// remove files whose documents were all deleted by the pipeline.
	loaded map[string]bool
}

// NewDirStore creates a store for the given tree root.
func NewDirStore(root string, logger zerolog.Logger) *DirStore {
	return &DirStore{
		root:   root,
		logger: logger,
		loaded: map[string]bool{},
	}
}

// Load walks the tree and parses every YAML file into the collection, in
// lexical walk order. Each document is tagged with its source path (relative
// to the root, forward slashes) and document index.
func (s *DirStore) Load(ctx context.Context) (*resource.Collection, error) {
	collection := &resource.Collection{}

	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := entry.Name()
		if entry.IsDir() {
			if path != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isYAMLFile(name) {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		items, err := s.loadFile(path, rel)
		if err != nil {
			return err
		}
		s.loaded[rel] = true
		collection.Items = append(collection.Items, items...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load resource tree %s: %w", s.root, err)
	}

	s.logger.Debug().Int("resources", len(collection.Items)).Str("root", s.root).Msg("Loaded resource tree")
	return collection, nil
}

// loadFile parses one multi-document YAML file.
func (s *DirStore) loadFile(path, rel string) ([]*resource.Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []*resource.Resource
	dec := yaml.NewDecoder(f)
	index := 0
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		if isEmptyDocument(&node) {
			index++
			continue
		}
		r, err := resource.FromNode(&node, resource.Provenance{Path: rel, Index: index})
		if err != nil {
			return nil, fmt.Errorf("%s document %d: %w", rel, index, err)
		}
		items = append(items, r)
		index++
	}
	return items, nil
}

// Write persists the collection back to the tree. Documents are grouped by
// provenance path and ordered by index; files whose documents all
// disappeared are removed; files whose serialized content is unchanged are
// left untouched so their timestamps survive.
func (s *DirStore) Write(ctx context.Context, collection *resource.Collection) error {
	byPath := map[string][]*resource.Resource{}
	order := []string{}
	for _, r := range collection.Items {
		if r.Provenance.Path == "" {
			return pipeline.NewPersistenceError(
				fmt.Sprintf("resource %s has no source location", r.Identity), nil)
		}
		if err := validateTreePath(r.Provenance.Path); err != nil {
			return pipeline.NewPersistenceError(
				fmt.Sprintf("refusing to write resource %s outside the tree", r.Identity), err).
				WithPath(r.Provenance.Path)
		}
		if _, ok := byPath[r.Provenance.Path]; !ok {
			order = append(order, r.Provenance.Path)
		}
		byPath[r.Provenance.Path] = append(byPath[r.Provenance.Path], r)
	}

	for _, rel := range order {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.NewPersistenceError("write cancelled", ctxErr)
		}
		items := byPath[rel]
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Provenance.Index < items[j].Provenance.Index
		})
		if err := s.writeFile(rel, items); err != nil {
			return pipeline.NewPersistenceError("failed to write resource file", err).WithPath(rel)
		}
	}

	// Remove files the pipeline emptied out.
	for rel := range s.loaded {
		if _, ok := byPath[rel]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return pipeline.NewPersistenceError("failed to remove emptied file", err).WithPath(rel)
		}
		s.logger.Debug().Str("path", rel).Msg("Removed emptied resource file")
	}
	return nil
}

// writeFile serializes one file's documents, skipping the write when the
// content is unchanged.
func (s *DirStore) writeFile(rel string, items []*resource.Resource) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, r := range items {
		if err := enc.Encode(r.Node); err != nil {
			return err
		}
	}
	if err := enc.Close(); err != nil {
		return err
	}

	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, buf.Bytes()) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return os.WriteFile(target, buf.Bytes(), 0o644)
}

// validateTreePath rejects source locations that resolve outside the tree
// root. Function output controls these paths, so they are untrusted.
func validateTreePath(rel string) error {
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(filepath.FromSlash(rel)) {
		return fmt.Errorf("path %q must be relative to the tree root", rel)
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the tree root", rel)
	}
	return nil
}

// isYAMLFile reports whether a file name looks like a resource file.
func isYAMLFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// isEmptyDocument reports whether a document node holds no content.
func isEmptyDocument(node *yaml.Node) bool {
	if node.Kind != yaml.DocumentNode || len(node.Content) == 0 {
		return true
	}
	content := node.Content[0]
	return content.Kind == yaml.ScalarNode && content.Tag == "!!null"
}
