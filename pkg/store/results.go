package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

// ResultListKind is the kind of a persisted result set artifact.
const ResultListKind = "FunctionResultList"

// resultArtifact is the serialized shape of one persisted result set.
type resultArtifact struct {
	APIVersion    string                    `yaml:"apiVersion"`
	Kind          string                    `yaml:"kind"`
	Name          string                    `yaml:"name"`
	SequenceIndex int                       `yaml:"sequenceIndex"`
	ExitCode      int                       `yaml:"exitCode"`
	Stderr        string                    `yaml:"stderr,omitempty"`
	Items         []resource.FunctionResult `yaml:"items,omitempty"`
}

// DirResultSink writes each result set as an individually named artifact
// under a destination directory. It implements pipeline.ResultSink.
type DirResultSink struct {
	dir    string
	logger zerolog.Logger
}

// NewDirResultSink creates a sink writing into the given directory.
func NewDirResultSink(dir string, logger zerolog.Logger) *DirResultSink {
	return &DirResultSink{dir: dir, logger: logger}
}

// Write persists the result sets. Artifacts are named by sequence index and
// declaration name so repeated invocations of the same declaration never
// overwrite each other.
func (s *DirResultSink) Write(ctx context.Context, sets []resource.ResultSet) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return pipeline.NewPersistenceError("failed to create results directory", err).WithPath(s.dir)
	}

	for _, set := range sets {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return pipeline.NewPersistenceError("results write cancelled", ctxErr)
		}
		artifact := resultArtifact{
			APIVersion:    resource.ListAPIVersion,
			Kind:          ResultListKind,
			Name:          set.Name,
			SequenceIndex: set.SequenceIndex,
			ExitCode:      set.ExitCode,
			Stderr:        set.Stderr,
			Items:         set.Items,
		}
		data, err := yaml.Marshal(artifact)
		if err != nil {
			return pipeline.NewPersistenceError("failed to marshal result set", err)
		}
		name := fmt.Sprintf("%03d-%s.yaml", set.SequenceIndex, sanitizeName(set.Name))
		if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
			return pipeline.NewPersistenceError("failed to write result artifact", err).WithPath(name)
		}
	}

	s.logger.Debug().Int("sets", len(sets)).Str("dir", s.dir).Msg("Wrote result artifacts")
	return nil
}

// sanitizeName makes a declaration name safe for use as a file name.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_", " ", "_")
	return replacer.Replace(name)
}
