// Package config loads the orchestrator's own settings file. Settings are
// written in CUE so they are typed and validated before a run starts; the
// resource tree itself stays plain YAML per the wire contract.
package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
)

// DefaultFileName is the settings file looked up in the tree root.
const DefaultFileName = "kpt.cue"

// settingsSchema constrains the settings file. Unknown fields are rejected
// by the closed struct.
const settingsSchema = `
#Settings: close({
	timeout?:      string
	resultsDir?:   string
	historyDB?:    string
	allowExec?:    bool
	allowNetwork?: bool
	logLevel?:     "trace" | "debug" | "info" | "warn" | "error"
})
`

// Settings are the orchestrator's run settings. Zero values mean defaults;
// CLI flags override file values.
type Settings struct {
	// Timeout is the default per-invocation timeout as a duration string.
	Timeout string `json:"timeout,omitempty"`

	// ResultsDir is where result artifacts are written. Empty disables
	// results persistence.
	ResultsDir string `json:"resultsDir,omitempty"`

	// HistoryDB is the run history database path. Empty disables history.
	HistoryDB string `json:"historyDB,omitempty"`

	// AllowExec enables the local-executable function runtime.
	AllowExec bool `json:"allowExec,omitempty"`

	// AllowNetwork permits container functions to request network access.
	AllowNetwork bool `json:"allowNetwork,omitempty"`

	// LogLevel sets the minimum log level.
	LogLevel string `json:"logLevel,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Timeout:  "5m",
		LogLevel: "info",
	}
}

// InvocationTimeout parses the configured timeout.
func (s Settings) InvocationTimeout() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
	}
	return d, nil
}

// Load reads and validates a settings file. A missing file yields defaults.
func Load(path string) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}

	parsed, err := Parse(data, path)
	if err != nil {
		return settings, err
	}
	return parsed, nil
}

// Parse decodes settings from CUE source, checking them against the schema.
func Parse(data []byte, filename string) (Settings, error) {
	settings := Default()

	cuectx := cuecontext.New()
	schema := cuectx.CompileString(settingsSchema).LookupPath(cue.ParsePath("#Settings"))
	if err := schema.Err(); err != nil {
		return settings, fmt.Errorf("internal settings schema error: %w", err)
	}

	value := cuectx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return settings, fmt.Errorf("failed to parse settings: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(); err != nil {
		return settings, fmt.Errorf("settings validation failed: %w", err)
	}

	if err := unified.Decode(&settings); err != nil {
		return settings, fmt.Errorf("failed to decode settings: %w", err)
	}

	if err := validator.New().Struct(settings); err != nil {
		return settings, fmt.Errorf("settings validation failed: %w", err)
	}
	if _, err := settings.InvocationTimeout(); err != nil {
		return settings, err
	}
	return settings, nil
}
