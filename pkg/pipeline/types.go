package pipeline

import (
	"fmt"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irschad/kpt/pkg/resource"
)

// FunctionAnnotation is the reserved metadata annotation that declares a
// function invocation on a resource. Its value is a YAML block naming
// exactly one runtime plus invocation policy.
const FunctionAnnotation = "config.kubernetes.io/function"

// Duration is a time.Duration that unmarshals from a YAML string such as
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// String returns the duration in time.Duration notation.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ContainerRuntime runs a function as a container image over stdio.
type ContainerRuntime struct {
	// Image is the container image reference.
	Image string `yaml:"image" validate:"required"`

	// Network enables network access for the container. Disabled by
	// default; the orchestrator may refuse to honor it.
	Network bool `yaml:"network,omitempty"`
}

// ExecRuntime runs a function as a local executable over stdio.
type ExecRuntime struct {
	// Path is the path to the executable, relative to the tree root.
	Path string `yaml:"path" validate:"required"`
}

// StarlarkRuntime runs a function as an in-process Starlark script.
type StarlarkRuntime struct {
	// Path is the script path, relative to the tree root.
	Path string `yaml:"path,omitempty"`

	// Source is the inline script body. Exactly one of Path and Source
	// must be set.
	Source string `yaml:"source,omitempty"`
}

// WasmRuntime runs a function as a WASI module over stdio.
type WasmRuntime struct {
	// Path is the module path, relative to the tree root.
	Path string `yaml:"path" validate:"required"`
}

// FunctionDeclaration is the parsed form of a function annotation. A
// declaration is created fresh each discovery pass and never mutated; the
// declaring resource stays in the collection and doubles as the
// functionConfig of its own invocation.
type FunctionDeclaration struct {
	// Exactly one runtime must be set.
	Container *ContainerRuntime `yaml:"container,omitempty"`
	Exec      *ExecRuntime      `yaml:"exec,omitempty"`
	Starlark  *StarlarkRuntime  `yaml:"starlark,omitempty"`
	Wasm      *WasmRuntime      `yaml:"wasm,omitempty"`

	// DeferFailure continues the run past a failure of this invocation,
	// still forcing a nonzero final exit status.
	DeferFailure bool `yaml:"deferFailure,omitempty"`

	// Timeout bounds a single invocation. Zero means the orchestrator
	// default.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Name derives the invocation name used for result sets and logs.
func (d *FunctionDeclaration) Name() string {
	switch {
	case d.Container != nil:
		return d.Container.Image
	case d.Exec != nil:
		return path.Base(d.Exec.Path)
	case d.Starlark != nil:
		if d.Starlark.Path != "" {
			return "starlark:" + path.Base(d.Starlark.Path)
		}
		return "starlark:inline"
	case d.Wasm != nil:
		return "wasm:" + path.Base(d.Wasm.Path)
	default:
		return "unknown"
	}
}

// validateRuntimes checks the tagged-variant invariant: exactly one runtime
// set, with its required fields present.
func (d *FunctionDeclaration) validateRuntimes() error {
	count := 0
	if d.Container != nil {
		count++
	}
	if d.Exec != nil {
		count++
	}
	if d.Starlark != nil {
		count++
		if (d.Starlark.Path == "") == (d.Starlark.Source == "") {
			return fmt.Errorf("starlark runtime requires exactly one of path or source")
		}
	}
	if d.Wasm != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("declaration must name exactly one runtime, got %d", count)
	}
	return nil
}

// InvocationState is the lifecycle state of a single invocation.
type InvocationState string

const (
	// StatePending means the invocation has not started.
	StatePending InvocationState = "pending"

	// StateRunning means the invocation is executing.
	StateRunning InvocationState = "running"

	// StateSucceeded means the invocation completed with exit status zero.
	StateSucceeded InvocationState = "succeeded"

	// StateFailed means the invocation failed and the run aborted.
	StateFailed InvocationState = "failed"

	// StateDeferred means the invocation failed but deferFailure let the
	// run continue.
	StateDeferred InvocationState = "deferred"
)

// Terminal reports whether the state is final.
func (s InvocationState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateDeferred
}

// RunState is the overall state of one pipeline run.
type RunState string

const (
	// RunRunning means the plan is still executing.
	RunRunning RunState = "running"

	// RunCommitted means the plan completed and the final collection may
	// be persisted.
	RunCommitted RunState = "committed"

	// RunAborted means the run stopped without committing; the sink must
	// not be written.
	RunAborted RunState = "aborted"
)

// FunctionInvocation is one resolved unit of work in the execution plan.
type FunctionInvocation struct {
	// Declaration is the parsed function declaration.
	Declaration *FunctionDeclaration

	// Source is the declaring resource; it is passed to the function as
	// its functionConfig and remains a normal member of the collection.
	Source *resource.Resource

	// AnchorDir is the directory of the declaring resource; it bounds the
	// invocation's visibility scope.
	AnchorDir string

	// SequenceIndex is the invocation's position in the plan. It
	// disambiguates repeated invocations of the same declaration name.
	SequenceIndex int

	// State is the invocation's lifecycle state.
	State InvocationState
}

// Name returns the invocation's declaration name.
func (inv *FunctionInvocation) Name() string {
	return inv.Declaration.Name()
}

// ExecutionPlan is the ordered sequence of invocations for one run. It is
// fixed before execution begins and never mutated afterwards, except for
// per-invocation state transitions.
type ExecutionPlan struct {
	// Invocations are the planned invocations, in execution order.
	Invocations []*FunctionInvocation
}

// Empty reports whether the plan contains no invocations.
func (p *ExecutionPlan) Empty() bool {
	return p == nil || len(p.Invocations) == 0
}
