// Package runner implements the function runtimes the pipeline executor
// dispatches to: container images, local executables, in-process Starlark
// scripts and WASI modules. All runtimes speak the same protocol: the
// serialized request resource list goes in, a serialized response list comes
// out, free-text diagnostics go to the error channel, and a zero exit status
// means success.
//
// Runtimes are isolated between calls: nothing is shared across invocations,
// and a runtime never retains a reference to its request.
package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

// Dispatcher routes an invocation to the runtime its declaration names.
// It implements pipeline.Runner.
type Dispatcher struct {
	// root is the resource tree root; exec, starlark and wasm paths are
	// resolved against it and may not escape it.
	root string

	// allowExec gates the local-executable runtime.
	allowExec bool

	// allowNetwork gates network access for container runtimes that
	// request it.
	allowNetwork bool

	// dockerBin is the container CLI binary.
	dockerBin string

	logger zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAllowExec enables the local-executable runtime.
func WithAllowExec(allow bool) Option {
	return func(d *Dispatcher) { d.allowExec = allow }
}

// WithAllowNetwork permits container functions to request network access.
func WithAllowNetwork(allow bool) Option {
	return func(d *Dispatcher) { d.allowNetwork = allow }
}

// WithDockerBinary overrides the container CLI binary.
func WithDockerBinary(bin string) Option {
	return func(d *Dispatcher) { d.dockerBin = bin }
}

// WithRunnerLogger sets the dispatcher's logger.
func WithRunnerLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher rooted at the given resource tree directory.
func New(root string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		root:      root,
		dockerBin: "docker",
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one invocation's runtime with the given request and timeout.
func (d *Dispatcher) Run(ctx context.Context, decl *pipeline.FunctionDeclaration, request *resource.List, timeout time.Duration) (*pipeline.RunnerResponse, error) {
	input, err := resource.EncodeList(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case decl.Container != nil:
		return d.runContainer(ctx, decl.Container, input)
	case decl.Exec != nil:
		return d.runExec(ctx, decl.Exec, input)
	case decl.Starlark != nil:
		return d.runStarlark(ctx, decl.Starlark, input)
	case decl.Wasm != nil:
		return d.runWasm(ctx, decl.Wasm, input)
	default:
		return nil, fmt.Errorf("declaration names no runtime")
	}
}

// resolvePath resolves a declaration-relative path against the tree root,
// rejecting escapes.
func (d *Dispatcher) resolvePath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the resource tree", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the resource tree", rel)
	}
	return filepath.Join(d.root, clean), nil
}

// buildResponse parses raw runtime output into a response. Unparsable output
// is reported through ParseErr, never silently dropped.
func buildResponse(stdout, stderr []byte, exitCode int) *pipeline.RunnerResponse {
	resp := &pipeline.RunnerResponse{
		ExitCode: exitCode,
		Stderr:   string(stderr),
	}
	if len(stdout) == 0 {
		resp.ParseErr = fmt.Errorf("runtime produced no response body")
		return resp
	}
	list, err := resource.DecodeList(stdout)
	if err != nil {
		resp.ParseErr = err
		return resp
	}
	resp.List = list
	return resp
}
