package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/irschad/kpt/pkg/pipeline"
)

// runWasm executes a function as a WASI command module. The module reads the
// request from stdin and writes the response to stdout, like the process
// runtimes; its exit status comes from the module's own exit call. Each
// invocation gets a fresh runtime, so modules share no state.
func (d *Dispatcher) runWasm(ctx context.Context, rt *pipeline.WasmRuntime, input []byte) (*pipeline.RunnerResponse, error) {
	path, err := d.resolvePath(rt.Path)
	if err != nil {
		return nil, err
	}
	moduleBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module: %w", err)
	}

	d.logger.Debug().Str("module", rt.Path).Msg("Running wasm function")

	runtimeConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	wasmRuntime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer wasmRuntime.Close(ctx)

	wasi_snapshot_preview1.MustInstantiate(ctx, wasmRuntime)

	compiled, err := wasmRuntime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile wasm module %s: %w", rt.Path, err)
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	exitCode := 0
	mod, err := wasmRuntime.InstantiateModule(ctx, compiled, moduleConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run wasm module %s: %w", rt.Path, err)
		}
		exitCode = int(exitErr.ExitCode())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("wasm module %s: %w", rt.Path, ctxErr)
	}

	return buildResponse(stdout.Bytes(), stderr.Bytes(), exitCode), nil
}
