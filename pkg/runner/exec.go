package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/irschad/kpt/pkg/pipeline"
)

// runExec executes a function as a local executable over the same stdio
// protocol as container functions. Local executables run unsandboxed, so the
// runtime is disabled unless the operator opts in.
func (d *Dispatcher) runExec(ctx context.Context, rt *pipeline.ExecRuntime, input []byte) (*pipeline.RunnerResponse, error) {
	if !d.allowExec {
		return nil, fmt.Errorf("exec runtime is disabled; enable allow-exec to run %s", rt.Path)
	}

	bin, err := d.resolvePath(rt.Path)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, bin)
	cmd.Dir = d.root
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug().Str("path", rt.Path).Msg("Running exec function")

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", rt.Path, runErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s: %w", rt.Path, ctxErr)
	}

	return buildResponse(stdout.Bytes(), stderr.Bytes(), exitCode), nil
}
