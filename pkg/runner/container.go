package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/irschad/kpt/pkg/pipeline"
)

// runContainer executes a function as a container image. The request is
// written to the container's stdin, the response read from stdout and
// diagnostics from stderr. Containers run without network access unless the
// declaration asks for it and the dispatcher permits it.
func (d *Dispatcher) runContainer(ctx context.Context, rt *pipeline.ContainerRuntime, input []byte) (*pipeline.RunnerResponse, error) {
	args := []string{"run", "--rm", "-i"}
	if !(rt.Network && d.allowNetwork) {
		args = append(args, "--network=none")
	}
	args = append(args, rt.Image)

	cmd := exec.CommandContext(ctx, d.dockerBin, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug().Str("image", rt.Image).Msg("Running container function")

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run image %s: %w", rt.Image, err)
		}
		exitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("image %s: %w", rt.Image, ctxErr)
	}

	return buildResponse(stdout.Bytes(), stderr.Bytes(), exitCode), nil
}
