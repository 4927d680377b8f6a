package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

func TestDispatcher_ExecDisabledByDefault(t *testing.T) {
	d := New(t.TempDir())

	decl := &pipeline.FunctionDeclaration{
		Exec: &pipeline.ExecRuntime{Path: "bin/fn"},
	}
	_, err := d.Run(context.Background(), decl, testRequest(t), time.Minute)
	if err == nil {
		t.Fatal("Expected error when exec runtime is disabled, got nil")
	}
	if !strings.Contains(err.Error(), "allow-exec") {
		t.Errorf("Expected the error to name the gate, got: %v", err)
	}
}

func TestDispatcher_ExecRunsScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	root := t.TempDir()

	// An identity function: echo stdin back to stdout.
	script := "#!/bin/sh\ncat\n"
	bin := filepath.Join(root, "fn.sh")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	d := New(root, WithAllowExec(true))

	decl := &pipeline.FunctionDeclaration{
		Exec: &pipeline.ExecRuntime{Path: "fn.sh"},
	}
	resp, err := d.Run(context.Background(), decl, testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if resp.ExitCode != 0 || resp.ParseErr != nil {
		t.Fatalf("Expected success, got exit %d parse err %v", resp.ExitCode, resp.ParseErr)
	}
	if len(resp.List.Items) != 1 {
		t.Errorf("Expected the request echoed back, got %d items", len(resp.List.Items))
	}
}

func TestDispatcher_ExecNonzeroExitPreserved(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	root := t.TempDir()

	script := "#!/bin/sh\necho 'something broke' >&2\nexit 3\n"
	if err := os.WriteFile(filepath.Join(root, "fail.sh"), []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	d := New(root, WithAllowExec(true))

	decl := &pipeline.FunctionDeclaration{
		Exec: &pipeline.ExecRuntime{Path: "fail.sh"},
	}
	resp, err := d.Run(context.Background(), decl, testRequest(t), time.Minute)
	if err != nil {
		t.Fatalf("Expected a response, not an orchestrator error: %v", err)
	}
	if resp.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", resp.ExitCode)
	}
	if !strings.Contains(resp.Stderr, "something broke") {
		t.Errorf("Expected stderr preserved, got %q", resp.Stderr)
	}
	if resp.ParseErr == nil {
		t.Error("Expected a parse error for the empty response body")
	}
}

func TestDispatcher_ResolvePathRejectsEscapes(t *testing.T) {
	d := New(t.TempDir())

	for _, p := range []string{"/etc/passwd", "..", "../sibling/fn"} {
		if _, err := d.resolvePath(p); err == nil {
			t.Errorf("Expected error for path %q, got nil", p)
		}
	}
	if _, err := d.resolvePath("fns/transform.star"); err != nil {
		t.Errorf("Expected relative path accepted, got: %v", err)
	}
}

func TestDispatcher_NoRuntimeNamed(t *testing.T) {
	d := New(t.TempDir())

	_, err := d.Run(context.Background(), &pipeline.FunctionDeclaration{}, testRequest(t), time.Minute)
	if err == nil {
		t.Fatal("Expected error for a declaration without a runtime, got nil")
	}
}

func TestBuildResponse(t *testing.T) {
	wire, err := resource.EncodeList(testRequest(t))
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	resp := buildResponse(wire, []byte("diagnostic"), 0)
	if resp.ParseErr != nil {
		t.Fatalf("Expected parsable response, got: %v", resp.ParseErr)
	}
	if resp.Stderr != "diagnostic" {
		t.Errorf("Expected stderr preserved, got %q", resp.Stderr)
	}

	empty := buildResponse(nil, nil, 0)
	if empty.ParseErr == nil {
		t.Error("Expected parse error for an empty body")
	}

	garbage := buildResponse([]byte("kind: NotAList\n"), nil, 0)
	if garbage.ParseErr == nil {
		t.Error("Expected parse error for a non-list body")
	}
}
