package commands

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/irschad/kpt/pkg/pipeline"
	"github.com/irschad/kpt/pkg/resource"
)

func TestPrintSummaryJSON(t *testing.T) {
	plan := &pipeline.ExecutionPlan{Invocations: []*pipeline.FunctionInvocation{
		{SequenceIndex: 0, State: pipeline.StateSucceeded},
		{SequenceIndex: 1, State: pipeline.StateDeferred},
	}}
	result := &pipeline.RunResult{
		RunID:    "run-1",
		State:    pipeline.RunCommitted,
		ExitCode: 1,
		Results: []resource.ResultSet{{
			Name:          "example/fn:v1",
			SequenceIndex: 1,
			Items: []resource.FunctionResult{
				{Severity: resource.SeverityWarning, Message: "replica count is low"},
			},
		}},
	}

	var buf bytes.Buffer
	if err := printSummaryJSON(&buf, result, plan); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var got runSummary
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Expected valid JSON, got: %v\n%s", err, buf.String())
	}
	if got.RunID != "run-1" || got.State != "committed" || got.ExitCode != 1 {
		t.Errorf("Expected run-1/committed/1, got %s/%s/%d", got.RunID, got.State, got.ExitCode)
	}
	if got.Invocations != 2 || got.Deferred != 1 {
		t.Errorf("Expected 2 invocations with 1 deferred, got %d/%d", got.Invocations, got.Deferred)
	}
	if len(got.Results) != 1 || got.Results[0].Items[0].Message != "replica count is low" {
		t.Errorf("Expected the result set in the summary, got %+v", got.Results)
	}
}
