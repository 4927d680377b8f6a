package pipeline

import (
	"github.com/irschad/kpt/pkg/resource"
)

// Aggregator collects the result sets emitted by each invocation, computes
// the overall severity, and is the sole writer of the final exit status.
// Result sets are kept in invocation order for deterministic output.
type Aggregator struct {
	sets     []resource.ResultSet
	deferred bool
	aborted  bool
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record appends a result set. Sets from repeated invocations of the same
// declaration name are kept distinct by sequence index, never overwritten.
func (a *Aggregator) Record(set resource.ResultSet) {
	a.sets = append(a.sets, set)
}

// MarkDeferred notes that an invocation ended in the Deferred state. The run
// may still commit, but the final exit status is failure.
func (a *Aggregator) MarkDeferred() {
	a.deferred = true
}

// MarkAborted notes that the run ended in the Aborted state.
func (a *Aggregator) MarkAborted() {
	a.aborted = true
}

// ResultSets returns all recorded sets in invocation order.
func (a *Aggregator) ResultSets() []resource.ResultSet {
	return a.sets
}

// Severity returns the maximum severity across every recorded result.
// An aggregator with no results reports the zero severity.
func (a *Aggregator) Severity() resource.Severity {
	var max resource.Severity
	for _, set := range a.sets {
		max = resource.MaxSeverity(max, set.Severity())
	}
	return max
}

// FinalStatus computes the run's exit code: nonzero iff any recorded result
// has error severity, any invocation was deferred, or the run aborted.
func (a *Aggregator) FinalStatus() int {
	if a.aborted || a.deferred || a.Severity() == resource.SeverityError {
		return 1
	}
	return 0
}
