package resource

// Severity classifies a single function result.
type Severity string

const (
	// SeverityError indicates a validation or transformation failure.
	SeverityError Severity = "error"

	// SeverityWarning indicates a condition worth surfacing that does not
	// fail the run on its own.
	SeverityWarning Severity = "warning"

	// SeverityInfo is informational output.
	SeverityInfo Severity = "info"
)

// rank orders severities for aggregation: error > warning > info.
func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// MaxSeverity returns the more severe of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// FileRef locates a result within the source tree.
type FileRef struct {
	// Path is the file path relative to the tree root.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Index is the document index within the file.
	Index int `yaml:"index,omitempty" json:"index,omitempty"`
}

// FieldRef locates a result within a resource document.
type FieldRef struct {
	// Path is the dotted path to the field (e.g. "spec.replicas").
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// CurrentValue is the value the function observed.
	CurrentValue string `yaml:"currentValue,omitempty" json:"currentValue,omitempty"`

	// SuggestedValue is the value the function suggests.
	SuggestedValue string `yaml:"suggestedValue,omitempty" json:"suggestedValue,omitempty"`
}

// FunctionResult is one structured result emitted by a function. Only
// Severity and Message are required.
type FunctionResult struct {
	// Severity classifies the result.
	Severity Severity `yaml:"severity" json:"severity"`

	// Message is the human-readable result message.
	Message string `yaml:"message" json:"message"`

	// Tags are free-form key/value pairs attached by the function.
	Tags map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// ResourceRef identifies the resource the result refers to.
	ResourceRef *Identity `yaml:"resourceRef,omitempty" json:"resourceRef,omitempty"`

	// File locates the result within the source tree.
	File *FileRef `yaml:"file,omitempty" json:"file,omitempty"`

	// Field locates the result within the resource document.
	Field *FieldRef `yaml:"field,omitempty" json:"field,omitempty"`
}

// ResultSet is the ordered list of results from one function invocation.
// Same-named declarations invoked multiple times are told apart by the
// sequence index; a recorded set is never overwritten.
type ResultSet struct {
	// Name identifies the invocation, derived from its declaration.
	Name string `yaml:"name" json:"name"`

	// SequenceIndex is the invocation's position in the execution plan.
	SequenceIndex int `yaml:"sequenceIndex" json:"sequenceIndex"`

	// ExitCode is the runtime's exit status for the invocation.
	ExitCode int `yaml:"exitCode,omitempty" json:"exitCode,omitempty"`

	// Stderr is the free-text diagnostic output of the invocation.
	Stderr string `yaml:"stderr,omitempty" json:"stderr,omitempty"`

	// Items are the structured results, in emission order.
	Items []FunctionResult `yaml:"items,omitempty" json:"items,omitempty"`
}

// Severity returns the maximum severity across the set's items.
func (rs ResultSet) Severity() Severity {
	var max Severity
	for _, item := range rs.Items {
		max = MaxSeverity(max, item.Severity)
	}
	return max
}
