package harness

import "github.com/roach88/ghcoord/internal/value"

// TraceEntry records one executed step.
type TraceEntry struct {
	Step    int    `json:"step"`
	Op      string `json:"op"`
	Key     string `json:"key"`
	Outcome string `json:"outcome"`

	// Observed is what the step read back; nil for append.
	Observed value.Value `json:"observed,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect and expect_error matched.
	Pass bool `json:"pass"`

	// Trace has one entry per step, in order.
	Trace []TraceEntry `json:"trace"`

	// Errors contains one message per mismatch.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
	}
}

// AddError records a mismatch and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a step record.
func (r *Result) AddTrace(entry TraceEntry) {
	r.Trace = append(r.Trace, entry)
}

// canonical converts the trace into plain maps for canonical JSON.
func (r *Result) canonical() []any {
	out := make([]any, len(r.Trace))
	for i, e := range r.Trace {
		m := map[string]any{
			"step":    e.Step,
			"op":      e.Op,
			"key":     e.Key,
			"outcome": e.Outcome,
		}
		if e.Observed != nil {
			m["observed"] = e.Observed
		}
		out[i] = m
	}
	return out
}
