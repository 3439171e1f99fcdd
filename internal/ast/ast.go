// Package ast defines the MissionGraph plan document: the declarative,
// parser-produced input that the engine executes. Parsing and structural
// validation live here; dependency-graph validation lives in internal/graph.
package ast

import (
	"encoding/json"
	"fmt"
)

// SupportedVersion is the only ast_version this runtime accepts.
const SupportedVersion = "1.1"

// DefaultRetryIf is the retry predicate used when a task omits retry_if.
const DefaultRetryIf = "error"

// Plan is the top-level AST document produced by the (out-of-scope) source
// language parser.
type Plan struct {
	ASTVersion  string       `json:"ast_version"`
	Goal        string       `json:"goal"`
	Tasks       []Task       `json:"tasks"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Verify      []VerifyCheck `json:"verify,omitempty"`
}

// Task is one node of the plan graph, bound to an external worker.
type Task struct {
	Name           string   `json:"name"`
	Worker         string   `json:"worker"`
	After          []string `json:"after,omitempty"`
	TimeoutSeconds float64  `json:"timeout_seconds,omitempty"`
	Retries        int      `json:"retries,omitempty"`
	RetryIf        string   `json:"retry_if,omitempty"`
	BackoffSeconds float64  `json:"backoff_seconds,omitempty"`
	JitterSeconds  float64  `json:"jitter_seconds,omitempty"`
}

// EffectiveRetryIf returns the task's retry predicate with the default
// applied.
func (t Task) EffectiveRetryIf() string {
	if t.RetryIf == "" {
		return DefaultRetryIf
	}
	return t.RetryIf
}

// MaxAttempts returns retries+1, the total number of attempts the Retry
// Controller will make for this task.
func (t Task) MaxAttempts() int {
	return t.Retries + 1
}

// Constraint is a plan-level postcondition checked against the shared
// variables after execution completes.
type Constraint struct {
	Key   string      `json:"key"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
	Line  int         `json:"line"`
}

// VerifyCheck is a free-form boolean/comparison expression checked against
// the full accumulated context after execution completes.
type VerifyCheck struct {
	Expression string `json:"expression"`
	Line       int    `json:"line"`
}

// Parse decodes a raw AST document. Unknown fields are ignored; missing
// optional arrays default to empty, matching the JSON tags above.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("invalid AST JSON: %w", err)
	}
	return &plan, nil
}

// ValidateVersion checks the plan's ast_version against the version this
// runtime understands.
func ValidateVersion(plan *Plan) error {
	if plan.ASTVersion != SupportedVersion {
		return fmt.Errorf("unsupported ast_version '%s', expected '%s'", plan.ASTVersion, SupportedVersion)
	}
	return nil
}
