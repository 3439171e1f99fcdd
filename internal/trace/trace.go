// Package trace assembles the final audited record of a plan run: the
// sole artifact this engine externalizes.
package trace

import (
	"sort"

	"missiongraph/internal/eval"
	"missiongraph/internal/invoker"
)

// Version is the trace document's contract version.
const Version = "1.1"

// Execution describes the structural/runtime shape of the plan's graph.
type Execution struct {
	Mode        string     `json:"mode"`
	MaxParallel int        `json:"max_parallel"`
	Levels      [][]string `json:"levels"`
}

// Trace is the complete audit record of one run-plan invocation.
type Trace struct {
	TraceVersion  string                   `json:"trace_version"`
	Goal          string                   `json:"goal"`
	Status        string                   `json:"status"`
	StartedAt     string                   `json:"started_at"`
	FinishedAt    string                   `json:"finished_at"`
	Capabilities  []string                 `json:"capabilities"`
	Execution     Execution                `json:"execution"`
	TaskOrder     []string                 `json:"task_order"`
	Tasks         []invoker.Result         `json:"tasks"`
	Constraints   []eval.ConstraintReport  `json:"constraints"`
	Verify        []eval.VerifyReport      `json:"verify"`
	VerifySummary eval.VerifySummary       `json:"verify_summary"`
}

// Failure is the minimal document emitted when a malformed AST fails the
// whole operation before any task runs.
type Failure struct {
	TraceVersion string `json:"trace_version"`
	Status       string `json:"status"`
	Error        string `json:"error"`
}

// NewFailure builds the minimal failure trace for a malformed plan.
func NewFailure(err error) Failure {
	return Failure{TraceVersion: Version, Status: "failed", Error: err.Error()}
}

// Capabilities sorts and deduplicates a raw capability list for inclusion
// in the trace.
func Capabilities(raw []string) []string {
	set := make(map[string]bool, len(raw))
	for _, c := range raw {
		set[c] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Assemble composes the final trace document from the executor's
// accumulated state.
func Assemble(
	goal string,
	levels [][]string,
	taskOrder []string,
	capabilities []string,
	startedAt, finishedAt string,
	tasks []invoker.Result,
	constraints []eval.ConstraintReport,
	verify []eval.VerifyReport,
) Trace {
	summary := eval.Summarize(verify)

	allTasksOk := true
	for _, t := range tasks {
		if t.Status != "ok" {
			allTasksOk = false
		}
	}
	constraintsOk := true
	for _, c := range constraints {
		if c.Passed != nil && !*c.Passed {
			constraintsOk = false
		}
	}
	status := "failed"
	if allTasksOk && constraintsOk && summary.Failed == 0 {
		status = "ok"
	}

	return Trace{
		TraceVersion: Version,
		Goal:         goal,
		Status:       status,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		Capabilities: Capabilities(capabilities),
		Execution: Execution{
			Mode:        "sequential",
			MaxParallel: 1,
			Levels:      levels,
		},
		TaskOrder:     taskOrder,
		Tasks:         tasks,
		Constraints:   constraints,
		Verify:        verify,
		VerifySummary: summary,
	}
}
