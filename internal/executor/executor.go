// Package executor runs a plan's tasks to completion, owning the shared
// context and the accumulating task-result vector. It is the only
// component with write access to either.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"missiongraph/internal/ast"
	"missiongraph/internal/clock"
	"missiongraph/internal/eval"
	"missiongraph/internal/graph"
	"missiongraph/internal/invoker"
	"missiongraph/internal/retry"
	tracepkg "missiongraph/internal/trace"
)

var tracer = otel.Tracer("missiongraph-executor")

// Options configures one run-plan invocation.
type Options struct {
	BaseDir      string
	Capabilities []string
	Launcher     invoker.Launcher
	JitterSource retry.JitterSource
}

func (o Options) launcher() invoker.Launcher {
	if o.Launcher != nil {
		return o.Launcher
	}
	return invoker.CommandLauncher{}
}

type payload struct {
	Task         string                 `json:"task"`
	Goal         string                 `json:"goal"`
	Constraints  []ast.Constraint       `json:"constraints"`
	Dependencies map[string]interface{} `json:"dependencies"`
	Variables    map[string]interface{} `json:"variables"`
}

// Execute runs every task in the plan's dependency order and returns the
// assembled trace. The only error it returns is a Resolver failure; any
// other failure is captured inside the trace itself.
func Execute(ctx context.Context, plan *ast.Plan, opts Options) (tracepkg.Trace, error) {
	ctx, span := tracer.Start(ctx, "plan.execute")
	defer span.End()

	levels, err := graph.Levels(ctx, plan.Tasks)
	if err != nil {
		return tracepkg.Trace{}, err
	}
	taskOrder := graph.TaskOrder(levels)
	startedAt := clock.Now()

	byName := make(map[string]ast.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byName[t.Name] = t
	}

	taskValues := map[string]interface{}{}
	variables := map[string]interface{}{}
	var results []invoker.Result

	for _, name := range taskOrder {
		task := byName[name]
		result := runTask(ctx, opts, plan, task, taskValues, variables)
		results = append(results, result)

		resultValue := toJSONValue(result)
		taskValues[task.Name] = resultValue

		if result.Status == "ok" {
			for k, v := range result.Output {
				if _, exists := taskValues[k]; !exists {
					variables[k] = v
				}
			}
		} else {
			break
		}
	}

	finishedAt := clock.Now()

	verifyCtx := make(map[string]interface{}, len(variables)+len(taskValues))
	for k, v := range variables {
		verifyCtx[k] = v
	}
	for k, v := range taskValues {
		verifyCtx[k] = v
	}

	constraintReports := make([]eval.ConstraintReport, 0, len(plan.Constraints))
	for _, c := range plan.Constraints {
		constraintReports = append(constraintReports, eval.EvaluateConstraint(c, variables))
	}
	verifyReports := make([]eval.VerifyReport, 0, len(plan.Verify))
	for _, v := range plan.Verify {
		verifyReports = append(verifyReports, eval.EvaluateVerify(v, verifyCtx))
	}

	span.SetAttributes(attribute.Int("tasks.executed", len(results)), attribute.Int("tasks.total", len(taskOrder)))

	return tracepkg.Assemble(plan.Goal, levels, taskOrder, opts.Capabilities, startedAt, finishedAt, results, constraintReports, verifyReports), nil
}

// RunTask executes a single named task from the plan in isolation, for
// the run-task CLI operation. Dependencies are never executed; their
// values, if required, come from the caller-supplied input map. If the
// task declares dependencies and allowDeps is false, RunTask refuses to
// run it.
func RunTask(ctx context.Context, plan *ast.Plan, taskName string, opts Options, input map[string]interface{}, allowDeps bool) (invoker.Result, error) {
	var task ast.Task
	found := false
	for _, t := range plan.Tasks {
		if t.Name == taskName {
			task = t
			found = true
			break
		}
	}
	if !found {
		return invoker.Result{}, fmt.Errorf("task '%s' not found in plan", taskName)
	}
	if len(task.After) > 0 && !allowDeps {
		return invoker.Result{}, fmt.Errorf("task '%s' has dependencies %v; pass --allow-deps and supply their values via --input", taskName, task.After)
	}

	taskValues := map[string]interface{}{}
	variables := map[string]interface{}{}
	for k, v := range input {
		if _, isDep := indexOf(task.After, k); isDep {
			taskValues[k] = v
			continue
		}
		variables[k] = v
	}

	return runTask(ctx, opts, plan, task, taskValues, variables), nil
}

func indexOf(names []string, name string) (int, bool) {
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

func runTask(ctx context.Context, opts Options, plan *ast.Plan, task ast.Task, taskValues, variables map[string]interface{}) invoker.Result {
	ctx, span := tracer.Start(ctx, "task.execute", trace.WithAttributes(attribute.String("task", task.Name)))
	defer span.End()

	workerPath, resolveErr := resolveWorkerPath(opts.BaseDir, task.Worker)

	deps := map[string]interface{}{}
	for _, dep := range task.After {
		if v, ok := taskValues[dep]; ok {
			deps[dep] = v
		}
	}
	pl := payload{
		Task:         task.Name,
		Goal:         plan.Goal,
		Constraints:  plan.Constraints,
		Dependencies: deps,
		Variables:    copyMap(variables),
	}
	payloadJSON, marshalErr := json.Marshal(pl)

	if resolveErr != nil || marshalErr != nil {
		startedAt := clock.Now()
		var reason string
		if resolveErr != nil {
			reason = resolveErr.Error()
		} else {
			reason = fmt.Sprintf("failed to serialize task payload: %v", marshalErr)
		}
		finishedAt := clock.Now()
		return invoker.Result{
			Task:       task.Name,
			Worker:     workerPath,
			Status:     "error",
			Confidence: 0,
			Output:     map[string]interface{}{},
			Error:      reason,
			ErrorCode:  invoker.ErrRuntimeExecutionFailure,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			Provenance: map[string]interface{}{
				"worker":      workerPath,
				"command":     "python3 " + workerPath,
				"worker_ref":  task.Worker,
				"return_code": nil,
			},
		}
	}

	policy := invoker.Policy{
		TimeoutSeconds: task.TimeoutSeconds,
		Retries:        task.Retries,
		RetryIf:        task.EffectiveRetryIf(),
		BackoffSeconds: task.BackoffSeconds,
		JitterSeconds:  task.JitterSeconds,
	}
	maxAttempts := task.MaxAttempts()
	launcher := opts.launcher()

	return retry.Run(ctx, policy, opts.JitterSource, func(attempt int) invoker.Result {
		return invoker.Invoke(ctx, launcher, task.Name, task.Worker, workerPath, string(payloadJSON), policy, attempt, maxAttempts)
	})
}

// resolveWorkerPath joins a task's worker reference with base_dir unless
// it is already absolute, and confirms the result exists on disk.
func resolveWorkerPath(baseDir, worker string) (string, error) {
	if worker == "" {
		return "", fmt.Errorf("worker string is empty")
	}
	path := worker
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, worker)
	}
	if _, err := os.Stat(path); err != nil {
		return path, fmt.Errorf("worker path does not exist: %s", path)
	}
	return path, nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// toJSONValue round-trips v through JSON so it can be addressed as a
// generic map[string]interface{}/[]interface{} value by the expression
// evaluator.
func toJSONValue(v interface{}) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
