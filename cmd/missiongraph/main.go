// Command missiongraph runs the four subcommands of the plan execution
// engine: check-ast, trace-skeleton, run-task, and run-plan.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"missiongraph/internal/ast"
	"missiongraph/internal/executor"
	"missiongraph/internal/graph"
	"missiongraph/internal/telemetry/logging"
	"missiongraph/internal/telemetry/otelinit"
	tracepkg "missiongraph/internal/trace"
)

func main() {
	logging.Init("missiongraph")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, "missiongraph")
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, "missiongraph")
	defer func() {
		otelinit.Flush(context.Background(), shutdownTrace)
		_ = shutdownMetrics(context.Background())
	}()

	runID := uuid.NewString()
	slog.Info("missiongraph invoked", "run_id", runID, "args", os.Args[1:])

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: missiongraph <check-ast|trace-skeleton|run-task|run-plan> ...")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "check-ast":
		err = runCheckAST(ctx, os.Args[2:])
	case "trace-skeleton":
		err = runTraceSkeleton(ctx, os.Args[2:])
	case "run-task":
		err = runRunTask(ctx, os.Args[2:])
	case "run-plan":
		err = runRunPlan(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		os.Exit(1)
	}
}

func loadPlan(path string) (*ast.Plan, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read AST file: %w", err)
	}
	plan, err := ast.Parse(data)
	if err != nil {
		return nil, data, err
	}
	return plan, data, nil
}

func validatePlan(ctx context.Context, plan *ast.Plan) error {
	if err := ast.ValidateVersion(plan); err != nil {
		return err
	}
	if _, err := graph.Levels(ctx, plan.Tasks); err != nil {
		return err
	}
	return nil
}

type checkAstOutput struct {
	OK         bool   `json:"ok"`
	ASTVersion string `json:"ast_version"`
	Goal       string `json:"goal"`
	TaskCount  int    `json:"task_count"`
	Error      string `json:"error,omitempty"`
}

func runCheckAST(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check-ast", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit JSON output")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: check-ast <path> [--json]")
		return fmt.Errorf("missing path")
	}
	path := fs.Arg(0)

	plan, _, parseErr := loadPlan(path)
	if parseErr != nil {
		return emitCheck(*jsonOut, checkAstOutput{OK: false, Error: parseErr.Error()})
	}

	validateErr := validatePlan(ctx, plan)
	out := checkAstOutput{
		OK:         validateErr == nil,
		ASTVersion: plan.ASTVersion,
		Goal:       plan.Goal,
		TaskCount:  len(plan.Tasks),
	}
	if validateErr != nil {
		out.Error = validateErr.Error()
	}
	return emitCheck(*jsonOut, out)
}

func emitCheck(jsonOut bool, out checkAstOutput) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	} else if out.OK {
		fmt.Println("ok")
	} else {
		fmt.Println("failed")
		fmt.Fprintln(os.Stderr, out.Error)
	}
	if !out.OK {
		return fmt.Errorf(out.Error)
	}
	return nil
}

func runTraceSkeleton(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trace-skeleton", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit JSON output")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: trace-skeleton <path> [--json]")
		return fmt.Errorf("missing path")
	}
	path := fs.Arg(0)

	plan, _, parseErr := loadPlan(path)
	if parseErr != nil {
		return emitCheck(*jsonOut, checkAstOutput{OK: false, Error: parseErr.Error()})
	}

	versionErr := ast.ValidateVersion(plan)
	levels, levelsErr := graph.Levels(ctx, plan.Tasks)
	failed := versionErr != nil || levelsErr != nil

	if failed && levels == nil {
		levels = graph.FallbackLevels(plan.Tasks)
	}
	taskOrder := graph.TaskOrder(levels)

	skeleton := map[string]interface{}{
		"trace_version": tracepkg.Version,
		"goal":          plan.Goal,
		"status":        "ok",
		"execution": tracepkg.Execution{
			Mode:        graph.Mode(levels),
			MaxParallel: graph.MaxParallel(levels),
			Levels:      levels,
		},
		"task_order": taskOrder,
	}
	if failed {
		skeleton["status"] = "failed"
		var reason error
		if versionErr != nil {
			reason = versionErr
		} else {
			reason = levelsErr
		}
		skeleton["error"] = reason.Error()
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(skeleton)
	} else if !failed {
		fmt.Println("ok")
	} else {
		fmt.Println("failed")
		fmt.Fprintln(os.Stderr, skeleton["error"])
	}
	if failed {
		return fmt.Errorf("trace-skeleton failed")
	}
	return nil
}

func runRunTask(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run-task", flag.ExitOnError)
	taskName := fs.String("task", "", "task name to run")
	baseDir := fs.String("base-dir", ".", "base directory for relative worker paths")
	inputJSON := fs.String("input", "{}", "JSON object seeding variables/dependency values")
	allowDeps := fs.Bool("allow-deps", false, "permit running a task that declares dependencies")
	jsonOut := fs.Bool("json", false, "emit JSON output")
	fs.Parse(args)
	if fs.NArg() < 1 || *taskName == "" {
		fmt.Fprintln(os.Stderr, "usage: run-task <path> --task <name> [--base-dir <d>] [--input <json>] [--allow-deps] [--json]")
		return fmt.Errorf("missing path or --task")
	}
	path := fs.Arg(0)

	plan, _, parseErr := loadPlan(path)
	if parseErr != nil {
		fmt.Fprintln(os.Stderr, parseErr)
		return parseErr
	}
	if err := ast.ValidateVersion(plan); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	var input map[string]interface{}
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		err = fmt.Errorf("invalid --input JSON: %w", err)
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	result, err := executor.RunTask(ctx, plan, *taskName, executor.Options{BaseDir: *baseDir}, input, *allowDeps)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else if result.Status == "ok" {
		fmt.Println("ok")
	} else {
		fmt.Println("failed")
		fmt.Fprintln(os.Stderr, result.Error)
	}
	if result.Status != "ok" {
		return fmt.Errorf("task failed")
	}
	return nil
}

func runRunPlan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run-plan", flag.ExitOnError)
	baseDir := fs.String("base-dir", ".", "base directory for relative worker paths")
	jsonOut := fs.Bool("json", false, "emit JSON output")
	var capabilities stringSliceFlag
	fs.Var(&capabilities, "capability", "declare an operator capability (repeatable)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: run-plan <path> [--base-dir <d>] [--capability <c>]* [--json]")
		return fmt.Errorf("missing path")
	}
	path := fs.Arg(0)

	plan, _, parseErr := loadPlan(path)
	if parseErr != nil {
		return emitRunPlanFailure(*jsonOut, parseErr)
	}
	if err := validatePlan(ctx, plan); err != nil {
		return emitRunPlanFailure(*jsonOut, err)
	}

	tr, err := executor.Execute(ctx, plan, executor.Options{BaseDir: *baseDir, Capabilities: capabilities})
	if err != nil {
		return emitRunPlanFailure(*jsonOut, err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(tr)
	} else if tr.Status == "ok" {
		fmt.Println("ok")
	} else {
		fmt.Println("failed")
		fmt.Fprintln(os.Stderr, diagnoseTraceFailure(tr))
	}
	if tr.Status != "ok" {
		return fmt.Errorf("plan failed")
	}
	return nil
}

// diagnoseTraceFailure reports the first concrete reason a completed
// trace's overall status is "failed", in priority order: the first task
// that didn't succeed, else the first failing constraint, else the
// verify summary's failures.
func diagnoseTraceFailure(tr tracepkg.Trace) string {
	for _, t := range tr.Tasks {
		if t.Status != "ok" {
			return fmt.Sprintf("task '%s' failed: %s (%s)", t.Task, t.Error, t.ErrorCode)
		}
	}
	for _, c := range tr.Constraints {
		if c.Passed != nil && !*c.Passed {
			reason := c.Reason
			if reason == "" {
				reason = "constraint not satisfied"
			}
			return fmt.Sprintf("constraint failed at line %d: %s (%s)", c.Line, c.Expression, reason)
		}
	}
	if tr.VerifySummary.Failed > 0 {
		parts := make([]string, 0, len(tr.VerifySummary.Failures))
		for _, f := range tr.VerifySummary.Failures {
			parts = append(parts, fmt.Sprintf("line %d: %s", f.Line, f.Expression))
		}
		return fmt.Sprintf("%d verify check(s) failed: %s", tr.VerifySummary.Failed, strings.Join(parts, "; "))
	}
	return "plan failed"
}

func emitRunPlanFailure(jsonOut bool, err error) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(tracepkg.NewFailure(err))
	} else {
		fmt.Println("failed")
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

// stringSliceFlag implements flag.Value for repeatable --capability flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return fmt.Sprint([]string(*s))
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}
