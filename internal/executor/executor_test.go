package executor

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"missiongraph/internal/ast"
	"missiongraph/internal/invoker"
)

type scriptLauncher struct {
	scriptFor func(workerPath string) string
}

func (s scriptLauncher) Command(ctx context.Context, workerPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "/bin/sh", "-c", s.scriptFor(workerPath))
}

func okLauncher() invoker.Launcher {
	return scriptLauncher{scriptFor: func(string) string {
		return `cat >/dev/null; echo '{"status":"ok","output":{"passed":true}}'`
	}}
}

func failLauncher() invoker.Launcher {
	return scriptLauncher{scriptFor: func(string) string {
		return `cat >/dev/null; exit 1`
	}}
}

func writeWorkerStub(t *testing.T, dir, name string) string {
	t.Helper()
	path := dir + "/" + name
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write worker stub: %v", err)
	}
	return path
}

func TestExecuteSequentialChain(t *testing.T) {
	dir := t.TempDir()
	writeWorkerStub(t, dir, "a.py")
	writeWorkerStub(t, dir, "b.py")

	plan := &ast.Plan{
		ASTVersion: "1.1",
		Goal:       "hello",
		Tasks: []ast.Task{
			{Name: "a", Worker: "a.py"},
			{Name: "b", Worker: "b.py", After: []string{"a"}},
		},
	}
	opts := Options{BaseDir: dir, Launcher: okLauncher()}
	tr, err := Execute(context.Background(), plan, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Status != "ok" {
		t.Fatalf("status = %q", tr.Status)
	}
	if len(tr.Tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tr.Tasks))
	}
	if tr.TaskOrder[0] != "a" || tr.TaskOrder[1] != "b" {
		t.Fatalf("task_order = %v", tr.TaskOrder)
	}
}

func TestExecuteHaltsOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeWorkerStub(t, dir, "a.py")
	writeWorkerStub(t, dir, "b.py")

	plan := &ast.Plan{
		ASTVersion: "1.1",
		Goal:       "hello",
		Tasks: []ast.Task{
			{Name: "a", Worker: "a.py"},
			{Name: "b", Worker: "b.py", After: []string{"a"}},
		},
	}
	opts := Options{BaseDir: dir, Launcher: failLauncher()}
	tr, err := Execute(context.Background(), plan, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Status != "failed" {
		t.Fatalf("status = %q, want failed", tr.Status)
	}
	if len(tr.Tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1 (halt after first failure)", len(tr.Tasks))
	}
	if len(tr.TaskOrder) != 2 {
		t.Fatalf("task_order should still list both tasks, got %v", tr.TaskOrder)
	}
}

func TestExecuteMissingWorkerPathFailsWithoutSpawning(t *testing.T) {
	dir := t.TempDir()
	plan := &ast.Plan{
		ASTVersion: "1.1",
		Goal:       "hello",
		Tasks:      []ast.Task{{Name: "a", Worker: "missing.py"}},
	}
	opts := Options{BaseDir: dir, Launcher: okLauncher()}
	tr, err := Execute(context.Background(), plan, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Status != "failed" {
		t.Fatalf("status = %q, want failed", tr.Status)
	}
	if tr.Tasks[0].ErrorCode != invoker.ErrRuntimeExecutionFailure {
		t.Fatalf("error_code = %q", tr.Tasks[0].ErrorCode)
	}
}

func TestExecuteContextPromotionTaskNamesWin(t *testing.T) {
	dir := t.TempDir()
	writeWorkerStub(t, dir, "a.py")
	writeWorkerStub(t, dir, "b.py")

	// "a" finishes with an output field literally named "b" (a later
	// task's name). Task "b" has no task value yet, so the field is
	// promoted into variables; once "b" has run, its task value wins over
	// that variable in the verify context, so "b.status" resolves to "ok".
	launcher := scriptLauncher{scriptFor: func(workerPath string) string {
		if workerPath == dir+"/a.py" {
			return `cat >/dev/null; echo '{"status":"ok","output":{"b":"shadow","safe":"ok"}}'`
		}
		return `cat >/dev/null; echo '{"status":"ok"}'`
	}}

	plan := &ast.Plan{
		ASTVersion: "1.1",
		Goal:       "hello",
		Tasks: []ast.Task{
			{Name: "a", Worker: "a.py"},
			{Name: "b", Worker: "b.py", After: []string{"a"}},
		},
		Verify: []ast.VerifyCheck{{Expression: `b.status == "ok"`, Line: 1}},
	}
	opts := Options{BaseDir: dir, Launcher: launcher}
	tr, err := Execute(context.Background(), plan, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Status != "ok" {
		t.Fatalf("status = %q", tr.Status)
	}
}

func TestRunTaskRejectsDependenciesWithoutAllowDeps(t *testing.T) {
	dir := t.TempDir()
	writeWorkerStub(t, dir, "b.py")
	plan := &ast.Plan{
		ASTVersion: "1.1",
		Goal:       "hello",
		Tasks: []ast.Task{
			{Name: "a", Worker: "a.py"},
			{Name: "b", Worker: "b.py", After: []string{"a"}},
		},
	}
	_, err := RunTask(context.Background(), plan, "b", Options{BaseDir: dir, Launcher: okLauncher()}, nil, false)
	if err == nil {
		t.Fatal("expected error for task with dependencies and no --allow-deps")
	}
}

func TestRunTaskExecutesIsolatedTask(t *testing.T) {
	dir := t.TempDir()
	writeWorkerStub(t, dir, "a.py")
	plan := &ast.Plan{
		ASTVersion: "1.1",
		Goal:       "hello",
		Tasks:      []ast.Task{{Name: "a", Worker: "a.py"}},
	}
	result, err := RunTask(context.Background(), plan, "a", Options{BaseDir: dir, Launcher: okLauncher()}, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %q", result.Status)
	}
}
