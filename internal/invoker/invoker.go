// Package invoker spawns the external worker process backing one task
// attempt, capturing its stdout/stderr, enforcing the attempt timeout, and
// normalizing whatever it wrote into a TaskResult.
//
// Launch strategy is factored behind a small interface even though only
// one concrete strategy (a bare "python3 <path>" subprocess) exists today,
// so a different launch mechanism can be substituted without touching the
// classification rules below.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"missiongraph/internal/clock"
)

// Error codes recorded on a failed TaskResult.
const (
	ErrRuntimeExecutionFailure = "RUNTIME_EXECUTION_FAILURE"
	ErrWorkerOutputJSONInvalid = "WORKER_OUTPUT_JSON_INVALID"
	ErrWorkerExitNonzero       = "WORKER_EXIT_NONZERO"
	ErrWorkerTimeout           = "WORKER_TIMEOUT"
)

var tracer = otel.Tracer("missiongraph-invoker")

// Policy is the subset of a task's retry configuration the invoker needs
// to report provenance for one attempt; the Retry Controller owns the
// retry loop itself.
type Policy struct {
	TimeoutSeconds float64
	Retries        int
	RetryIf        string
	BackoffSeconds float64
	JitterSeconds  float64
}

// Result is one task attempt's normalized outcome.
type Result struct {
	Task       string                 `json:"task"`
	Worker     string                 `json:"worker"`
	Status     string                 `json:"status"`
	Confidence float64                `json:"confidence"`
	Output     map[string]interface{} `json:"output"`
	Error      string                 `json:"error"`
	ErrorCode  string                 `json:"error_code"`
	Stderr     string                 `json:"stderr,omitempty"`
	StartedAt  string                 `json:"started_at"`
	FinishedAt string                 `json:"finished_at"`
	Provenance map[string]interface{} `json:"provenance"`
}

// Launcher builds the subprocess command for a worker path. The only
// production implementation is CommandLauncher; tests substitute others.
type Launcher interface {
	Command(ctx context.Context, workerPath string) *exec.Cmd
}

// CommandLauncher runs a worker as "python3 <workerPath>".
type CommandLauncher struct{}

// Command implements Launcher.
func (CommandLauncher) Command(ctx context.Context, workerPath string) *exec.Cmd {
	return exec.CommandContext(ctx, "python3", workerPath)
}

// Invoke runs one attempt of a task's worker and returns its normalized
// result. workerRef is the worker string as written in the plan (before
// base-dir resolution), recorded verbatim in provenance; workerPath is the
// resolved filesystem path actually executed.
func Invoke(ctx context.Context, launcher Launcher, taskName, workerRef, workerPath, payload string, policy Policy, attempt, maxAttempts int) Result {
	ctx, span := tracer.Start(ctx, "worker.invoke", trace.WithAttributes(
		attribute.String("task", taskName),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	startedAt := clock.Now()
	outcome := run(ctx, launcher, workerPath, payload, policy)
	finishedAt := clock.Now()

	status, errorCode, errMsg, confidence, output := classify(outcome)

	result := Result{
		Task:       taskName,
		Worker:     workerPath,
		Status:     status,
		Confidence: confidence,
		Output:     output,
		Error:      errMsg,
		ErrorCode:  errorCode,
		Stderr:     strings.TrimSpace(outcome.stderr),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Provenance: buildProvenance(workerRef, workerPath, outcome, policy, attempt, maxAttempts),
	}
	if status != "ok" {
		span.RecordError(fmt.Errorf("%s: %s", errorCode, errMsg))
	}
	return result
}

type attemptOutcome struct {
	launchErr        error
	timedOut         bool
	exitCode         *int
	stdout           []byte
	stderr           string
	outputJSONError  error
	workerStatus     string
	workerConfidence *float64
	workerOutput     map[string]interface{}
	workerError      string
	workerErrorCode  string
	workerProvenance map[string]interface{}
	timeoutSeconds   float64
}

func run(ctx context.Context, launcher Launcher, workerPath, payload string, policy Policy) attemptOutcome {
	outcome := attemptOutcome{timeoutSeconds: policy.TimeoutSeconds}

	cmd := launcher.Command(ctx, workerPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		outcome.launchErr = fmt.Errorf("open worker stdin: %w", err)
		return outcome
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		outcome.launchErr = fmt.Errorf("spawn worker: %w", err)
		return outcome
	}
	if _, err := io.WriteString(stdin, payload); err != nil {
		stdin.Close()
		cmd.Process.Kill()
		cmd.Wait()
		outcome.launchErr = fmt.Errorf("write worker stdin: %w", err)
		return outcome
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	if policy.TimeoutSeconds > 0 {
		select {
		case waitErr = <-done:
		case <-time.After(time.Duration(policy.TimeoutSeconds * float64(time.Second))):
			outcome.timedOut = true
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			<-done
		}
	} else {
		waitErr = <-done
	}

	outcome.stdout = stdout.Bytes()
	outcome.stderr = stderr.String()

	if outcome.timedOut {
		return outcome
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			outcome.exitCode = &code
		} else {
			outcome.launchErr = fmt.Errorf("wait for worker: %w", waitErr)
			return outcome
		}
	} else {
		code := 0
		outcome.exitCode = &code
	}

	if strings.TrimSpace(string(outcome.stdout)) == "" {
		return outcome
	}

	var raw interface{}
	if err := json.Unmarshal(outcome.stdout, &raw); err != nil {
		outcome.outputJSONError = fmt.Errorf("worker stdout is not valid JSON: %w", err)
		return outcome
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		outcome.outputJSONError = fmt.Errorf("worker stdout JSON is not an object")
		return outcome
	}

	if s, ok := obj["status"].(string); ok {
		outcome.workerStatus = s
	}
	if c, ok := obj["confidence"]; ok {
		if f, ok := c.(float64); ok {
			outcome.workerConfidence = &f
		}
	}
	if o, ok := obj["output"]; ok {
		if m, ok := o.(map[string]interface{}); ok {
			outcome.workerOutput = m
		} else {
			outcome.workerOutput = map[string]interface{}{"value": o}
		}
	}
	if e, ok := obj["error"].(string); ok {
		outcome.workerError = e
	}
	if ec, ok := obj["error_code"].(string); ok {
		outcome.workerErrorCode = ec
	}
	if p, ok := obj["provenance"].(map[string]interface{}); ok {
		outcome.workerProvenance = p
	}
	return outcome
}

func classify(o attemptOutcome) (status, errorCode, errMsg string, confidence float64, output map[string]interface{}) {
	switch {
	case o.launchErr != nil:
		return "error", ErrRuntimeExecutionFailure, o.launchErr.Error(), 0, map[string]interface{}{}

	case o.timedOut:
		return "error", ErrWorkerTimeout, fmt.Sprintf("worker timed out after %ss", formatSeconds(o.timeoutSeconds)), 0, map[string]interface{}{}

	case o.outputJSONError != nil:
		return "error", ErrWorkerOutputJSONInvalid, o.outputJSONError.Error(), 0, map[string]interface{}{}

	case strings.TrimSpace(string(o.stdout)) == "":
		exitCode := 0
		if o.exitCode != nil {
			exitCode = *o.exitCode
		}
		if exitCode != 0 {
			return "error", ErrWorkerExitNonzero, fmt.Sprintf("worker exited with return code %d", exitCode), 0, map[string]interface{}{}
		}
		return "ok", "", "", 0.5, map[string]interface{}{}

	default:
		exitCode := 0
		if o.exitCode != nil {
			exitCode = *o.exitCode
		}
		status := o.workerStatus
		errCode := o.workerErrorCode
		errMsg := o.workerError
		output := o.workerOutput
		if output == nil {
			output = map[string]interface{}{}
		}
		if status == "" {
			if exitCode == 0 {
				status = "ok"
			} else {
				status = "error"
			}
		}
		confidence := 0.0
		if o.workerConfidence != nil {
			confidence = *o.workerConfidence
		} else if status == "ok" {
			confidence = 0.5
		}
		if exitCode != 0 && status == "ok" {
			status = "error"
			if errCode == "" {
				errCode = ErrWorkerExitNonzero
			}
			suffix := fmt.Sprintf("worker exited with return code %d", exitCode)
			if errMsg == "" {
				errMsg = suffix
			} else {
				errMsg = errMsg + "; " + suffix
			}
		}
		return status, errCode, errMsg, confidence, output
	}
}

func buildProvenance(workerRef, workerPath string, o attemptOutcome, policy Policy, attempt, maxAttempts int) map[string]interface{} {
	prov := map[string]interface{}{
		"worker":     workerPath,
		"command":    "python3 " + workerPath,
		"worker_ref": workerRef,
	}
	if o.exitCode != nil {
		prov["return_code"] = *o.exitCode
	} else {
		prov["return_code"] = nil
	}
	if maxAttempts > 1 {
		prov["attempt"] = attempt
		prov["max_attempts"] = maxAttempts
	}
	if policy.TimeoutSeconds != 0 {
		prov["timeout_seconds"] = policy.TimeoutSeconds
	}
	if policy.Retries != 0 {
		prov["retries"] = policy.Retries
	}
	if policy.BackoffSeconds != 0 {
		prov["backoff_seconds"] = policy.BackoffSeconds
	}
	if policy.JitterSeconds != 0 {
		prov["jitter_seconds"] = policy.JitterSeconds
	}
	if policy.RetryIf != "" && policy.RetryIf != "error" {
		prov["retry_if"] = policy.RetryIf
	}

	reserved := map[string]bool{"worker": true, "command": true, "worker_ref": true, "return_code": true}
	for k, v := range o.workerProvenance {
		if !reserved[k] {
			prov[k] = v
		}
	}
	return prov
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
