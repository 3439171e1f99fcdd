// Package retry drives the bounded attempt loop around one task's worker
// invocation: exponential backoff with jitter between attempts, a
// caller-supplied predicate deciding whether a failure is retryable, and
// an attempt history folded into the final result's provenance.
//
// The backoff formula and retry predicate are the task's own
// (spec-defined), not a generic policy — but the jitter source is
// injectable so tests can pin exact delays instead of tolerating
// wall-clock-derived randomness.
package retry

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"

	"missiongraph/internal/invoker"
)

var (
	meter           = otel.Meter("missiongraph-retry")
	attemptCounter, _ = meter.Int64Counter("missiongraph_retry_attempts_total")
	retryCounter, _   = meter.Int64Counter("missiongraph_retry_retries_total")
)

// JitterSource returns a value in [0, 1) used to scale the jitter window.
// The default derives it from the subsecond wall-clock, matching a weak,
// intentionally unseeded RNG; tests substitute a fixed source.
type JitterSource func() float64

// DefaultJitterSource derives a pseudo-random fraction from the current
// wall clock's subsecond nanoseconds.
func DefaultJitterSource() float64 {
	return float64(time.Now().Nanosecond()) / 1e9
}

// Attempt is the condensed record of one invocation, folded into the
// final result's provenance.attempts list.
type Attempt struct {
	Attempt    int    `json:"attempt"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

// InvokeFunc performs one attempt, given its 1-based attempt number.
type InvokeFunc func(attempt int) invoker.Result

// Run executes invoke up to policy.Retries+1 times, stopping as soon as an
// attempt succeeds or is classified as not retryable. On a multi-attempt
// run, the final result's provenance gains an "attempts" entry recording
// every attempt made.
func Run(ctx context.Context, policy invoker.Policy, jitter JitterSource, invoke InvokeFunc) invoker.Result {
	if jitter == nil {
		jitter = DefaultJitterSource
	}
	maxAttempts := policy.Retries + 1
	retryIf := policy.RetryIf
	if retryIf == "" {
		retryIf = "error"
	}

	var last invoker.Result
	var history []Attempt

attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		last = invoke(attempt)
		attemptCounter.Add(ctx, 1)
		history = append(history, Attempt{
			Attempt:    attempt,
			Status:     last.Status,
			ErrorCode:  last.ErrorCode,
			Error:      last.Error,
			StartedAt:  last.StartedAt,
			FinishedAt: last.FinishedAt,
		})

		if last.Status == "ok" {
			break
		}
		if !shouldRetry(policy.Retries, retryIf, last) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		retryCounter.Add(ctx, 1)
		delay := backoffDelay(policy.BackoffSeconds, policy.JitterSeconds, attempt, jitter)
		select {
		case <-ctx.Done():
			break attempts
		case <-time.After(delay):
		}
	}

	if maxAttempts > 1 {
		if last.Provenance == nil {
			last.Provenance = map[string]interface{}{}
		}
		attemptsOut := make([]map[string]interface{}, len(history))
		for i, a := range history {
			m := map[string]interface{}{
				"attempt":     a.Attempt,
				"status":      a.Status,
				"started_at":  a.StartedAt,
				"finished_at": a.FinishedAt,
			}
			if a.ErrorCode != "" {
				m["error_code"] = a.ErrorCode
			}
			if a.Error != "" {
				m["error"] = a.Error
			}
			attemptsOut[i] = m
		}
		last.Provenance["attempts"] = attemptsOut
	}

	return last
}

// backoffDelay computes backoff * 2^(attempt-1) + random_fraction*jitter,
// where random_fraction comes from the jitter source in [0, 1).
func backoffDelay(backoffSeconds, jitterSeconds float64, attempt int, jitter JitterSource) time.Duration {
	delay := backoffSeconds*math.Pow(2, float64(attempt-1)) + jitter()*jitterSeconds
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}

// shouldRetry decides whether a failed attempt is retryable under the
// task's retry_if predicate.
//
//	"error"          — retry any non-ok status.
//	"timeout"        — retry only WORKER_TIMEOUT.
//	"worker_failure" — retry any of the four worker-originated error codes.
func shouldRetry(retries int, retryIf string, result invoker.Result) bool {
	if retries == 0 {
		return false
	}
	if result.Status == "ok" {
		return false
	}
	switch retryIf {
	case "error":
		return true
	case "timeout":
		return result.ErrorCode == invoker.ErrWorkerTimeout
	case "worker_failure":
		switch result.ErrorCode {
		case invoker.ErrWorkerTimeout, invoker.ErrWorkerExitNonzero, invoker.ErrWorkerOutputJSONInvalid, invoker.ErrRuntimeExecutionFailure:
			return true
		}
		return false
	default:
		return false
	}
}
