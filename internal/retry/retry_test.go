package retry

import (
	"context"
	"testing"

	"missiongraph/internal/invoker"
)

func fixedJitter(f float64) JitterSource {
	return func() float64 { return f }
}

func TestRunStopsOnFirstSuccess(t *testing.T) {
	calls := 0
	invoke := func(attempt int) invoker.Result {
		calls++
		return invoker.Result{Status: "ok"}
	}
	result := Run(context.Background(), invoker.Policy{Retries: 3, RetryIf: "error"}, fixedJitter(0), invoke)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %q", result.Status)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	invoke := func(attempt int) invoker.Result {
		calls++
		if attempt < 3 {
			return invoker.Result{Status: "error", ErrorCode: invoker.ErrWorkerTimeout}
		}
		return invoker.Result{Status: "ok"}
	}
	result := Run(context.Background(), invoker.Policy{Retries: 5, RetryIf: "error", BackoffSeconds: 0}, fixedJitter(0), invoke)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if result.Status != "ok" {
		t.Fatalf("status = %q", result.Status)
	}
}

func TestRunNoRetryWhenRetriesZero(t *testing.T) {
	calls := 0
	invoke := func(attempt int) invoker.Result {
		calls++
		return invoker.Result{Status: "error", ErrorCode: invoker.ErrWorkerTimeout}
	}
	Run(context.Background(), invoker.Policy{Retries: 0, RetryIf: "error"}, fixedJitter(0), invoke)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRunRetryIfTimeoutIgnoresOtherErrors(t *testing.T) {
	calls := 0
	invoke := func(attempt int) invoker.Result {
		calls++
		return invoker.Result{Status: "error", ErrorCode: invoker.ErrWorkerExitNonzero}
	}
	Run(context.Background(), invoker.Policy{Retries: 3, RetryIf: "timeout"}, fixedJitter(0), invoke)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (non-timeout error should not retry)", calls)
	}
}

func TestRunAttachesAttemptHistoryWhenMultiAttempt(t *testing.T) {
	calls := 0
	invoke := func(attempt int) invoker.Result {
		calls++
		if attempt < 2 {
			return invoker.Result{Status: "error", ErrorCode: invoker.ErrWorkerTimeout, Provenance: map[string]interface{}{}}
		}
		return invoker.Result{Status: "ok", Provenance: map[string]interface{}{}}
	}
	result := Run(context.Background(), invoker.Policy{Retries: 2, RetryIf: "error"}, fixedJitter(0), invoke)
	attempts, ok := result.Provenance["attempts"].([]map[string]interface{})
	if !ok {
		t.Fatalf("provenance.attempts missing or wrong type: %v", result.Provenance)
	}
	if len(attempts) != 2 {
		t.Fatalf("len(attempts) = %d, want 2", len(attempts))
	}
}

func TestRunOmitsAttemptHistoryWhenSingleAttempt(t *testing.T) {
	invoke := func(attempt int) invoker.Result {
		return invoker.Result{Status: "ok", Provenance: map[string]interface{}{}}
	}
	result := Run(context.Background(), invoker.Policy{Retries: 0, RetryIf: "error"}, fixedJitter(0), invoke)
	if _, ok := result.Provenance["attempts"]; ok {
		t.Fatal("did not expect attempts history for a single-attempt run")
	}
}

func TestBackoffDelayFormula(t *testing.T) {
	d := backoffDelay(1.0, 2.0, 3, fixedJitter(0.5))
	// backoff * 2^(attempt-1) + random_fraction*jitter = 1*4 + 0.5*2 = 5s
	want := 5.0
	if d.Seconds() != want {
		t.Fatalf("delay = %v, want %vs", d, want)
	}
}
