package eval

import (
	"testing"

	"missiongraph/internal/ast"
)

func TestResolveJSONLiteral(t *testing.T) {
	v, err := Resolve("42", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42.0 {
		t.Fatalf("Resolve = %v, want 42", v)
	}
}

func TestResolveDottedPath(t *testing.T) {
	ctx := map[string]interface{}{
		"tests": map[string]interface{}{"failed": 0.0},
	}
	v, err := Resolve("tests.failed", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0.0 {
		t.Fatalf("Resolve = %v, want 0", v)
	}
}

func TestResolveUnresolvedIdentifier(t *testing.T) {
	_, err := Resolve("missing.field", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for unresolved identifier")
	}
}

func TestCompareNumbers(t *testing.T) {
	ok, err := Compare(5.0, 3.0, ">")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected 5 > 3 to pass")
	}
}

func TestCompareStrings(t *testing.T) {
	ok, err := Compare("alpha", "beta", "<")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected alpha < beta to pass")
	}
}

func TestCompareEqualityStructural(t *testing.T) {
	left := map[string]interface{}{"a": 1.0, "b": []interface{}{1.0, 2.0}}
	right := map[string]interface{}{"b": []interface{}{1.0, 2.0}, "a": 1.0}
	ok, err := Compare(left, right, "==")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected structurally equal objects to be ==")
	}
}

func TestCompareMismatchedKindsErrors(t *testing.T) {
	_, err := Compare("five", 5.0, ">")
	if err == nil {
		t.Fatal("expected error comparing string to number with ordering operator")
	}
}

func TestSplitOperatorIgnoresQuotedOperators(t *testing.T) {
	left, op, right, found := splitOperator(`"a>b" == status`)
	if !found {
		t.Fatal("expected operator to be found")
	}
	if left != `"a>b" ` || op != "==" || right != " status" {
		t.Fatalf("split = (%q, %q, %q)", left, op, right)
	}
}

func TestEvaluateConstraintUnresolvedKeyIsNotFailure(t *testing.T) {
	c := ast.Constraint{Key: "ghost.value", Op: "==", Value: 1.0, Line: 3}
	report := EvaluateConstraint(c, map[string]interface{}{})
	if report.Passed != nil {
		t.Fatalf("Passed = %v, want nil", report.Passed)
	}
}

func TestEvaluateConstraintPassed(t *testing.T) {
	c := ast.Constraint{Key: "tests.failed", Op: "==", Value: 0.0, Line: 1}
	vars := map[string]interface{}{"tests": map[string]interface{}{"failed": 0.0}}
	report := EvaluateConstraint(c, vars)
	if report.Passed == nil || !*report.Passed {
		t.Fatalf("Passed = %v, want true", report.Passed)
	}
}

func TestEvaluateVerifyComparison(t *testing.T) {
	v := ast.VerifyCheck{Expression: "tests.failed == 0", Line: 2}
	ctx := map[string]interface{}{"tests": map[string]interface{}{"failed": 0.0}}
	report := EvaluateVerify(v, ctx)
	if !report.Passed {
		t.Fatalf("Passed = false, reason=%q", report.Reason)
	}
}

func TestEvaluateVerifyBareBoolean(t *testing.T) {
	v := ast.VerifyCheck{Expression: "deploy_ok", Line: 4}
	ctx := map[string]interface{}{"deploy_ok": true}
	report := EvaluateVerify(v, ctx)
	if !report.Passed {
		t.Fatalf("Passed = false, reason=%q", report.Reason)
	}
}

func TestEvaluateVerifyEmptyExpressionFails(t *testing.T) {
	v := ast.VerifyCheck{Expression: "  ", Line: 5}
	report := EvaluateVerify(v, map[string]interface{}{})
	if report.Passed {
		t.Fatal("expected empty expression to fail")
	}
	if report.Reason != "empty expression" {
		t.Fatalf("Reason = %q", report.Reason)
	}
}

func TestSummarize(t *testing.T) {
	reports := []VerifyReport{
		{Line: 1, Expression: "a", Passed: true},
		{Line: 2, Expression: "b", Passed: false, Reason: "nope"},
	}
	summary := Summarize(reports)
	if summary.Total != 2 || summary.Passed != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Expression != "b" {
		t.Fatalf("failures = %+v", summary.Failures)
	}
}
