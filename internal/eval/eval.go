// Package eval implements the expression grammar shared by plan
// constraints and verify checks: dotted-path operand resolution against a
// context map, plus a small set of comparison operators.
//
// This is the one component the source orchestrator never finished — its
// DAG engine's condition hook was left as a stub that always returned
// true. MissionGraph implements the grammar in full.
package eval

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"missiongraph/internal/ast"
)

// ConstraintReport is the recorded outcome of one constraint check.
// Passed is nil when the constraint's key could not be resolved — an
// unresolved key is not itself a failure.
type ConstraintReport struct {
	Line       int    `json:"line"`
	Expression string `json:"expression"`
	Passed     *bool  `json:"passed"`
	Reason     string `json:"reason,omitempty"`
}

// VerifyReport is the recorded outcome of one verify expression. Unlike
// constraints, an unresolved operand is itself a failure.
type VerifyReport struct {
	Line       int    `json:"line"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Reason     string `json:"reason,omitempty"`
}

// VerifyFailure is the condensed shape recorded in the verify summary's
// failures list.
type VerifyFailure struct {
	Line       int    `json:"line"`
	Expression string `json:"expression"`
	Reason     string `json:"reason,omitempty"`
}

// VerifySummary aggregates the outcome of every verify check.
type VerifySummary struct {
	Total    int             `json:"total"`
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Failures []VerifyFailure `json:"failures"`
}

// Resolve parses token as a JSON literal first (numbers, strings, bools,
// null, objects, arrays); if that fails, it treats token as a dotted path
// into ctx.
func Resolve(token string, ctx map[string]interface{}) (interface{}, error) {
	token = strings.TrimSpace(token)
	var v interface{}
	if err := json.Unmarshal([]byte(token), &v); err == nil {
		return v, nil
	}
	return resolvePath(token, ctx)
}

func resolvePath(path string, ctx map[string]interface{}) (interface{}, error) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("unresolved identifier: %s", path)
	}
	cur, ok := ctx[parts[0]]
	if !ok {
		return nil, fmt.Errorf("unresolved identifier: %s", path)
	}
	for _, seg := range parts[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("unresolved identifier: %s", path)
		}
		cur, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("unresolved identifier: %s", path)
		}
	}
	return cur, nil
}

// Compare applies op to left and right. == and != use structural JSON
// equality; the ordering operators require both sides to coerce to the
// same comparable kind (both numeric, or both strings).
func Compare(left, right interface{}, op string) (bool, error) {
	switch op {
	case "==":
		return jsonEqual(left, right), nil
	case "!=":
		return !jsonEqual(left, right), nil
	case "<", "<=", ">", ">=":
		if lf, lok := toNumber(left); lok {
			if rf, rok := toNumber(right); rok {
				return compareNumbers(lf, rf, op), nil
			}
		}
		if ls, lok := left.(string); lok {
			if rs, rok := right.(string); rok {
				return compareStrings(ls, rs, op), nil
			}
		}
		return false, fmt.Errorf("unsupported comparison: %s %s %s", jsonTypeName(left), op, jsonTypeName(right))
	default:
		return false, fmt.Errorf("unsupported operator: %s", op)
	}
}

func compareNumbers(l, r float64, op string) bool {
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func compareStrings(l, r string, op string) bool {
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

func toNumber(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func jsonEqual(a, b interface{}) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	var na, nb interface{}
	_ = json.Unmarshal(ab, &na)
	_ = json.Unmarshal(bb, &nb)
	return deepEqual(na, nb)
}

func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func jsonTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "unknown"
	}
}

// splitOperator scans expr left to right for the first top-level
// comparison operator, ignoring characters inside double-quoted JSON
// string literals. Two-character operators are matched greedily before
// single-character ones.
func splitOperator(expr string) (left, op, right string, found bool) {
	inQuotes := false
	escaped := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if inQuotes {
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				inQuotes = false
			}
			continue
		}
		if c == '"' {
			inQuotes = true
			continue
		}
		if i+1 < len(expr) {
			two := expr[i : i+2]
			switch two {
			case "==", "!=", ">=", "<=":
				return expr[:i], two, expr[i+2:], true
			}
		}
		if c == '>' || c == '<' {
			return expr[:i], string(c), expr[i+1:], true
		}
	}
	return "", "", "", false
}

// EvaluateConstraint checks one constraint against variables only.
func EvaluateConstraint(c ast.Constraint, variables map[string]interface{}) ConstraintReport {
	expr := formatConstraintExpression(c)
	left, err := resolvePath(c.Key, variables)
	if err != nil {
		return ConstraintReport{Line: c.Line, Expression: expr, Passed: nil, Reason: fmt.Sprintf("unresolved key: %s", c.Key)}
	}
	ok, err := Compare(left, c.Value, c.Op)
	if err != nil {
		f := false
		return ConstraintReport{Line: c.Line, Expression: expr, Passed: &f, Reason: err.Error()}
	}
	return ConstraintReport{Line: c.Line, Expression: expr, Passed: &ok}
}

func formatConstraintExpression(c ast.Constraint) string {
	valueJSON, err := json.Marshal(c.Value)
	if err != nil {
		valueJSON = []byte("null")
	}
	return fmt.Sprintf("%s %s %s", c.Key, c.Op, string(valueJSON))
}

// EvaluateVerify checks one verify expression against the combined
// variables-and-task-values context.
func EvaluateVerify(v ast.VerifyCheck, ctx map[string]interface{}) VerifyReport {
	expr := strings.TrimSpace(v.Expression)
	if expr == "" {
		return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: false, Reason: "empty expression"}
	}

	if left, op, right, found := splitOperator(expr); found {
		lv, err := Resolve(left, ctx)
		if err != nil {
			return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: false, Reason: err.Error()}
		}
		rv, err := Resolve(right, ctx)
		if err != nil {
			return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: false, Reason: err.Error()}
		}
		ok, err := Compare(lv, rv, op)
		if err != nil {
			return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: false, Reason: err.Error()}
		}
		return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: ok}
	}

	val, err := Resolve(expr, ctx)
	if err != nil {
		return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: false, Reason: err.Error()}
	}
	b, ok := val.(bool)
	if !ok {
		return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: false, Reason: fmt.Sprintf("expression did not resolve to a boolean: %s", expr)}
	}
	return VerifyReport{Line: v.Line, Expression: v.Expression, Passed: b}
}

// Summarize tallies a set of verify reports into a VerifySummary.
func Summarize(reports []VerifyReport) VerifySummary {
	summary := VerifySummary{Total: len(reports), Failures: []VerifyFailure{}}
	for _, r := range reports {
		if r.Passed {
			summary.Passed++
			continue
		}
		summary.Failed++
		summary.Failures = append(summary.Failures, VerifyFailure{Line: r.Line, Expression: r.Expression, Reason: r.Reason})
	}
	return summary
}
