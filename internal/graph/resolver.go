// Package graph resolves a plan's tasks into dependency-ordered levels
// using Kahn's algorithm, with declaration order as the tiebreaker at every
// step so the result is fully deterministic.
package graph

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"missiongraph/internal/ast"
)

var tracer = otel.Tracer("missiongraph-graph")

// Levels computes the level-stratified topological order of tasks: each
// level is the set of tasks whose dependencies are all satisfied by
// strictly earlier levels. The first level is in declaration order; each
// later level lists the children released by the previous level's tasks in
// that level's order, each parent's children in declaration order. Returns
// an error if a
// task name repeats, a dependency names an unknown task, or the graph
// contains a cycle.
func Levels(ctx context.Context, tasks []ast.Task) ([][]string, error) {
	_, span := tracer.Start(ctx, "graph.levels", trace.WithAttributes(attribute.Int("tasks.total", len(tasks))))
	defer span.End()

	result, err := computeLevels(tasks)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("levels.count", len(result)))
	return result, nil
}

func computeLevels(tasks []ast.Task) ([][]string, error) {
	position := make(map[string]int, len(tasks))
	seen := make(map[string]bool, len(tasks))
	for idx, task := range tasks {
		if seen[task.Name] {
			return nil, fmt.Errorf("duplicate task name '%s'", task.Name)
		}
		seen[task.Name] = true
		position[task.Name] = idx
	}

	adjacency := make(map[string][]string, len(tasks))
	inDegree := make(map[string]int, len(tasks))
	for _, task := range tasks {
		adjacency[task.Name] = nil
		inDegree[task.Name] = 0
	}

	for _, task := range tasks {
		for _, dep := range task.After {
			if _, ok := adjacency[dep]; !ok {
				return nil, fmt.Errorf("task '%s' depends on unknown task '%s'", task.Name, dep)
			}
			adjacency[dep] = append(adjacency[dep], task.Name)
			inDegree[task.Name]++
		}
	}

	for name, children := range adjacency {
		sort.Slice(children, func(i, j int) bool {
			return position[children[i]] < position[children[j]]
		})
		adjacency[name] = children
	}

	var ready []string
	for _, task := range tasks {
		if inDegree[task.Name] == 0 {
			ready = append(ready, task.Name)
		}
	}

	var levels [][]string
	seenCount := 0
	for len(ready) > 0 {
		current := ready
		seenCount += len(current)
		levels = append(levels, current)

		var next []string
		for _, name := range current {
			for _, child := range adjacency[name] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		ready = next
	}

	if seenCount != len(tasks) {
		var unresolved []string
		for _, task := range tasks {
			if inDegree[task.Name] > 0 {
				unresolved = append(unresolved, task.Name)
			}
		}
		return nil, fmt.Errorf("cycle detected in plan: %s", joinNames(unresolved))
	}

	return levels, nil
}

// TaskOrder flattens levels into the single sequential execution order the
// Plan Executor walks.
func TaskOrder(levels [][]string) []string {
	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}
	return order
}

// MaxParallel returns the width of the widest level, or 1 for an empty
// plan, matching the fallback used when the graph itself failed to
// resolve.
func MaxParallel(levels [][]string) int {
	max := 1
	for _, level := range levels {
		if len(level) > max {
			max = len(level)
		}
	}
	return max
}

// Mode reports "parallel" if any level has more than one task, else
// "sequential".
func Mode(levels [][]string) string {
	for _, level := range levels {
		if len(level) > 1 {
			return "parallel"
		}
	}
	return "sequential"
}

// FallbackLevels is the single-level, declaration-order skeleton used when
// the graph failed to resolve but a best-effort trace-skeleton is still
// wanted.
func FallbackLevels(tasks []ast.Task) [][]string {
	if len(tasks) == 0 {
		return nil
	}
	order := make([]string, len(tasks))
	for i, task := range tasks {
		order[i] = task.Name
	}
	return [][]string{order}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
