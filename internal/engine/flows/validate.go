package flows

import (
	"fmt"
	"sort"
	"strings"

	"forge/internal/pkg/errors"
	"forge/internal/platform/models"
)

// ValidateDefinition checks a flow graph for structural problems: it must be
// non-empty, every edge must resolve to declared nodes, at least one node must
// have no inbound dependency, and the graph must be acyclic. The returned
// error carries the offending node ids so callers can act without re-deriving
// the graph.
func ValidateDefinition(def *models.FlowDefinition) error {
	if def == nil || len(def.Nodes) == 0 {
		return errors.E(errors.KindValidation, "flow must have at least one node")
	}

	declared := make(map[string]bool, len(def.Nodes))
	var duplicates []string
	for _, node := range def.Nodes {
		if declared[node.ID] {
			duplicates = append(duplicates, node.ID)
		}
		declared[node.ID] = true
	}
	if len(duplicates) > 0 {
		return validationError("duplicate node ids", duplicates)
	}

	var dangling []string
	for _, edge := range def.Edges {
		if !declared[edge.Source] {
			dangling = append(dangling, edge.Source)
		}
		if !declared[edge.Target] {
			dangling = append(dangling, edge.Target)
		}
	}
	if len(dangling) > 0 {
		return validationError("edges reference undeclared nodes", dangling)
	}

	hasInbound := make(map[string]bool)
	for _, edge := range def.Edges {
		hasInbound[edge.Target] = true
	}
	entry := false
	for _, node := range def.Nodes {
		if !hasInbound[node.ID] {
			entry = true
			break
		}
	}
	if !entry {
		return errors.E(errors.KindValidation, "flow has no entry point: every node has an inbound dependency")
	}

	if cycle := findCycle(def); len(cycle) > 0 {
		return validationError("flow contains a dependency cycle", cycle)
	}

	return nil
}

// findCycle runs DFS with a recursion stack and returns the node ids on the
// first back edge found, or nil for an acyclic graph.
func findCycle(def *models.FlowDefinition) []string {
	adjacency := make(map[string][]string, len(def.Nodes))
	for _, edge := range def.Edges {
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(def.Nodes))
	var stack []string
	var cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = inStack
		stack = append(stack, id)

		for _, next := range adjacency[id] {
			switch state[next] {
			case inStack:
				// Unwind the stack back to where the cycle entered.
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						break
					}
				}
				return true
			case unvisited:
				if dfs(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, node := range def.Nodes {
		if state[node.ID] == unvisited && dfs(node.ID) {
			sort.Strings(cycle)
			return cycle
		}
	}
	return nil
}

func validationError(message string, nodeIDs []string) error {
	return &errors.Error{
		Kind:    errors.KindValidation,
		Message: fmt.Sprintf("%s: %s", message, strings.Join(nodeIDs, ", ")),
		NodeIDs: nodeIDs,
	}
}
