package scheduler

import (
	"context"
	"fmt"
	"sort"
)

// TreeNode is one task in a DependencyTree.
type TreeNode struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"`
	Status    TaskStatus `json:"status"`
	ErrorType ErrorType  `json:"error_type,omitempty"`
	Error     string     `json:"error,omitempty"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Depth     int        `json:"depth"` // Shortest distance from a root
}

// DependencyTree is the transitive dependency closure of a set of roots.
type DependencyTree struct {
	Roots []string    `json:"roots"`
	Nodes []*TreeNode `json:"nodes"` // Breadth-first order
	// Missing lists referenced IDs that do not exist.
	Missing []string `json:"missing,omitempty"`
	// Cycles lists edges "a->b" that close a cycle.
	Cycles []string `json:"cycles,omitempty"`
	// Truncated is set when the depth cap stopped the walk.
	Truncated bool `json:"truncated"`
}

// Node returns the node for id, or nil.
func (t *DependencyTree) Node(id string) *TreeNode {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Closure walks dependencies breadth-first from roots. The walk tracks
// visited IDs and stops at maxDepth, marking the tree Truncated, so cyclic
// or very deep graphs return a partial tree instead of looping.
func (r *Resolver) Closure(ctx context.Context, roots []string, maxDepth int) (*DependencyTree, error) {
	if maxDepth <= 0 {
		maxDepth = r.maxDepth
	}
	tree := &DependencyTree{Roots: append([]string(nil), roots...)}

	visited := make(map[string]bool)
	missing := make(map[string]bool)
	frontier := uniqueSorted(roots)
	for depth := 0; len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if depth > maxDepth {
			tree.Truncated = true
			break
		}

		got, err := r.lookup.GetTasks(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("loading dependency tree: %w", err)
		}

		var next []string
		for _, id := range frontier {
			visited[id] = true
			t, ok := got[id]
			if !ok {
				missing[id] = true
				continue
			}
			tree.Nodes = append(tree.Nodes, &TreeNode{
				ID:        t.ID,
				Role:      t.Role,
				Status:    t.Status,
				ErrorType: t.ErrorType,
				Error:     t.Error,
				DependsOn: append([]string(nil), t.DependsOn...),
				Depth:     depth,
			})
			next = append(next, t.DependsOn...)
		}

		frontier = frontier[:0:0]
		for _, id := range uniqueSorted(next) {
			if !visited[id] {
				frontier = append(frontier, id)
			}
		}
	}

	for id := range missing {
		tree.Missing = append(tree.Missing, id)
	}
	sort.Strings(tree.Missing)
	tree.Cycles = findCycles(tree.Nodes)
	return tree, nil
}

// findCycles reports back edges found by a depth-first walk over nodes.
func findCycles(nodes []*TreeNode) []string {
	adj := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		adj[n.ID] = n.DependsOn
	}

	const (
		unseen = iota
		onStack
		done
	)
	state := make(map[string]int, len(nodes))
	seenEdge := make(map[string]bool)
	var cycles []string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		for _, dep := range adj[id] {
			if _, known := adj[dep]; !known {
				continue
			}
			switch state[dep] {
			case onStack:
				edge := id + "->" + dep
				if !seenEdge[edge] {
					seenEdge[edge] = true
					cycles = append(cycles, edge)
				}
			case unseen:
				visit(dep)
			}
		}
		state[id] = done
	}

	for _, n := range nodes {
		if state[n.ID] == unseen {
			visit(n.ID)
		}
	}
	return cycles
}

func uniqueSorted(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
