package schema

import (
	"fmt"
	"strings"
)

// Graph is the directed graph of entity relationships, stored as
// adjacency lists keyed by FQN; duplicate edges are dropped. It is built once from the loaded entities
// and read-shared afterwards.
type Graph struct {
	adjacency map[string][]string
}

// NewGraph builds the relationship graph from entity documents. Both the
// direct relationships and the pre-computed "A -> B -> C" path strings
// contribute edges.
func NewGraph(entities []*Entity) *Graph {
	g := &Graph{adjacency: make(map[string][]string)}

	for _, e := range entities {
		for _, rel := range e.EntityRelationships {
			g.addEdge(e.FQN, rel.ForeignFQN)
		}
		for _, path := range e.CompleteEntityRelationshipsGraph {
			hops := ParsePath(path)
			for i := 0; i+1 < len(hops); i++ {
				g.addEdge(hops[i], hops[i+1])
			}
		}
	}

	return g
}

func (g *Graph) addEdge(from, to string) {
	for _, existing := range g.adjacency[from] {
		if existing == to {
			return
		}
	}
	g.adjacency[from] = append(g.adjacency[from], to)
}

// Neighbors returns the FQNs directly joinable from fqn.
func (g *Graph) Neighbors(fqn string) []string {
	return g.adjacency[fqn]
}

// FindJoinPath returns the shortest join path from one entity to another
// as an ordered FQN sequence including both endpoints. It returns an error
// when no path exists.
func (g *Graph) FindJoinPath(from, to string) ([]string, error) {
	if from == to {
		return []string{from}, nil
	}

	// BFS; the graph has at most hundreds of nodes.
	visited := map[string]bool{from: true}
	parent := map[string]string{}
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range g.adjacency[current] {
			if visited[next] {
				continue
			}
			visited[next] = true
			parent[next] = current

			if next == to {
				return rebuildPath(parent, from, to), nil
			}
			queue = append(queue, next)
		}
	}

	return nil, fmt.Errorf("no join path from %s to %s", from, to)
}

func rebuildPath(parent map[string]string, from, to string) []string {
	var reversed []string
	for node := to; ; node = parent[node] {
		reversed = append(reversed, node)
		if node == from {
			break
		}
	}

	path := make([]string, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		path = append(path, reversed[i])
	}
	return path
}

// ParsePath splits an "A -> B -> C" path string into its FQN hops.
func ParsePath(path string) []string {
	parts := strings.Split(path, "->")
	hops := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			hops = append(hops, trimmed)
		}
	}
	return hops
}

// FormatPath renders FQN hops back to the "A -> B -> C" form.
func FormatPath(hops []string) string {
	return strings.Join(hops, " -> ")
}
