package semantic

import "sort"

// JoinGraph is the undirected graph of permitted joins between tables.
type JoinGraph struct {
	adj map[string][]JoinEdge
}

// NewJoinGraph indexes the edges in both directions. Neighbour order is
// sorted so search results are deterministic.
func NewJoinGraph(edges []JoinEdge) *JoinGraph {
	g := &JoinGraph{adj: make(map[string][]JoinEdge)}
	for _, e := range edges {
		g.adj[e.FromTable] = append(g.adj[e.FromTable], e)
		g.adj[e.ToTable] = append(g.adj[e.ToTable], e.reversed())
	}
	for t := range g.adj {
		sort.SliceStable(g.adj[t], func(i, j int) bool {
			return g.adj[t][i].ToTable < g.adj[t][j].ToTable
		})
	}
	return g
}

// Path returns the shortest edge sequence from one table to another found by
// breadth-first search. Equal tables yield an empty path.
func (g *JoinGraph) Path(from, to string) ([]JoinEdge, bool) {
	if from == to {
		return nil, true
	}

	prev := map[string]JoinEdge{}
	visited := map[string]bool{from: true}
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range g.adj[current] {
			if visited[e.ToTable] {
				continue
			}
			visited[e.ToTable] = true
			prev[e.ToTable] = e
			if e.ToTable == to {
				return g.unwind(prev, from, to), true
			}
			queue = append(queue, e.ToTable)
		}
	}
	return nil, false
}

func (g *JoinGraph) unwind(prev map[string]JoinEdge, from, to string) []JoinEdge {
	var path []JoinEdge
	for at := to; at != from; {
		e := prev[at]
		path = append(path, e)
		at = e.FromTable
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Connect joins every table to the anchor, merging the paths in the order the
// tables are given. It returns the first table with no path to the anchor.
func (g *JoinGraph) Connect(anchor string, tables []string) ([]JoinEdge, string, bool) {
	var edges []JoinEdge
	reached := map[string]bool{anchor: true}

	for _, t := range tables {
		if reached[t] {
			continue
		}
		path, ok := g.Path(anchor, t)
		if !ok {
			return nil, t, false
		}
		for _, e := range path {
			if reached[e.ToTable] {
				continue
			}
			reached[e.ToTable] = true
			edges = append(edges, e)
		}
	}
	return edges, "", true
}
