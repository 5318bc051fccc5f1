// Package topology builds the static communication graph agents exchange
// consensus messages over.
package topology

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

type Kind string

const (
	KindStar           Kind = "star"
	KindFullyConnected Kind = "fully_connected"
	KindRing           Kind = "ring"
	KindMesh           Kind = "mesh"
	KindRandom         Kind = "random"
)

var ErrUnknownKind = errors.New("unknown topology kind")

// legacy numeric selectors: 1 star, 2 fully connected, 3 ring, 4 mesh, 5 random
var kindCodes = []Kind{KindStar, KindFullyConnected, KindRing, KindMesh, KindRandom}

// ParseKind accepts a kind name or its numeric selector.
func ParseKind(raw string) (Kind, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if n, err := strconv.Atoi(v); err == nil {
		if n < 1 || n > len(kindCodes) {
			return "", fmt.Errorf("%w: %d", ErrUnknownKind, n)
		}
		return kindCodes[n-1], nil
	}
	v = strings.ReplaceAll(v, "-", "_")
	if v == "fc" {
		return KindFullyConnected, nil
	}
	for _, k := range kindCodes {
		if string(k) == v {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// Graph is an undirected adjacency relation over agent ids 0..n-1.
type Graph struct {
	adj [][]bool
}

func newGraph(n int) *Graph {
	adj := make([][]bool, n)
	for i := range adj {
		adj[i] = make([]bool, n)
	}
	return &Graph{adj: adj}
}

func (g *Graph) link(i, j int) {
	g.adj[i][j] = true
	g.adj[j][i] = true
}

func (g *Graph) fillDiagonal(v bool) {
	for i := range g.adj {
		g.adj[i][i] = v
	}
}

func (g *Graph) Size() int {
	return len(g.adj)
}

func (g *Graph) Connected(i, j int) bool {
	return g.adj[i][j]
}

// Neighbors lists the ids adjacent to id in ascending order, never including
// id itself regardless of the diagonal.
func (g *Graph) Neighbors(id int) []int {
	out := make([]int, 0, len(g.adj))
	for j, ok := range g.adj[id] {
		if ok && j != id {
			out = append(out, j)
		}
	}
	return out
}

// Matrix returns the 0/1 adjacency matrix including the diagonal convention
// of the generator that built the graph.
func (g *Graph) Matrix() [][]int {
	out := make([][]int, len(g.adj))
	for i, row := range g.adj {
		out[i] = make([]int, len(row))
		for j, ok := range row {
			if ok {
				out[i][j] = 1
			}
		}
	}
	return out
}

// IsConnected reports whether every node can reach every other node.
func (g *Graph) IsConnected() bool {
	n := len(g.adj)
	if n == 0 {
		return true
	}
	seen := make([]bool, n)
	seen[0] = true
	queue := []int{0}
	visited := 1
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Neighbors(cur) {
			if !seen[next] {
				seen[next] = true
				visited++
				queue = append(queue, next)
			}
		}
	}
	return visited == n
}

// Generate builds a graph of the given kind. rng is only consulted for
// KindRandom, where each unordered pair is linked with probability density.
func Generate(kind Kind, n int, density float64, rng *rand.Rand) (*Graph, error) {
	if n < 1 {
		return nil, fmt.Errorf("topology needs at least one node, got %d", n)
	}
	switch kind {
	case KindStar:
		return Star(n), nil
	case KindFullyConnected:
		return FullyConnected(n), nil
	case KindRing:
		return Ring(n), nil
	case KindMesh:
		return Mesh(n), nil
	case KindRandom:
		if density < 0 || density > 1 {
			return nil, fmt.Errorf("random topology density must be within [0,1], got %v", density)
		}
		if rng == nil {
			return nil, errors.New("random topology needs a seeded source")
		}
		return Random(n, density, rng), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Star links every node to the centre node n/2.
func Star(n int) *Graph {
	g := newGraph(n)
	center := n / 2
	for i := 0; i < n; i++ {
		g.link(center, i)
	}
	g.fillDiagonal(true)
	return g
}

func FullyConnected(n int) *Graph {
	g := newGraph(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			g.adj[i][j] = true
		}
	}
	return g
}

func Ring(n int) *Graph {
	g := newGraph(n)
	for i := 0; i < n; i++ {
		g.link(i, (i+1)%n)
	}
	g.fillDiagonal(true)
	return g
}

// Mesh is every pair linked; kept distinct from FullyConnected because the
// two are selected separately.
func Mesh(n int) *Graph {
	g := newGraph(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			g.link(i, j)
		}
	}
	g.fillDiagonal(true)
	return g
}

func Random(n int, density float64, rng *rand.Rand) *Graph {
	g := newGraph(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rng.Float64() < density {
				g.link(i, j)
			}
		}
	}
	g.fillDiagonal(false)
	return g
}

// FromMatrix validates an externally supplied adjacency matrix.
func FromMatrix(m [][]int) (*Graph, error) {
	n := len(m)
	if n == 0 {
		return nil, errors.New("adjacency matrix is empty")
	}
	for i, row := range m {
		if len(row) != n {
			return nil, fmt.Errorf("adjacency matrix row %d has %d columns, want %d", i, len(row), n)
		}
	}
	g := newGraph(n)
	for i, row := range m {
		for j, v := range row {
			if v != 0 && v != 1 {
				return nil, fmt.Errorf("adjacency matrix[%d][%d] = %d, want 0 or 1", i, j, v)
			}
			if m[j][i] != v {
				return nil, fmt.Errorf("adjacency matrix is not symmetric at (%d,%d)", i, j)
			}
			g.adj[i][j] = v == 1
		}
	}
	return g, nil
}
