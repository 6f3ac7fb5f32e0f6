package waitgraph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-delve/dlock/pkg/logflags"
)

// Cycle is a deadlock: Threads[i] waits for Locks[i], which is held by
// Threads[i+1]. The last thread waits for a lock held by the first one.
type Cycle struct {
	Threads []int    `yaml:"threads"`
	Locks   []string `yaml:"locks"`
}

func (c Cycle) String() string {
	var buf strings.Builder
	for _, id := range c.Threads {
		fmt.Fprintf(&buf, "%d -> ", id)
	}
	if len(c.Threads) > 0 {
		buf.WriteString(strconv.Itoa(c.Threads[0]))
	}
	return buf.String()
}

// key identifies the cycle independently of the thread it starts from.
func (c Cycle) key() string {
	first := 0
	for i := range c.Threads {
		if c.Threads[i] < c.Threads[first] {
			first = i
		}
	}
	var buf strings.Builder
	for i := range c.Threads {
		j := (first + i) % len(c.Threads)
		fmt.Fprintf(&buf, "%d/%s ", c.Threads[j], c.Locks[j])
	}
	return buf.String()
}

// InvariantError is returned when the graph is inconsistent with the
// snapshot it was built from. It indicates a bug.
type InvariantError struct {
	Edge   *Edge
	Reason string
}

func (err *InvariantError) Error() string {
	if err.Edge != nil {
		return fmt.Sprintf("internal error: edge %d -> %d (%s): %s", err.Edge.From, err.Edge.To, err.Edge.Lock, err.Reason)
	}
	return "internal error: " + err.Reason
}

const (
	white = iota // not visited
	gray         // on the current path
	black        // finished
)

// FindCycles returns every cycle found by a depth-first search of g. Roots
// are tried in node order and edges are followed in insertion order, nodes
// finished by an earlier search are not visited again. Each cycle starts
// at the node the search found repeated.
func FindCycles(g *Graph) ([]Cycle, error) {
	for i := range g.edges {
		e := &g.edges[i]
		if !g.HasNode(e.From) {
			return nil, &InvariantError{Edge: e, Reason: fmt.Sprintf("unknown waiting thread %d", e.From)}
		}
		if !g.HasNode(e.To) {
			return nil, &InvariantError{Edge: e, Reason: fmt.Sprintf("unknown owner thread %d", e.To)}
		}
		if e.From == e.To {
			return nil, &InvariantError{Edge: e, Reason: "self loop"}
		}
	}

	f := &cycleFinder{
		g:     g,
		color: make(map[int]int, len(g.nodes)),
		pos:   make(map[int]int),
		seen:  map[string]bool{},
		log:   logflags.GraphLogger(),
	}
	for _, id := range g.nodes {
		if f.color[id] == white {
			f.visit(id)
		}
	}
	return f.cycles, nil
}

type cycleFinder struct {
	g     *Graph
	color map[int]int
	// path is the current recursion stack, locks[i] is the lock of the
	// edge path[i] -> path[i+1].
	path  []int
	locks []string
	pos   map[int]int
	seen  map[string]bool

	cycles []Cycle
	log    logflags.Logger
}

func (f *cycleFinder) visit(id int) {
	f.color[id] = gray
	f.pos[id] = len(f.path)
	f.path = append(f.path, id)

	for _, i := range f.g.adj[id] {
		e := f.g.edges[i]
		switch f.color[e.To] {
		case white:
			f.locks = append(f.locks, e.Lock)
			f.visit(e.To)
			f.locks = f.locks[:len(f.locks)-1]
		case gray:
			start := f.pos[e.To]
			c := Cycle{
				Threads: append([]int(nil), f.path[start:]...),
				Locks:   append(append([]string(nil), f.locks[start:]...), e.Lock),
			}
			if k := c.key(); !f.seen[k] {
				f.seen[k] = true
				f.cycles = append(f.cycles, c)
				f.log.Debugf("cycle %v", c)
			}
		}
	}

	f.path = f.path[:len(f.path)-1]
	delete(f.pos, id)
	f.color[id] = black
}
