// Package waitgraph builds the wait-for graph of a snapshot and searches it
// for deadlocks.
//
// Nodes are gdb thread numbers. An edge A -> B means that thread A is
// blocked acquiring a lock held by thread B. A cycle in the graph is a
// deadlock.
package waitgraph

import (
	"fmt"

	"github.com/go-delve/dlock/pkg/extract"
	"github.com/go-delve/dlock/pkg/logflags"
)

// Edge is a wait: thread From waits for Lock, held by thread To.
type Edge struct {
	From, To int
	Lock     string
}

// Graph is a directed graph of thread numbers. Nodes and edges are kept in
// insertion order so that every traversal is deterministic.
type Graph struct {
	nodes []int
	known map[int]bool
	edges []Edge
	adj   map[int][]int // node -> indexes in edges
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{known: map[int]bool{}, adj: map[int][]int{}}
}

// AddNode adds thread id to the graph, it returns false if it was already
// present.
func (g *Graph) AddNode(id int) bool {
	if g.known[id] {
		return false
	}
	g.known[id] = true
	g.nodes = append(g.nodes, id)
	return true
}

// AddEdge records that thread from waits for lock, held by thread to.
// Edges are not validated here, FindCycles reports edges between unknown
// nodes.
func (g *Graph) AddEdge(from, to int, lock string) {
	g.adj[from] = append(g.adj[from], len(g.edges))
	g.edges = append(g.edges, Edge{From: from, To: to, Lock: lock})
}

// HasNode returns true if id is a node of the graph.
func (g *Graph) HasNode(id int) bool {
	return g.known[id]
}

// Nodes returns the nodes of the graph in insertion order.
func (g *Graph) Nodes() []int {
	return g.nodes
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// Out returns the edges leaving id.
func (g *Graph) Out(id int) []Edge {
	r := make([]Edge, 0, len(g.adj[id]))
	for _, i := range g.adj[id] {
		r = append(r, g.edges[i])
	}
	return r
}

// Wait describes a thread blocked on a lock.
type Wait struct {
	Thread int    `yaml:"thread"`
	Lock   string `yaml:"lock"`
	// Owner is the thread number of the owner, zero if it is not a
	// thread of the snapshot.
	Owner    int    `yaml:"owner,omitempty"`
	OwnerLWP int    `yaml:"owner-lwp,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
}

// Waits is the graph of a snapshot together with the waits that could
// not be turned into edges.
type Waits struct {
	Graph *Graph
	// Resolved are the waits that became edges.
	Resolved []Wait
	// Inconclusive are the waits on a lock whose owner is unknown.
	Inconclusive []Wait
	// SelfWaits are threads waiting on a lock they hold.
	SelfWaits []Wait
}

// Build converts the records of snap into a wait-for graph. Threads are
// visited in extraction order.
func Build(snap *extract.Snapshot) (*Waits, error) {
	log := logflags.GraphLogger()
	w := &Waits{Graph: New()}
	for _, th := range snap.Threads {
		w.Graph.AddNode(th.ID)
	}

	for _, th := range snap.Threads {
		if !th.Blocked() {
			continue
		}
		lk := snap.LockOf(th)
		if lk == nil {
			return nil, &InvariantError{Reason: fmt.Sprintf("thread %d waits on lock %s which was not extracted", th.ID, th.WaitingOn)}
		}
		wait := Wait{Thread: th.ID, Lock: lk.ID, OwnerLWP: lk.Owner}
		if lk.Owner == 0 {
			wait.Reason = "owner unknown"
			w.Inconclusive = append(w.Inconclusive, wait)
			log.WithField("thread", th.ID).Debugf("owner of %s unknown", lk.ID)
			continue
		}
		owner := snap.ThreadByLWP(lk.Owner)
		switch {
		case owner == nil:
			wait.Reason = fmt.Sprintf("owner LWP %d is not a thread of the target", lk.Owner)
			w.Inconclusive = append(w.Inconclusive, wait)
			log.WithField("thread", th.ID).Debugf("owner LWP %d of %s not found", lk.Owner, lk.ID)
		case owner.ID == th.ID:
			wait.Owner = th.ID
			w.SelfWaits = append(w.SelfWaits, wait)
			log.WithField("thread", th.ID).Warnf("waiting on %s which it already holds", lk.ID)
		default:
			wait.Owner = owner.ID
			w.Resolved = append(w.Resolved, wait)
			w.Graph.AddEdge(th.ID, owner.ID, lk.ID)
		}
	}
	if logflags.Graph() {
		for _, e := range w.Graph.Edges() {
			log.Debugf("edge %d -> %d (%s)", e.From, e.To, e.Lock)
		}
	}
	return w, nil
}
