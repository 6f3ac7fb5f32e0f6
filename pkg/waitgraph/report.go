package waitgraph

import (
	"github.com/go-delve/dlock/pkg/extract"
	"github.com/go-delve/dlock/pkg/logflags"
)

// Report is the result of the analysis of a snapshot. An empty Cycles list
// means no deadlock was found in the snapshot, it does not prove that the
// target is making progress.
type Report struct {
	Cycles       []Cycle `yaml:"deadlocks"`
	Waits        []Wait  `yaml:"waits,omitempty"`
	Inconclusive []Wait  `yaml:"inconclusive,omitempty"`
	SelfWaits    []Wait  `yaml:"self-waits,omitempty"`
}

// Deadlocked returns true if at least one cycle was found.
func (r *Report) Deadlocked() bool {
	return len(r.Cycles) > 0
}

// Analyze builds the wait-for graph of snap and searches it for cycles.
func Analyze(snap *extract.Snapshot) (*Report, error) {
	w, err := Build(snap)
	if err != nil {
		return nil, err
	}
	cycles, err := FindCycles(w.Graph)
	if err != nil {
		return nil, err
	}
	logflags.GraphLogger().Infof("%d threads, %d waits, %d deadlocks", len(w.Graph.Nodes()), len(w.Graph.Edges()), len(cycles))
	return &Report{
		Cycles:       cycles,
		Waits:        w.Resolved,
		Inconclusive: w.Inconclusive,
		SelfWaits:    w.SelfWaits,
	}, nil
}
