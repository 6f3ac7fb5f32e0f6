package terminal

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/dlock/pkg/extract"
	"github.com/go-delve/dlock/pkg/waitgraph"
)

// NoDeadlockMessage is printed when the analysis found no cycle.
const NoDeadlockMessage = "no deadlock detected in this snapshot"

// PrintReport prints r, the result of the analysis of snap.
func (t *Term) PrintReport(snap *extract.Snapshot, r *waitgraph.Report) error {
	if err := t.checkThreads(snap); err != nil {
		return err
	}
	if t.opts.Format == FormatYAML {
		return t.printYAML(t.stdout, snap, r)
	}
	if !t.opts.NoPager {
		t.stdout.PageMaybe()
	}
	return t.printText(t.stdout, snap, r)
}

// checkThreads verifies that every thread selector matches a thread.
func (t *Term) checkThreads(snap *extract.Snapshot) error {
	var unknown []string
	for _, sel := range t.opts.Threads {
		found := false
		for _, th := range snap.Threads {
			if matchThread(sel, th) {
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, sel)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("no thread matches %s", strings.Join(unknown, ", "))
	}
	return nil
}

func matchThread(sel string, th *extract.Thread) bool {
	if n, err := strconv.Atoi(sel); err == nil {
		return th.ID == n
	}
	return th.Name == sel
}

func (t *Term) selected(th *extract.Thread) bool {
	if len(t.opts.Threads) == 0 {
		return true
	}
	for _, sel := range t.opts.Threads {
		if matchThread(sel, th) {
			return true
		}
	}
	return false
}

func (t *Term) filterWaits(snap *extract.Snapshot, waits []waitgraph.Wait) []waitgraph.Wait {
	if len(t.opts.Threads) == 0 {
		return waits
	}
	var r []waitgraph.Wait
	for _, w := range waits {
		if t.selected(snap.ThreadByID(w.Thread)) {
			r = append(r, w)
		}
	}
	return r
}

func (t *Term) threadName(snap *extract.Snapshot, id int) string {
	if th := snap.ThreadByID(id); th != nil {
		return t.color(ansiCyan, th.String())
	}
	return t.color(ansiCyan, fmt.Sprintf("Thread #%d", id))
}

func (t *Term) lockName(snap *extract.Snapshot, id string, kind bool) string {
	lk := snap.Locks[id]
	if lk == nil {
		return t.color(ansiYellow, id)
	}
	s := lk.ID
	if lk.Symbol != "" {
		s += " <" + lk.Symbol + ">"
	}
	s = t.color(ansiYellow, s)
	if kind {
		s = lk.Kind.String() + " " + s
	}
	return s
}

func callerOf(th *extract.Thread) string {
	if th == nil || th.Caller == "" {
		return ""
	}
	return " (in " + th.Caller + ")"
}

func (t *Term) printText(w io.Writer, snap *extract.Snapshot, r *waitgraph.Report) error {
	listed := map[int]bool{}
	n := 0
	for _, wait := range t.filterWaits(snap, r.Waits) {
		th := snap.ThreadByID(wait.Thread)
		fmt.Fprintf(w, "%s is waiting for lock %s%s owned by %s\n", t.threadName(snap, wait.Thread), t.lockName(snap, wait.Lock, false), callerOf(th), t.threadName(snap, wait.Owner))
		listed[wait.Thread], listed[wait.Owner] = true, true
		n++
	}
	for _, wait := range t.filterWaits(snap, r.SelfWaits) {
		th := snap.ThreadByID(wait.Thread)
		fmt.Fprintf(w, "%s is waiting for lock %s%s which it already holds\n", t.threadName(snap, wait.Thread), t.lockName(snap, wait.Lock, false), callerOf(th))
		listed[wait.Thread] = true
		n++
	}
	for _, wait := range t.filterWaits(snap, r.Inconclusive) {
		th := snap.ThreadByID(wait.Thread)
		fmt.Fprintf(w, "%s is waiting for lock %s%s, %s\n", t.threadName(snap, wait.Thread), t.lockName(snap, wait.Lock, false), callerOf(th), wait.Reason)
		listed[wait.Thread] = true
		n++
	}
	if n > 0 {
		fmt.Fprintln(w)
	}

	if !r.Deadlocked() {
		fmt.Fprintln(w, t.color(ansiGreen, NoDeadlockMessage))
	}
	for k, c := range r.Cycles {
		chain := make([]string, 0, len(c.Threads)+1)
		for _, id := range c.Threads {
			chain = append(chain, t.threadName(snap, id))
			listed[id] = true
		}
		chain = append(chain, t.threadName(snap, c.Threads[0]))
		fmt.Fprintf(w, "%s %s\n", t.bold(t.color(ansiRed, fmt.Sprintf("Deadlock #%d:", k+1))), strings.Join(chain, " -> "))
		for i, id := range c.Threads {
			next := c.Threads[(i+1)%len(c.Threads)]
			fmt.Fprintf(w, "  %s waits for %s%s held by %s\n", t.threadName(snap, id), t.lockName(snap, c.Locks[i], true), callerOf(snap.ThreadByID(id)), t.threadName(snap, next))
		}
	}

	if t.opts.Backtraces {
		for _, th := range snap.Threads {
			if !listed[th.ID] || !t.selected(th) {
				continue
			}
			fmt.Fprintf(w, "\n%s:\n", t.threadName(snap, th.ID))
			loc := th.Location()
			for i := range th.Frames {
				f := &th.Frames[i]
				if f == loc {
					// where the thread is stopped
					fmt.Fprintf(w, "  %s\n", t.color(ansiBlue, f.Raw))
					continue
				}
				fmt.Fprintf(w, "  %s\n", f.Raw)
			}
		}
	}
	return nil
}

type yamlThread struct {
	ID        int      `yaml:"id"`
	LWP       int      `yaml:"lwp,omitempty"`
	Name      string   `yaml:"name,omitempty"`
	WaitingOn string   `yaml:"waiting-on,omitempty"`
	Caller    string   `yaml:"caller,omitempty"`
	Backtrace []string `yaml:"backtrace,omitempty"`
}

type yamlLock struct {
	ID       string `yaml:"id"`
	Symbol   string `yaml:"symbol,omitempty"`
	Kind     string `yaml:"kind"`
	OwnerLWP int    `yaml:"owner-lwp"`
	Waiters  []int  `yaml:"waiters"`
}

type yamlReport struct {
	Deadlocked       bool `yaml:"deadlocked"`
	waitgraph.Report `yaml:",inline"`
	Threads          []yamlThread `yaml:"threads"`
	Locks            []yamlLock   `yaml:"locks,omitempty"`
}

func (t *Term) printYAML(w io.Writer, snap *extract.Snapshot, r *waitgraph.Report) error {
	out := yamlReport{Deadlocked: r.Deadlocked(), Report: *r}
	out.Waits = t.filterWaits(snap, r.Waits)
	out.SelfWaits = t.filterWaits(snap, r.SelfWaits)
	out.Inconclusive = t.filterWaits(snap, r.Inconclusive)
	if out.Cycles == nil {
		out.Cycles = []waitgraph.Cycle{}
	}

	for _, th := range snap.Threads {
		if lk := snap.LockOf(th); lk != nil && lk.Waiters[0] == th.ID {
			out.Locks = append(out.Locks, yamlLock{ID: lk.ID, Symbol: lk.Symbol, Kind: lk.Kind.String(), OwnerLWP: lk.Owner, Waiters: lk.Waiters})
		}
		if !t.selected(th) {
			continue
		}
		yt := yamlThread{ID: th.ID, LWP: th.LWP, Name: th.Name, WaitingOn: th.WaitingOn, Caller: th.Caller}
		if t.opts.Backtraces {
			for i := range th.Frames {
				yt.Backtrace = append(yt.Backtrace, th.Frames[i].Raw)
			}
		}
		out.Threads = append(out.Threads, yt)
	}

	buf, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
