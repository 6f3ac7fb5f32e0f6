// Package extract turns the textual output of gdb into thread and lock
// records.
//
// The Extractor issues a fixed sequence of read-only commands through a
// session.Session. Every piece of output is handed to a pure parsing
// function; output that does not have the expected shape is reported as an
// *ExtractionError instead of being skipped.
package extract

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/dlock/pkg/logflags"
	"github.com/go-delve/dlock/pkg/session"
)

// DefaultFunctionCacheSize is the number of function names whose
// signature lookup is remembered by an Extractor when no size is
// configured.
const DefaultFunctionCacheSize = 512

// Extractor collects a Snapshot from a debugger session.
type Extractor struct {
	sess session.Session
	sigs *Signatures

	// functions caches sigs.Lookup by the function name printed by gdb.
	functions *lru.Cache
	hits      int
	misses    int
	log       logflags.Logger
}

type lookupResult struct {
	kind     LockKind
	internal bool
	ok       bool
}

// New returns an Extractor that runs its commands on sess. If sigs is nil
// the built in lock functions are used. cacheSize is the number of
// function names whose classification is remembered.
func New(sess session.Session, sigs *Signatures, cacheSize int) (*Extractor, error) {
	if sigs == nil {
		var err error
		sigs, err = NewSignatures(nil)
		if err != nil {
			return nil, err
		}
	}
	if cacheSize <= 0 {
		cacheSize = DefaultFunctionCacheSize
	}
	functions, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Extractor{sess: sess, sigs: sigs, functions: functions, log: logflags.ExtractLogger()}, nil
}

// lookup is sigs.Lookup memoized by fn. The same handful of functions
// (start_thread, clone, the lock routines) appear in every thread.
func (e *Extractor) lookup(fn string) (LockKind, bool, bool) {
	if v, ok := e.functions.Get(fn); ok {
		e.hits++
		r := v.(lookupResult)
		return r.kind, r.internal, r.ok
	}
	e.misses++
	kind, internal, ok := e.sigs.Lookup(fn)
	e.functions.Add(fn, lookupResult{kind: kind, internal: internal, ok: ok})
	return kind, internal, ok
}

// Extract lists all threads of the target, determines which ones are
// blocked acquiring a lock and who owns each of those locks.
func (e *Extractor) Extract() (*Snapshot, error) {
	out, err := e.sess.RunCommand(CmdBacktrace)
	if err != nil {
		return nil, err
	}
	threads, err := ParseBacktraces(out)
	if err != nil {
		return nil, err
	}
	e.log.Debugf("%d threads", len(threads))

	out, err = e.sess.RunCommand(CmdInfoThreads)
	if err != nil {
		return nil, err
	}
	names := ParseThreadNames(out)
	for _, th := range threads {
		if th.Name == "" {
			th.Name = names[th.LWP]
		}
	}

	snap, err := NewSnapshot(threads, nil)
	if err != nil {
		return nil, &ExtractionError{Command: CmdBacktrace, Reason: err.Error()}
	}

	for _, th := range snap.Threads {
		kind, sym, err := e.classify(th)
		if err != nil {
			return nil, err
		}
		if !th.Blocked() {
			continue
		}
		lk := snap.Locks[th.WaitingOn]
		if lk == nil {
			lk = &Lock{ID: th.WaitingOn, Kind: kind}
			snap.Locks[lk.ID] = lk
		} else if lk.Kind != kind {
			e.log.Warnf("lock %s acquired both as %s and %s", lk.ID, lk.Kind, kind)
		}
		if lk.Symbol == "" {
			lk.Symbol = sym
		}
		lk.Waiters = append(lk.Waiters, th.ID)
		e.log.WithFields(logflags.Fields{"thread": th.ID, "lock": lk.ID}).Debugf("blocked in %s", th.Frames[th.LockFrame].Function)
	}

	// owners are queried in the order the locks were first waited on
	for _, th := range snap.Threads {
		lk := snap.LockOf(th)
		if lk == nil || lk.Waiters[0] != th.ID {
			continue
		}
		lk.Owner, err = e.owner(lk)
		if err != nil {
			return nil, err
		}
		e.log.WithField("lock", lk.ID).Debugf("owner LWP %d", lk.Owner)
	}
	if logflags.Extract() {
		e.log.Debugf("%d locks, function lookups: %d cached, %d resolved", len(snap.Locks), e.hits, e.misses)
	}
	return snap, nil
}

// classify finds the lock acquire routine th is blocked in, if any, and
// fills in WaitingOn, LockFrame and Caller.
func (e *Extractor) classify(th *Thread) (LockKind, string, error) {
	first := -1
	for i := range th.Frames {
		if _, _, ok := e.lookup(th.Frames[i].Function); ok {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, "", nil
	}
	// the outermost lock frame may be separated from the innermost one by
	// library frames without debug info (_L_lock_NNN on older glibc)
	last := first
	for i := first + 1; i < len(th.Frames); i++ {
		if _, _, ok := e.lookup(th.Frames[i].Function); ok {
			last = i
			continue
		}
		if th.Frames[i].HasSource() {
			break
		}
	}

	kind := LockMutex
	for i := last; i >= first; i-- {
		if k, internal, ok := e.lookup(th.Frames[i].Function); ok && !internal {
			kind = k
			break
		}
	}

	var addr, sym string
	for i := last; i >= first && addr == ""; i-- {
		k, internal, ok := e.lookup(th.Frames[i].Function)
		if !ok {
			continue
		}
		if kind == LockRWLock && (internal || k != LockRWLock) {
			// internal futexes of a rwlock are not the rwlock
			continue
		}
		addr, sym, _ = LockArg(th.Frames[i].Args)
	}

	if addr == "" {
		if kind != LockMutex {
			return 0, "", &ExtractionError{Command: CmdBacktrace, Reason: fmt.Sprintf("address of the %s thread %d is waiting on is not available", kind, th.ID), Output: th.Frames[last].Raw}
		}
		var err error
		addr, err = e.lockAddrFromRegisters(th)
		if err != nil {
			return 0, "", err
		}
	}

	th.WaitingOn = addr
	th.LockFrame = last
	for i := last + 1; i < len(th.Frames); i++ {
		if th.Frames[i].HasSource() {
			th.Caller = th.Frames[i].Function
			break
		}
	}
	if th.Caller == "" && last+1 < len(th.Frames) {
		th.Caller = th.Frames[last+1].Function
	}
	return kind, sym, nil
}

// lockAddrFromRegisters selects the innermost frame of th and recovers the
// futex address from its registers.
func (e *Extractor) lockAddrFromRegisters(th *Thread) (string, error) {
	for _, cmd := range []string{fmt.Sprintf("thread %d", th.ID), "frame 0"} {
		if _, err := e.sess.RunCommand(cmd); err != nil {
			return "", err
		}
	}
	out, err := e.sess.RunCommand(CmdRegisters)
	if err != nil {
		return "", err
	}
	regs, err := ParseRegisters(out)
	if err != nil {
		return "", err
	}
	addr, ok := LockAddrFromRegisters(regs)
	if !ok {
		return "", &ExtractionError{Command: CmdRegisters, Reason: fmt.Sprintf("no futex wait in the registers of thread %d", th.ID), Output: out}
	}
	e.log.WithField("thread", th.ID).Debugf("lock address %s recovered from registers", addr)
	return addr, nil
}

// owner returns the LWP of the thread holding lk, zero if the lock has no
// owner that can be determined.
func (e *Extractor) owner(lk *Lock) (int, error) {
	typ, words, word := "pthread_mutex_t", 3, 2
	if lk.Kind == LockRWLock {
		typ, words, word = "pthread_rwlock_t", 7, 6
	}

	printCmd := fmt.Sprintf("print *(%s *) %s", typ, lk.ID)
	out, err := e.sess.RunCommand(printCmd)
	if err != nil {
		return 0, err
	}
	owner, ok := ParseLockOwner(lk.Kind, out)
	if !ok {
		// no debug info for libc, read the owner field from memory
		e.log.WithField("lock", lk.ID).Debugf("%s: %s", printCmd, out)
		xCmd := fmt.Sprintf("x/%ddw %s", words, lk.ID)
		xout, err := e.sess.RunCommand(xCmd)
		if err != nil {
			return 0, err
		}
		w, ok := ParseWords(xout)
		if !ok || len(w) <= word {
			return 0, &ExtractionError{Command: xCmd, Reason: fmt.Sprintf("owner of %s not found", lk), Output: xout}
		}
		owner = int(w[word])
		if owner < 0 {
			owner = 0
		}
	}
	return owner, nil
}
