package extract

import (
	"fmt"
	"sort"
)

// LockKind is the kind of lock a thread is blocked on.
type LockKind uint8

const (
	LockMutex LockKind = iota
	LockRWLock
)

func (k LockKind) String() string {
	switch k {
	case LockMutex:
		return "mutex"
	case LockRWLock:
		return "rwlock"
	default:
		return fmt.Sprintf("LockKind(%d)", uint8(k))
	}
}

// Frame is a single frame of a backtrace as printed by gdb.
type Frame struct {
	Index int
	// PC is empty when gdb omits it, which it does when the frame is
	// stopped at the beginning of a source line.
	PC       string
	Function string
	Args     string
	File     string
	Line     int
	Library  string
	Raw      string
}

// HasSource returns true if gdb printed a source location for the frame.
func (f *Frame) HasSource() bool {
	return f.File != ""
}

// Thread is a thread of the target as seen by gdb.
type Thread struct {
	// ID is gdb's thread number.
	ID int
	// LWP is the kernel thread id.
	LWP int
	// Handle is the pthread_t of the thread, if known.
	Handle string
	Name   string
	Frames []Frame

	// WaitingOn is the address of the lock the thread is blocked
	// acquiring, empty if it is not blocked on a lock.
	WaitingOn string
	// LockFrame is the index of the outermost lock acquire frame.
	LockFrame int
	// Caller is the function that called into the lock acquire routine.
	Caller string
}

// Location returns the innermost frame of the thread.
func (th *Thread) Location() *Frame {
	if len(th.Frames) == 0 {
		return nil
	}
	return &th.Frames[0]
}

// Blocked returns true if the thread is waiting to acquire a lock.
func (th *Thread) Blocked() bool {
	return th.WaitingOn != ""
}

// String returns a readable name for the thread.
func (th *Thread) String() string {
	if th.Name != "" {
		return fmt.Sprintf("Thread #%d %s", th.ID, th.Name)
	}
	return fmt.Sprintf("Thread #%d", th.ID)
}

// Lock is a lock some thread of the target is waiting on.
type Lock struct {
	// ID is the address of the lock.
	ID string
	// Symbol is the name gdb printed for the address, if any.
	Symbol string
	Kind   LockKind
	// Owner is the LWP of the thread holding the lock, zero if it can not
	// be determined.
	Owner int
	// Waiters are the ids of the threads blocked on the lock, in
	// extraction order.
	Waiters []int
}

func (l *Lock) String() string {
	if l.Symbol != "" {
		return fmt.Sprintf("%s %s <%s>", l.Kind, l.ID, l.Symbol)
	}
	return fmt.Sprintf("%s %s", l.Kind, l.ID)
}

// Snapshot is the state of all threads and of the locks they wait on at
// the time of the analysis.
type Snapshot struct {
	// Threads in extraction order (ascending gdb thread number).
	Threads []*Thread
	// Locks indexed by address.
	Locks map[string]*Lock

	byID  map[int]*Thread
	byLWP map[int]*Thread
}

// NewSnapshot sorts threads by thread number and indexes them.
func NewSnapshot(threads []*Thread, locks map[string]*Lock) (*Snapshot, error) {
	sort.SliceStable(threads, func(i, j int) bool { return threads[i].ID < threads[j].ID })
	s := &Snapshot{
		Threads: threads,
		Locks:   locks,
		byID:    make(map[int]*Thread, len(threads)),
		byLWP:   make(map[int]*Thread, len(threads)),
	}
	if s.Locks == nil {
		s.Locks = map[string]*Lock{}
	}
	for _, th := range threads {
		if _, dup := s.byID[th.ID]; dup {
			return nil, fmt.Errorf("duplicate thread number %d", th.ID)
		}
		s.byID[th.ID] = th
		if th.LWP != 0 {
			if _, dup := s.byLWP[th.LWP]; dup {
				return nil, fmt.Errorf("duplicate LWP %d", th.LWP)
			}
			s.byLWP[th.LWP] = th
		}
	}
	return s, nil
}

// ThreadByID returns the thread with gdb thread number id.
func (s *Snapshot) ThreadByID(id int) *Thread {
	return s.byID[id]
}

// ThreadByLWP returns the thread with kernel thread id lwp.
func (s *Snapshot) ThreadByLWP(lwp int) *Thread {
	return s.byLWP[lwp]
}

// LockOf returns the lock th is waiting on, nil if it isn't blocked.
func (s *Snapshot) LockOf(th *Thread) *Lock {
	if th == nil || !th.Blocked() {
		return nil
	}
	return s.Locks[th.WaitingOn]
}
