package extract

import (
	"fmt"
	"strings"

	"github.com/derekparker/trie"
)

// signature describes a function threads call to acquire a lock.
type signature struct {
	kind LockKind
	// internal functions are called by the public lock routines, their
	// arguments do not say what kind of lock is being acquired.
	internal bool
}

var builtinSignatures = map[string]signature{
	"pthread_mutex_lock":             {kind: LockMutex},
	"pthread_mutex_lock_full":        {kind: LockMutex},
	"pthread_mutex_timedlock":        {kind: LockMutex},
	"pthread_mutex_clocklock":        {kind: LockMutex},
	"pthread_mutex_clocklock_common": {kind: LockMutex},

	"lll_lock_wait":            {kind: LockMutex, internal: true},
	"lll_lock_wait_private":    {kind: LockMutex, internal: true},
	"lll_mutex_lock_optimized": {kind: LockMutex, internal: true},

	"pthread_rwlock_rdlock":        {kind: LockRWLock},
	"pthread_rwlock_wrlock":        {kind: LockRWLock},
	"pthread_rwlock_timedrdlock":   {kind: LockRWLock},
	"pthread_rwlock_timedwrlock":   {kind: LockRWLock},
	"pthread_rwlock_clockrdlock":   {kind: LockRWLock},
	"pthread_rwlock_clockwrlock":   {kind: LockRWLock},
	"pthread_rwlock_rdlock_full":   {kind: LockRWLock},
	"pthread_rwlock_wrlock_full":   {kind: LockRWLock},
	"pthread_rwlock_rdlock_full64": {kind: LockRWLock},
	"pthread_rwlock_wrlock_full64": {kind: LockRWLock},
}

// Signatures is the table of functions recognized as blocking lock
// acquisitions.
type Signatures struct {
	t *trie.Trie
}

// NewSignatures returns the built in table of lock functions extended
// with extra, a map from function name to lock kind ("mutex" or
// "rwlock"). A name ending in '*' matches every function starting with
// the rest of the name.
func NewSignatures(extra map[string]string) (*Signatures, error) {
	s := &Signatures{t: trie.New()}
	for name, sig := range builtinSignatures {
		s.t.Add(name, sig)
	}
	for name, kind := range extra {
		var sig signature
		switch strings.ToLower(kind) {
		case "mutex":
			sig.kind = LockMutex
		case "rwlock":
			sig.kind = LockRWLock
		default:
			return nil, fmt.Errorf("unknown lock kind %q for function %q", kind, name)
		}
		name = normalizeFunction(name)
		if name == "" || name == "*" {
			return nil, fmt.Errorf("empty lock function name")
		}
		if strings.Contains(strings.TrimSuffix(name, "*"), "*") {
			return nil, fmt.Errorf("invalid lock function %q, '*' is only allowed at the end", name)
		}
		s.t.Add(name, sig)
	}
	return s, nil
}

// Lookup returns the kind of lock acquired by function fn. Internal is
// true for the low level routines shared by all lock kinds.
func (s *Signatures) Lookup(fn string) (kind LockKind, internal bool, ok bool) {
	fn = normalizeFunction(fn)
	node, found := s.t.Find(fn)
	if !found {
		node, found = s.findPattern(fn)
	}
	if !found {
		return 0, false, false
	}
	sig := node.Meta().(signature)
	return sig.kind, sig.internal, true
}

// findPattern returns the longest "prefix*" entry matching fn.
func (s *Signatures) findPattern(fn string) (*trie.Node, bool) {
	var best *trie.Node
	for i := 1; i <= len(fn); i++ {
		if !s.t.HasKeysWithPrefix(fn[:i]) {
			break
		}
		if node, ok := s.t.Find(fn[:i] + "*"); ok {
			best = node
		}
	}
	return best, best != nil
}

// Names returns the names of all recognized functions.
func (s *Signatures) Names() []string {
	return s.t.Keys()
}

// normalizeFunction strips the decorations glibc and gdb add to function
// names: symbol versions (pthread_mutex_lock@GLIBC_2.2.5), the __GI_
// prefix of internal aliases and leading underscores.
func normalizeFunction(fn string) string {
	if i := strings.Index(fn, "@"); i >= 0 {
		fn = fn[:i]
	}
	fn = strings.TrimLeft(fn, "_")
	fn = strings.TrimPrefix(fn, "GI_")
	return strings.TrimLeft(fn, "_")
}
