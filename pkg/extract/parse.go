package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Debugger commands issued by the extractor.
const (
	CmdBacktrace   = "thread apply all bt"
	CmdInfoThreads = "info threads"
	CmdRegisters   = "info registers"
)

// unknownFunction is what gdb prints in place of the function name of a
// frame it has no symbol for.
const unknownFunction = "??"

var (
	threadHeaderRx = regexp.MustCompile(`^Thread (\d+) \((?:Thread (0x[0-9a-fA-F]+) \(LWP (\d+)\)|LWP (\d+)|process (\d+))(?: "(.*)")?\):$`)
	frameHeadRx    = regexp.MustCompile(`^#(\d+)\s+(?:(0x[0-9a-fA-F]+) in )?(.+)$`)
	frameSuffixRx  = regexp.MustCompile(` (?:at (\S+?)(?::(\d+))?|from (\S+))$`)
	threadNameRx   = regexp.MustCompile(`\((?:LWP|process) (\d+)\) "([^"]*)"`)
	lockArgRx      = regexp.MustCompile(`\b(?:mutex|rwlock|futex|futex_word|lock)=(?:\w+@entry=)?(0x[0-9a-fA-F]+)(?: <([^>]+)>)?`)
	mutexOwnerRx   = regexp.MustCompile(`__owner = (-?\d+)`)
	rwlockOwnerRx  = regexp.MustCompile(`__cur_writer = (-?\d+)`)
)

// ParseBacktraces parses the output of "thread apply all bt".
func ParseBacktraces(out string) ([]*Thread, error) {
	var (
		threads []*Thread
		cur     *Thread
	)
	seen := map[int]bool{}

	for i, line := range strings.Split(out, "\n") {
		lineno := i + 1
		line = strings.TrimRight(line, " \r")
		switch {
		case line == "":
			cur = nil

		case strings.HasPrefix(line, "Thread "):
			th, ok := parseThreadHeader(line)
			if !ok {
				return nil, &ExtractionError{Command: CmdBacktrace, Line: lineno, Reason: "malformed thread header", Output: line}
			}
			if seen[th.ID] {
				return nil, &ExtractionError{Command: CmdBacktrace, Line: lineno, Reason: fmt.Sprintf("thread %d listed twice", th.ID), Output: line}
			}
			seen[th.ID] = true
			threads = append(threads, th)
			cur = th

		case strings.HasPrefix(line, "#"):
			if cur == nil {
				return nil, &ExtractionError{Command: CmdBacktrace, Line: lineno, Reason: "frame outside of a thread", Output: line}
			}
			frame, err := ParseFrame(line)
			if err != nil {
				return nil, &ExtractionError{Command: CmdBacktrace, Line: lineno, Reason: err.Error(), Output: line}
			}
			if frame.Index != len(cur.Frames) {
				return nil, &ExtractionError{Command: CmdBacktrace, Line: lineno, Reason: fmt.Sprintf("expected frame #%d", len(cur.Frames)), Output: line}
			}
			// Without a symbol for the innermost frame a thread blocked on a
			// lock is indistinguishable from a running one.
			if frame.Index == 0 && frame.Function == unknownFunction {
				return nil, &ExtractionError{Command: CmdBacktrace, Line: lineno, Reason: fmt.Sprintf("no symbols for thread %d", cur.ID), Output: line}
			}
			cur.Frames = append(cur.Frames, frame)

		default:
			// "Backtrace stopped: ...", "(More stack frames follow...)",
			// warnings and messages printed while switching threads.
		}
	}

	if len(threads) == 0 {
		return nil, &ExtractionError{Command: CmdBacktrace, Reason: "no threads found", Output: out}
	}
	return threads, nil
}

func parseThreadHeader(line string) (*Thread, bool) {
	m := threadHeaderRx.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	th := &Thread{Handle: m[2], Name: m[6]}
	th.ID, _ = strconv.Atoi(m[1])
	for _, lwp := range m[3:6] {
		if lwp != "" {
			th.LWP, _ = strconv.Atoi(lwp)
			break
		}
	}
	return th, true
}

// ParseFrame parses a single frame line of a gdb backtrace, for example:
//
//	#2  0x00005555555551f9 in thread_b (arg=0x0) at deadlock.c:22
//	#0  0x00007ffff7e9b4f0 in __lll_lock_wait () from /lib64/libpthread.so.0
//	#3  ___pthread_mutex_lock (mutex=0x555555558040 <lock_a>) at pthread_mutex_lock.c:93
func ParseFrame(line string) (Frame, error) {
	m := frameHeadRx.FindStringSubmatch(line)
	if m == nil {
		return Frame{}, fmt.Errorf("malformed frame")
	}
	f := Frame{Raw: line, PC: m[2]}
	f.Index, _ = strconv.Atoi(m[1])
	rest := m[3]

	if strings.HasPrefix(rest, "<") && strings.HasSuffix(rest, ">") {
		// <signal handler called>
		f.Function = rest
		return f, nil
	}

	if sm := frameSuffixRx.FindStringSubmatchIndex(rest); sm != nil {
		if sm[2] >= 0 {
			f.File = rest[sm[2]:sm[3]]
			if sm[4] >= 0 {
				f.Line, _ = strconv.Atoi(rest[sm[4]:sm[5]])
			}
		} else {
			f.Library = rest[sm[6]:sm[7]]
		}
		rest = rest[:sm[0]]
	}

	if !strings.HasSuffix(rest, ")") {
		return Frame{}, fmt.Errorf("missing argument list")
	}
	open := matchingParen(rest)
	if open < 0 {
		return Frame{}, fmt.Errorf("unbalanced argument list")
	}
	f.Function = strings.TrimSpace(rest[:open])
	f.Args = rest[open+1 : len(rest)-1]
	if f.Function == "" {
		return Frame{}, fmt.Errorf("missing function name")
	}
	return f, nil
}

// matchingParen returns the index of the parenthesis matching the one
// that ends s.
func matchingParen(s string) int {
	depth := 0
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ParseThreadNames parses the output of "info threads" and returns the
// names of the threads indexed by LWP.
func ParseThreadNames(out string) map[int]string {
	r := map[int]string{}
	for _, line := range strings.Split(out, "\n") {
		m := threadNameRx.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lwp, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		r[lwp] = m[2]
	}
	return r
}

// LockArg returns the lock address and its symbol from the argument list
// of a frame.
func LockArg(args string) (addr, symbol string, ok bool) {
	m := lockArgRx.FindStringSubmatch(args)
	if m == nil {
		return "", "", false
	}
	addr, ok = normalizeAddr(m[1])
	return addr, m[2], ok
}

// Register is a register as printed by "info registers".
type Register struct {
	Name    string
	Raw     string
	Natural string
}

// ParseRegisters parses the output of "info registers".
func ParseRegisters(out string) ([]Register, error) {
	var regs []Register
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[1], "0x") {
			continue
		}
		regs = append(regs, Register{Name: fields[0], Raw: fields[1], Natural: strings.Join(fields[2:], " ")})
	}
	if len(regs) == 0 {
		return nil, &ExtractionError{Command: CmdRegisters, Reason: "no registers found", Output: out}
	}
	return regs, nil
}

// futexWaitPrivate is the value of FUTEX_WAIT|FUTEX_PRIVATE_FLAG.
const futexWaitPrivate = "0x80"

// LockAddrFromRegisters recovers the address of the futex a thread is
// sleeping on from the registers of its innermost frame. The futex
// operation argument is followed, in the order gdb prints registers, by the
// register holding the futex address (rsi, rdi on x86-64).
func LockAddrFromRegisters(regs []Register) (string, bool) {
	for i := 0; i+1 < len(regs); i++ {
		if regs[i].Raw == futexWaitPrivate && regs[i].Natural == "128" {
			return normalizeAddr(regs[i+1].Raw)
		}
	}
	return "", false
}

// ParseLockOwner parses the output of printing a pthread_mutex_t or a
// pthread_rwlock_t and returns the LWP of the owner, zero if the lock has
// no owner.
func ParseLockOwner(kind LockKind, out string) (int, bool) {
	rx := mutexOwnerRx
	if kind == LockRWLock {
		rx = rwlockOwnerRx
	}
	m := rx.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	owner, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if owner < 0 {
		// robust mutex whose owner died
		owner = 0
	}
	return owner, true
}

// ParseWords parses the output of an "x/Ndw ADDR" command.
func ParseWords(out string) ([]int64, bool) {
	var r []int64
	for _, line := range strings.Split(out, "\n") {
		colon := strings.LastIndex(line, ":")
		if !strings.HasPrefix(line, "0x") || colon < 0 {
			continue
		}
		for _, field := range strings.Fields(line[colon+1:]) {
			n, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return nil, false
			}
			r = append(r, n)
		}
	}
	return r, len(r) > 0
}

func normalizeAddr(s string) (string, bool) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil || n == 0 {
		return "", false
	}
	return fmt.Sprintf("%#x", n), true
}
