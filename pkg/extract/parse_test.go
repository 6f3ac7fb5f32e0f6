package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readTestdata(t *testing.T, name string) string {
	t.Helper()
	buf, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

func TestParseThreadHeader(t *testing.T) {
	tests := []struct {
		line   string
		id     int
		lwp    int
		handle string
		name   string
	}{
		{`Thread 3 (Thread 0x7ffff75ff640 (LWP 4244) "worker-b"):`, 3, 4244, "0x7ffff75ff640", "worker-b"},
		{`Thread 12 (Thread 0x7f1c2d7fa700 (LWP 5122)):`, 12, 5122, "0x7f1c2d7fa700", ""},
		{`Thread 2 (LWP 7002):`, 2, 7002, "", ""},
		{`Thread 1 (process 9000):`, 1, 9000, "", ""},
		{`Thread 4 (Thread 0x7f0000001000 (LWP 11) "a (b)"):`, 4, 11, "0x7f0000001000", "a (b)"},
	}
	for _, tc := range tests {
		th, ok := parseThreadHeader(tc.line)
		if !ok {
			t.Errorf("could not parse %q", tc.line)
			continue
		}
		if th.ID != tc.id || th.LWP != tc.lwp || th.Handle != tc.handle || th.Name != tc.name {
			t.Errorf("%q: got id=%d lwp=%d handle=%q name=%q", tc.line, th.ID, th.LWP, th.Handle, th.Name)
		}
	}

	for _, line := range []string{"Thread 1:", "Thread one (LWP 1):", "Thread 1 (LWP 1)"} {
		if _, ok := parseThreadHeader(line); ok {
			t.Errorf("%q should not parse", line)
		}
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		line     string
		index    int
		pc       string
		function string
		args     string
		file     string
		lineno   int
		library  string
	}{
		{"#0  0x00007f1c2e3b34ed in __lll_lock_wait () from /lib64/libpthread.so.0",
			0, "0x00007f1c2e3b34ed", "__lll_lock_wait", "", "", 0, "/lib64/libpthread.so.0"},
		{"#3  ___pthread_mutex_lock (mutex=0x555555558040 <lock_a>) at ./nptl/pthread_mutex_lock.c:93",
			3, "", "___pthread_mutex_lock", "mutex=0x555555558040 <lock_a>", "./nptl/pthread_mutex_lock.c", 93, ""},
		{"#4  0x00005555555552a5 in thread_a (arg=0x0) at deadlock.c:19",
			4, "0x00005555555552a5", "thread_a", "arg=0x0", "deadlock.c", 19, ""},
		{"#1  0x0000000000401122 in worker (cb=0x401000 <f(int)>, n=2) at w.c:8",
			1, "0x0000000000401122", "worker", "cb=0x401000 <f(int)>, n=2", "w.c", 8, ""},
		{"#5  0x000055555555524b in ns::Worker::run (this=0x7fffffffd8f0) at worker.cc:41",
			5, "0x000055555555524b", "ns::Worker::run", "this=0x7fffffffd8f0", "worker.cc", 41, ""},
		{"#2  0x0000000000400b12 in main ()",
			2, "0x0000000000400b12", "main", "", "", 0, ""},
		{"#6  <signal handler called>",
			6, "", "<signal handler called>", "", "", 0, ""},
	}
	for _, tc := range tests {
		f, err := ParseFrame(tc.line)
		if err != nil {
			t.Errorf("%q: %v", tc.line, err)
			continue
		}
		if f.Index != tc.index || f.PC != tc.pc || f.Function != tc.function || f.Args != tc.args || f.File != tc.file || f.Line != tc.lineno || f.Library != tc.library {
			t.Errorf("%q: got %#v", tc.line, f)
		}
	}

	for _, line := range []string{"#1  0x00007ffff7c98002 in", "#x foo ()", "#2  foo (a=1", "#3  (a=1)"} {
		if _, err := ParseFrame(line); err == nil {
			t.Errorf("%q should not parse", line)
		}
	}
}

func TestParseBacktraces(t *testing.T) {
	threads, err := ParseBacktraces(readTestdata(t, "glibc235_bt.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads got %d", len(threads))
	}
	// gdb lists threads from the newest
	if threads[0].ID != 3 || threads[2].ID != 1 {
		t.Fatalf("wrong thread order %d %d", threads[0].ID, threads[2].ID)
	}
	if n := len(threads[0].Frames); n != 7 {
		t.Fatalf("expected 7 frames got %d", n)
	}
	if fn := threads[1].Frames[4].Function; fn != "thread_a" {
		t.Fatalf("expected thread_a got %q", fn)
	}
	if threads[2].Name != "deadlock" {
		t.Fatalf("wrong name %q", threads[2].Name)
	}

	threads, err = ParseBacktraces(readTestdata(t, "core_rwlock_bt.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if threads[0].LWP != 7002 || threads[0].Handle != "" {
		t.Fatalf("wrong thread %#v", threads[0])
	}
}

func TestParseBacktracesErrors(t *testing.T) {
	tests := []struct {
		name string
		out  string
		line int
	}{
		{"malformed frame", readTestdata(t, "malformed_bt.txt"), 4},
		{"empty", "", 0},
		{"no threads", "No stack.\n", 0},
		{"frame outside thread", "#0  main () at a.c:1\n", 1},
		{"duplicate thread", "Thread 1 (LWP 1):\n#0  main () at a.c:1\n\nThread 1 (LWP 1):\n#0  main () at a.c:1\n", 4},
		{"frame out of sequence", "Thread 1 (LWP 1):\n#0  f () at a.c:1\n#2  main () at a.c:1\n", 3},
		{"bad header", "Thread 1 LWP 1:\n#0  main () at a.c:1\n", 1},
		{"no symbols", "Thread 2 (LWP 2):\n#0  main () at a.c:1\n\nThread 1 (LWP 1):\n#0  0x00007f0000001000 in ?? ()\n#1  0x00007f0000002000 in ?? ()\n", 5},
	}
	for _, tc := range tests {
		_, err := ParseBacktraces(tc.out)
		var eerr *ExtractionError
		if !errors.As(err, &eerr) {
			t.Errorf("%s: expected ExtractionError got %v", tc.name, err)
			continue
		}
		if eerr.Command != CmdBacktrace || eerr.Line != tc.line {
			t.Errorf("%s: wrong error %#v", tc.name, eerr)
		}
	}
}

func TestParseBacktracesSkipsNoise(t *testing.T) {
	out := `
Thread 2 (LWP 12):
#0  0x00007f0000001000 in clone3 () from /lib64/libc.so.6
#1  0x00007f0000002000 in ?? ()
Backtrace stopped: previous frame inner to this frame (corrupt stack?)

Thread 1 (LWP 11):
[Switching to thread 1 (LWP 11)]
#0  main () at a.c:3
(More stack frames follow...)
`
	threads, err := ParseBacktraces(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(threads) != 2 || len(threads[0].Frames) != 2 || len(threads[1].Frames) != 1 {
		t.Fatalf("wrong threads %#v", threads)
	}
}

func TestParseThreadNames(t *testing.T) {
	names := ParseThreadNames(readTestdata(t, "glibc235_threads.txt"))
	if len(names) != 3 || names[4243] != "worker-a" || names[4244] != "worker-b" || names[4242] != "deadlock" {
		t.Fatalf("wrong names %v", names)
	}
	if names := ParseThreadNames(readTestdata(t, "glibc217_threads.txt")); len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
}

func TestLockArg(t *testing.T) {
	tests := []struct {
		args, addr, sym string
		ok              bool
	}{
		{"mutex=0x555555558040 <lock_a>", "0x555555558040", "lock_a", true},
		{"futex=futex@entry=0x555555558080 <lock_b>, private=0", "0x555555558080", "lock_b", true},
		{"abstime=0x0, clockid=0, rwlock=0x4040e0 <rw>", "0x4040e0", "rw", true},
		{"mutex=0x7FFFFFFFD8F0", "0x7fffffffd8f0", "", true},
		{"mutex=0x0", "", "", false},
		{"mutex=<optimized out>", "", "", false},
		{"arg=0x4040e0", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range tests {
		addr, sym, ok := LockArg(tc.args)
		if addr != tc.addr || sym != tc.sym || ok != tc.ok {
			t.Errorf("LockArg(%q) = %q, %q, %v", tc.args, addr, sym, ok)
		}
	}
}

func TestLockAddrFromRegisters(t *testing.T) {
	regs, err := ParseRegisters(readTestdata(t, "registers_5121.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if regs[0].Name != "rax" || regs[0].Raw != "0xfffffffffffffe00" || regs[0].Natural != "-512" {
		t.Fatalf("wrong register %#v", regs[0])
	}
	addr, ok := LockAddrFromRegisters(regs)
	if !ok || addr != "0x6010c0" {
		t.Fatalf("expected 0x6010c0 got %q %v", addr, ok)
	}

	regs, _ = ParseRegisters("rax 0x0 0\nrsi 0x81 129\nrdi 0x6010c0 6295744\n")
	if _, ok := LockAddrFromRegisters(regs); ok {
		t.Fatal("found a futex address without a FUTEX_WAIT_PRIVATE operation")
	}

	_, err = ParseRegisters("The program has no registers now.\n")
	var eerr *ExtractionError
	if !errors.As(err, &eerr) || eerr.Command != CmdRegisters {
		t.Fatalf("expected ExtractionError got %v", err)
	}
}

func TestParseLockOwner(t *testing.T) {
	mutex := `$1 = {__data = {__lock = 2, __count = 0, __owner = 4244, __nusers = 1, __kind = 0, __spins = 0, __elision = 0, __list = {__prev = 0x0, __next = 0x0}}, __size = "\002\000\000\000\000\000\000\000\224\020\000\000\001", '\000' <repeats 26 times>, __align = 2}`
	if owner, ok := ParseLockOwner(LockMutex, mutex); !ok || owner != 4244 {
		t.Fatalf("expected 4244 got %d %v", owner, ok)
	}
	free := `$2 = {__data = {__lock = 0, __count = 0, __owner = 0, __nusers = 0, __kind = 0, __spins = 0, __elision = 0, __list = {__prev = 0x0, __next = 0x0}}, __size = '\000' <repeats 39 times>, __align = 0}`
	if owner, ok := ParseLockOwner(LockMutex, free); !ok || owner != 0 {
		t.Fatalf("expected 0 got %d %v", owner, ok)
	}
	if owner, ok := ParseLockOwner(LockMutex, `$3 = {__data = {__lock = -2147483646, __count = 1, __owner = -2147483648}}`); !ok || owner != 0 {
		t.Fatalf("expected 0 for a dead owner got %d %v", owner, ok)
	}
	rw := `$4 = {__data = {__readers = 10, __writers = 1, __wrphase_futex = 1, __writers_futex = 3, __pad3 = 0, __pad4 = 0, __cur_writer = 7001, __shared = 0, __rwelision = 0 '\000', __pad1 = "\000\000\000\000\000\000", __pad2 = 0, __flags = 0}, __align = 10}`
	if owner, ok := ParseLockOwner(LockRWLock, rw); !ok || owner != 7001 {
		t.Fatalf("expected 7001 got %d %v", owner, ok)
	}
	if _, ok := ParseLockOwner(LockRWLock, mutex); ok {
		t.Fatal("found a rwlock writer in a mutex")
	}
	if _, ok := ParseLockOwner(LockMutex, `No symbol "pthread_mutex_t" in current context.`); ok {
		t.Fatal("found an owner in an error message")
	}
}

func TestParseWords(t *testing.T) {
	words, ok := ParseWords("0x6010c0 <lock_b>:\t2\t0\t5122")
	if !ok || len(words) != 3 || words[2] != 5122 {
		t.Fatalf("wrong words %v %v", words, ok)
	}
	words, ok = ParseWords("0x4040e0 <ns::rw>:\t10\t1\t1\t3\n0x4040f0 <ns::rw+16>:\t0\t0\t7001")
	if !ok || len(words) != 7 || words[6] != 7001 {
		t.Fatalf("wrong words %v %v", words, ok)
	}
	if _, ok := ParseWords("Cannot access memory at address 0x6010c0"); ok {
		t.Fatal("parsed an error message")
	}
}

func TestExtractionErrorMessage(t *testing.T) {
	err := &ExtractionError{Command: CmdBacktrace, Line: 4, Reason: "malformed frame", Output: "#1  0x00007ffff7c98002 in"}
	for _, s := range []string{`"thread apply all bt"`, "line 4", "malformed frame"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("%q missing from %q", s, err.Error())
		}
	}
	err = &ExtractionError{Command: CmdRegisters, Reason: "no registers found", Output: strings.Repeat("x", 500)}
	if len(err.Error()) > 300 {
		t.Errorf("output not truncated: %d", len(err.Error()))
	}
}
