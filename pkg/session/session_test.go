package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// fakeGdb answers commands read from in the way gdb does, using canned
// responses, until in is closed.
func fakeGdb(in io.Reader, out io.WriteCloser, responses map[string]string) {
	defer out.Close()
	s := bufio.NewScanner(in)
	for s.Scan() {
		line := s.Text()
		if strings.HasPrefix(line, "echo ") {
			io.WriteString(out, strings.Replace(strings.TrimPrefix(line, "echo "), `\n`, "\n", -1))
			continue
		}
		if line == "hang" {
			select {}
		}
		if line == "exit" {
			return
		}
		io.WriteString(out, gdbPrompt+responses[line])
	}
}

func newTestConn(t *testing.T, timeout time.Duration, responses map[string]string) *gdbConn {
	inr, inw := io.Pipe()
	outr, outw := io.Pipe()
	go fakeGdb(inr, outw, responses)
	conn := newGdbConn(inw, outr, timeout)
	t.Cleanup(func() { conn.close() })
	return conn
}

func TestGdbConnExec(t *testing.T) {
	conn := newTestConn(t, 0, map[string]string{
		"info threads": "  Id   Target Id         Frame \n* 1    Thread 0x7ffff7d8a740 (LWP 4242) \"a.out\" main () at a.c:3\n",
		"print 1":      "$1 = 1", // no trailing newline
	})

	banner, err := conn.exec("")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if banner != "" {
		t.Fatalf("expected empty banner, got %q", banner)
	}

	out, err := conn.exec("info threads")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "  Id   Target Id") || !strings.HasSuffix(out, "main () at a.c:3") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = conn.exec("print 1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "$1 = 1" {
		t.Fatalf("expected %q got %q", "$1 = 1", out)
	}
}

func TestGdbConnMultiline(t *testing.T) {
	conn := newTestConn(t, 0, nil)
	if _, err := conn.exec("print 1\nprint 2"); err != errMultilineCmd {
		t.Fatalf("expected %v got %v", errMultilineCmd, err)
	}
}

func TestGdbConnTimeout(t *testing.T) {
	conn := newTestConn(t, 50*time.Millisecond, nil)
	if _, err := conn.exec("hang"); err != errCommandTimeout {
		t.Fatalf("expected %v got %v", errCommandTimeout, err)
	}
	if _, err := conn.exec("print 1"); err != errConnectionState {
		t.Fatalf("expected %v got %v", errConnectionState, err)
	}
}

func TestGdbConnExited(t *testing.T) {
	conn := newTestConn(t, time.Second, nil)
	if _, err := conn.exec("exit"); err != errDebuggerExited {
		t.Fatalf("expected %v got %v", errDebuggerExited, err)
	}
}

func TestStripPrompt(t *testing.T) {
	for in, tgt := range map[string]string{
		"(gdb) (gdb) Thread 1": "Thread 1",
		"(gdb)":                "",
		"#0  main () at a.c:3": "#0  main () at a.c:3",
	} {
		if out := stripPrompt(in); out != tgt {
			t.Errorf("stripPrompt(%q) = %q, expected %q", in, out, tgt)
		}
	}
}

func TestParseTarget(t *testing.T) {
	if tgt := ParseTarget("1234"); tgt.Kind != TargetProcess || tgt.Pid != 1234 || tgt.Arg() != "1234" {
		t.Fatalf("wrong target %#v", tgt)
	}
	if tgt := ParseTarget("core.1234"); tgt.Kind != TargetCore || tgt.CorePath != "core.1234" {
		t.Fatalf("wrong target %#v", tgt)
	}
	if tgt := ParseTarget("0"); tgt.Kind != TargetCore {
		t.Fatalf("pid 0 must not be treated as a process: %#v", tgt)
	}
}

func TestParseTargetNumericCoreFile(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	if err := os.WriteFile("4321", []byte("core"), 0600); err != nil {
		t.Fatal(err)
	}
	if tgt := ParseTarget("4321"); tgt.Kind != TargetCore || tgt.CorePath != "4321" || tgt.Arg() != "4321" {
		t.Fatalf("existing file must be a core file: %#v", tgt)
	}
	if err := os.Mkdir("4322", 0700); err != nil {
		t.Fatal(err)
	}
	if tgt := ParseTarget("4322"); tgt.Kind != TargetProcess || tgt.Pid != 4322 {
		t.Fatalf("directory must not be a core file: %#v", tgt)
	}
}

func TestDebuggerCommandLine(t *testing.T) {
	args, err := debuggerCommandLine(`/opt/gdb/bin/gdb -iex 'set auto-load off'`)
	if err != nil {
		t.Fatal(err)
	}
	tgt := []string{"/opt/gdb/bin/gdb", "-iex", "set auto-load off"}
	if fmt.Sprint(args) != fmt.Sprint(tgt) {
		t.Fatalf("expected %q got %q", tgt, args)
	}
	if args, _ := debuggerCommandLine(""); len(args) != 1 || args[0] != "gdb" {
		t.Fatalf("expected default gdb, got %q", args)
	}
	if _, err := debuggerCommandLine("gdb | cat"); err == nil {
		t.Fatal("expected error for a pipeline")
	}
	if _, err := debuggerCommandLine("gdb `whoami`"); err == nil {
		t.Fatal("expected error for backticks")
	}
}

func TestGdbArgs(t *testing.T) {
	args := gdbArgs(Config{Binary: "./a.out", Target: ParseTarget("77"), DebugInfoDirectories: []string{"/a", "/b"}})
	joined := strings.Join(args, " ")
	for _, s := range []string{"set pagination off", "set confirm off", "set debug-file-directory /a:/b", "./a.out --pid=77"} {
		if !strings.Contains(joined, s) {
			t.Errorf("%q missing from %q", s, joined)
		}
	}
	args = gdbArgs(Config{Binary: "./a.out", Target: ParseTarget("core")})
	if args[len(args)-1] != "--core=core" {
		t.Errorf("wrong core argument %q", args[len(args)-1])
	}
}

func TestCheckBanner(t *testing.T) {
	reason, ok := checkBanner("Attaching to process 12\nptrace: Operation not permitted.\n")
	if !ok || !strings.Contains(reason, "permission denied") {
		t.Fatalf("wrong reason %q %v", reason, ok)
	}
	if _, ok := checkBanner("Reading symbols from ./a.out...\n[New LWP 12]\n"); ok {
		t.Fatal("clean banner reported as an error")
	}
}

func TestCheckTarget(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "a.out")
	if err := os.WriteFile(bin, []byte{0x7f, 'E', 'L', 'F'}, 0755); err != nil {
		t.Fatal(err)
	}

	var serr *SessionError
	err := checkTarget(Config{Binary: filepath.Join(dir, "missing"), Target: ParseTarget("core")})
	if !errors.As(err, &serr) || serr.Reason != "could not open binary" {
		t.Fatalf("expected missing binary error, got %v", err)
	}
	err = checkTarget(Config{Binary: bin, Target: ParseTarget(filepath.Join(dir, "core"))})
	if !errors.As(err, &serr) || serr.Reason != "could not open core file" {
		t.Fatalf("expected missing core error, got %v", err)
	}
	if err := checkTarget(Config{Binary: bin, Target: ParseTarget(fmt.Sprint(os.Getpid()))}); err != nil {
		t.Fatalf("own pid should be accessible: %v", err)
	}
}

const fakeGdbScript = `#!/bin/sh
%s
while IFS= read -r line; do
  case "$line" in
    "echo "*) printf "%%b" "${line#echo }" ;;
    "info threads") printf '  Id   Target Id   Frame\n* 1    Thread 0x7f0000000000 (LWP 42) "fake" main () at a.c:3\n' ;;
    "thread apply all bt") printf 'Thread 1 (Thread 0x7f0000000000 (LWP 42) "fake"):\n#0  main () at a.c:3\n\n' ;;
    "quit") exit 0 ;;
    *) : ;;
  esac
done
`

func writeFakeGdb(t *testing.T, preamble string) string {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	path := filepath.Join(t.TempDir(), "fakegdb")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(fakeGdbScript, preamble)), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAttachCoreFile(t *testing.T) {
	gdb := writeFakeGdb(t, `echo "Reading symbols from a.out..."`)
	core := filepath.Join(t.TempDir(), "core")
	if err := os.WriteFile(core, nil, 0644); err != nil {
		t.Fatal(err)
	}

	g, err := Attach(Config{Binary: gdb, Target: ParseTarget(core), Debugger: gdb, CommandTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.Contains(g.Banner, "Reading symbols") {
		t.Errorf("banner not collected: %q", g.Banner)
	}
	out, err := g.RunCommand("thread apply all bt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Thread 1 (Thread 0x7f0000000000 (LWP 42) \"fake\"):") {
		t.Fatalf("unexpected output %q", out)
	}
	if err := g.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := g.Detach(); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
	if _, err := g.RunCommand("info threads"); err == nil {
		t.Fatal("expected error running a command after Detach")
	}
}

func TestAttachPermissionDenied(t *testing.T) {
	gdb := writeFakeGdb(t, `echo "ptrace: Operation not permitted."`)
	_, err := Attach(Config{Binary: gdb, Target: ParseTarget(fmt.Sprint(os.Getpid())), Debugger: gdb, CommandTimeout: 10 * time.Second})
	var serr *SessionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SessionError, got %v", err)
	}
	if !strings.Contains(serr.Reason, "permission denied") {
		t.Fatalf("wrong reason %q", serr.Reason)
	}
}

func TestAttachDebuggerMissing(t *testing.T) {
	bin, _ := os.Executable()
	_, err := Attach(Config{Binary: bin, Target: ParseTarget(bin), Debugger: "/nonexistent/gdb"})
	var serr *SessionError
	if !errors.As(err, &serr) || !strings.Contains(serr.Reason, "could not find") {
		t.Fatalf("expected debugger not found, got %v", err)
	}
}
