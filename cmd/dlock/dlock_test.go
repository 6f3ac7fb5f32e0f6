package main

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v2"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func checkTools(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("deadlock fixture only builds on linux")
	}
	for _, tool := range []string{"gdb", "cc", "go"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not installed", tool)
		}
	}
	if buf, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope"); err == nil {
		scope := strings.TrimSpace(string(buf))
		if scope != "0" && scope != "1" && os.Geteuid() != 0 {
			t.Skipf("ptrace_scope is %s", scope)
		}
	}
}

func buildFixture(t *testing.T, dir string) string {
	fixture := filepath.Join(dir, "deadlock")
	src, _ := filepath.Abs(filepath.Join("..", "..", "_fixtures", "deadlock.c"))
	out, err := exec.Command("cc", "-g", "-O0", "-pthread", "-o", fixture, src).CombinedOutput()
	if err != nil {
		t.Fatalf("could not compile fixture: %v\n%s", err, out)
	}
	return fixture
}

func buildDlock(t *testing.T, dir string) string {
	dlockbin := filepath.Join(dir, "dlock")
	out, err := exec.Command("go", "build", "-o", dlockbin, "github.com/go-delve/dlock/cmd/dlock").CombinedOutput()
	if err != nil {
		t.Fatalf("go build: %v\n%s", err, out)
	}
	return dlockbin
}

func TestDeadlockedProcess(t *testing.T) {
	checkTools(t)
	dir := t.TempDir()
	fixture := buildFixture(t, dir)
	dlockbin := buildDlock(t, dir)

	cmd := exec.Command(fixture)
	stdout, err := cmd.StdoutPipe()
	assertNoError(err, t, "stdout pipe")
	assertNoError(cmd.Start(), t, "starting fixture")
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()
	line, err := bufio.NewReader(stdout).ReadString('\n')
	assertNoError(err, t, "reading from fixture")
	if line != "ready\n" {
		t.Fatalf("unexpected fixture output %q", line)
	}

	pid := strconv.Itoa(cmd.Process.Pid)
	dlock := func(args ...string) string {
		c := exec.Command(dlockbin, append(args, fixture, pid)...)
		c.Env = append(os.Environ(), "DLOCK_CONFIG_DIR="+dir)
		out, err := c.CombinedOutput()
		if err != nil {
			if strings.Contains(string(out), "permission denied") {
				t.Skipf("can not attach: %s", out)
			}
			t.Fatalf("dlock %v: %v\n%s", args, err, out)
		}
		return string(out)
	}

	// The threads reach the second lock shortly after the fixture is ready.
	var out string
	for i := 0; i < 20; i++ {
		out = dlock("--no-pager", "--color=never", "-b")
		if strings.Contains(out, "Deadlock #1:") {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, s := range []string{
		"Deadlock #1: ",
		"worker-a waits for mutex ",
		"<lock_b> (in thread_a) held by ",
		"worker-b waits for mutex ",
		"<lock_a> (in thread_b) held by ",
		"thread_a (arg=",
	} {
		if !strings.Contains(out, s) {
			t.Errorf("%q missing from output:\n%s", s, out)
		}
	}
	if strings.Contains(out, "Deadlock #2:") {
		t.Errorf("deadlock reported twice:\n%s", out)
	}

	var doc struct {
		Deadlocked bool `yaml:"deadlocked"`
		Deadlocks  []struct {
			Threads []int `yaml:"threads"`
		} `yaml:"deadlocks"`
	}
	assertNoError(yaml.Unmarshal([]byte(dlock("--format", "yaml")), &doc), t, "parsing yaml report")
	if !doc.Deadlocked || len(doc.Deadlocks) != 1 || len(doc.Deadlocks[0].Threads) != 2 {
		t.Fatalf("wrong yaml report %#v", doc)
	}
}

func TestMissingTarget(t *testing.T) {
	checkTools(t)
	dir := t.TempDir()
	dlockbin := buildDlock(t, dir)
	c := exec.Command(dlockbin, dlockbin, filepath.Join(dir, "core.nonexistent"))
	c.Env = append(os.Environ(), "DLOCK_CONFIG_DIR="+dir)
	out, err := c.CombinedOutput()
	if err == nil {
		t.Fatalf("expected failure, got:\n%s", out)
	}
	if ee, ok := err.(*exec.ExitError); !ok || ee.ExitCode() != 1 {
		t.Fatalf("expected exit status 1, got %v", err)
	}
	if !strings.HasPrefix(string(out), "Error: attach: ") {
		t.Fatalf("wrong message:\n%s", out)
	}
}
