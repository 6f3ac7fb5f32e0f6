package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

const DlockMainPackagePath = "github.com/go-delve/dlock/cmd/dlock"

var (
	Verbose   bool
	NOTimeout bool
	TestSet   string
	TestRegex string
)

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for dlock.",
	}

	for _, verb := range []string{"build", "install"} {
		verb := verb
		RootCommand.AddCommand(&cobra.Command{
			Use:   verb,
			Short: strings.Title(verb) + "s dlock, stamped with the current git revision",
			Run: func(cmd *cobra.Command, args []string) {
				execute("go", verb, buildFlags(), DlockMainPackagePath)
			},
		})
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Removes the installed dlock binary",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", DlockMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Runs the tests",
		Long: `Runs the tests of dlock.

The integration tests in cmd/dlock compile a C program and attach gdb to it,
they are skipped when gdb or a C compiler are missing.
`,
		Run: testCmd,
	}
	test.Flags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.Flags().BoolVarP(&NOTimeout, "timeout", "t", false, "Disable the test timeout")
	test.Flags().StringVarP(&TestSet, "test-set", "s", "all", `Select the set of tests to run, one of either:
	all		every package
	basic		extract, waitgraph and terminal, no external tools needed
	integration	cmd/dlock
	package-name	only the named package
`)
	test.Flags().StringVarP(&TestRegex, "test-run", "r", "", "Only runs the tests matching the regex, the test set must be a single package")
	RootCommand.AddCommand(test)

	RootCommand.AddCommand(&cobra.Command{
		Use:   "docs [directory]",
		Short: "Generates the markdown usage documentation",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "run", "_scripts/gen-usage-docs.go", args)
		},
	})

	return RootCommand
}

// flatten turns a mix of strings and string slices into an argument list,
// dropping empty strings.
func flatten(args []interface{}) []string {
	r := []string{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			if arg != "" {
				r = append(r, arg)
			}
		case []string:
			r = append(r, arg...)
		}
	}
	return r
}

// execute prints and runs cmd, exiting if it fails.
func execute(cmd string, args ...interface{}) {
	argv := flatten(args)
	quoted := make([]string, len(argv))
	for i := range argv {
		quoted[i] = argv[i]
		if strings.ContainsAny(argv[i], " \t") {
			quoted[i] = strconv.Quote(argv[i])
		}
	}
	fmt.Printf("%s %s\n", cmd, strings.Join(quoted, " "))

	x := exec.Command(cmd, argv...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	if err := x.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

func output(cmd string, args ...interface{}) string {
	out, err := exec.Command(cmd, flatten(args)...).Output()
	if err != nil {
		log.Fatalf("%s %v: %v", cmd, args, err)
	}
	return string(out)
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		// Not a git checkout, the version falls back to the module build info.
		return nil
	}
	return []string{"-ldflags=-X main.Build=" + strings.TrimSpace(string(buildSHA))}
}

func testFlags() []string {
	testFlags := []string{"-count", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	if NOTimeout {
		testFlags = append(testFlags, "-timeout", "0")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	pkgs := testSetToPackages(TestSet)
	switch {
	case len(pkgs) == 0:
		log.Fatalf("unknown test set %q", TestSet)
	case TestRegex != "" && len(pkgs) != 1:
		log.Fatalf("--test-run needs a single package, test set %q has %d", TestSet, len(pkgs))
	}
	run := ""
	if TestRegex != "" {
		run = "-run=" + TestRegex
	}
	execute("go", "test", testFlags(), buildFlags(), pkgs, run)
}

func testSetToPackages(testSet string) []string {
	switch testSet {
	case "all":
		return allPackages()

	case "basic":
		return []string{"github.com/go-delve/dlock/pkg/extract", "github.com/go-delve/dlock/pkg/waitgraph", "github.com/go-delve/dlock/pkg/terminal"}

	case "integration":
		return []string{DlockMainPackagePath}

	default:
		for _, pkg := range allPackages() {
			if pkg == testSet || strings.HasSuffix(pkg, "/"+testSet) {
				return []string{pkg}
			}
		}
		return nil
	}
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(output("go", "list", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_scripts") {
			continue
		}
		r = append(r, dir)
	}
	sort.Strings(r)
	return r
}

func main() {
	NewMakeCommands().Execute()
}
