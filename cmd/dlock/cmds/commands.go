package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-delve/dlock/cmd/dlock/cmds/helphelpers"
	"github.com/go-delve/dlock/pkg/config"
	"github.com/go-delve/dlock/pkg/extract"
	"github.com/go-delve/dlock/pkg/logflags"
	"github.com/go-delve/dlock/pkg/session"
	"github.com/go-delve/dlock/pkg/terminal"
	"github.com/go-delve/dlock/pkg/version"
	"github.com/go-delve/dlock/pkg/waitgraph"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// backTrace prints the backtraces of the threads in the report.
	backTrace bool
	// threads restricts the listed waits to these thread numbers or names.
	threads []string
	// gdbPath replaces the configured debugger command line.
	gdbPath string
	// format is the output format of the report.
	format terminal.Format
	// color selects when the report is colorized.
	color terminal.ColorMode
	// noPager disables the pager for long reports.
	noPager bool
	// cmdTimeout bounds every debugger command, zero uses the configuration.
	cmdTimeout time.Duration

	// verbose prints build information with the version.
	verbose bool
	// newLockFunctions are NAME=KIND pairs added to the configuration.
	newLockFunctions []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dlockCommandLongDesc = `dlock finds deadlocks between the threads of a C or C++ program.

dlock attaches gdb to a running process, or opens a core dump, and reads the
backtrace of every thread. Threads blocked acquiring a pthread mutex or a
pthread rwlock are matched with the thread owning the lock, and every cycle
in the resulting wait-for graph is reported as a deadlock.

The binary must be the executable the process was started from, ideally with
debug information. The second argument is either a PID or the path of a core
file. An existing file is always opened as a core file, even if its name is a
number:

	dlock ./server 4242
	dlock ./server core.4242

Attaching to a process stops it until the analysis is over.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}

	format = terminal.FormatText
	color = terminal.ColorAuto
	if conf.Color != "" {
		if err := color.Set(conf.Color); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: invalid color in configuration: %v\n", err)
			color = terminal.ColorAuto
		}
	}

	// Main dlock root command.
	rootCommand = &cobra.Command{
		Use:   "dlock <binary> <pid|core>",
		Short: "dlock detects deadlocks in multithreaded C programs.",
		Long:  dlockCommandLongDesc,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(args[0], args[1], conf))
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging of the analysis.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dlock help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dlock help log').")

	rootCommand.Flags().BoolVarP(&backTrace, "back-trace", "b", false, "Print the backtraces of the threads in the report.")
	rootCommand.Flags().StringSliceVarP(&threads, "thread", "t", nil, "Only list the waits of this thread number or name, can be repeated.")
	rootCommand.Flags().StringVar(&gdbPath, "gdb", "", "Debugger command line, overrides the debugger configuration option.")
	rootCommand.Flags().Var(&format, "format", "Output format, text or yaml.")
	rootCommand.Flags().Var(&color, "color", "Colorize the report: auto, always or never.")
	rootCommand.Flags().BoolVarP(&noPager, "no-pager", "", false, "Do not page long reports.")
	rootCommand.Flags().DurationVar(&cmdTimeout, "timeout", 0, "Maximum duration of a single debugger command (default from configuration, 30s).")

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dlock deadlock detector\n%s\n", version.DlockVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Prints the configuration.",
		Long: `Prints the path of the configuration file followed by the value of every
configuration option.

The configuration file is created, with every option commented out, the first
time dlock runs. Its directory can be changed with the DLOCK_CONFIG_DIR
environment variable. Command line flags take precedence over the file.

With --add-lock-function the function is added to lock-functions and the
configuration is saved, for example:

	dlock config --add-lock-function my_spin_lock=mutex`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(newLockFunctions) > 0 {
				if err := addLockFunctions(conf, newLockFunctions); err != nil {
					return err
				}
				if err := config.SaveConfig(conf); err != nil {
					return err
				}
			}
			path, err := config.GetConfigFilePath(config.ConfigFile)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file: %s\n\n", path)
			return terminal.ListConfig(cmd.OutOrStdout(), conf)
		},
	}
	configCommand.Flags().StringArrayVar(&newLockFunctions, "add-lock-function", nil, "Add NAME=KIND to lock-functions and save the configuration, KIND is mutex or rwlock. NAME may end in * to match a prefix.")
	rootCommand.AddCommand(configCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log starting, attaching and detaching the debugger (default)
	gdbwire		Log every command sent to the debugger and its output
	extract		Log how each thread and lock was interpreted
	graph		Log the edges of the wait-for graph

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// stepError records which step of the analysis failed.
type stepError struct {
	step string
	err  error
}

func (err *stepError) Error() string {
	return err.step + ": " + err.err.Error()
}

func (err *stepError) Unwrap() error {
	return err.err
}

const manualHint = `The output of %q was not understood. The same commands can be run by hand:

	gdb %s %s
	(gdb) thread apply all bt
	(gdb) info threads
`

func addLockFunctions(conf *config.Config, defs []string) error {
	if conf.LockFunctions == nil {
		conf.LockFunctions = map[string]string{}
	}
	for _, def := range defs {
		i := strings.Index(def, "=")
		if i <= 0 {
			return fmt.Errorf("invalid lock function %q, expected NAME=KIND", def)
		}
		conf.LockFunctions[strings.TrimSpace(def[:i])] = strings.TrimSpace(def[i+1:])
	}
	_, err := extract.NewSignatures(conf.LockFunctions)
	return err
}

func sessionConfig(binary, target string, conf *config.Config) (session.Config, error) {
	timeout := cmdTimeout
	if timeout <= 0 {
		var err error
		timeout, err = conf.GetCommandTimeout()
		if err != nil {
			return session.Config{}, err
		}
	}
	debugger := conf.GetDebugger()
	if gdbPath != "" {
		debugger = gdbPath
	}
	return session.Config{
		Binary:               binary,
		Target:               session.ParseTarget(target),
		Debugger:             debugger,
		DebugInfoDirectories: conf.DebugInfoDirectories,
		CommandTimeout:       timeout,
	}, nil
}

// analyze extracts a snapshot through sess and searches it for deadlocks.
func analyze(sess session.Session, sigs *extract.Signatures, cacheSize int) (*extract.Snapshot, *waitgraph.Report, error) {
	e, err := extract.New(sess, sigs, cacheSize)
	if err != nil {
		return nil, nil, &stepError{"extract", err}
	}
	snap, err := e.Extract()
	if err != nil {
		return nil, nil, &stepError{"extract", err}
	}
	r, err := waitgraph.Analyze(snap)
	if err != nil {
		return nil, nil, &stepError{"graph", err}
	}
	return snap, r, nil
}

func printError(w io.Writer, conf session.Config, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	var eerr *extract.ExtractionError
	var ierr *waitgraph.InvariantError
	switch {
	case errors.As(err, &eerr):
		fmt.Fprintf(w, manualHint, eerr.Command, conf.Binary, conf.Target.Arg())
	case errors.As(err, &ierr):
		fmt.Fprintln(w, "This is a bug in dlock, please report it.")
	}
}

func execute(binary, target string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	sessConf, err := sessionConfig(binary, target, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	sigs, err := extract.NewSignatures(conf.LockFunctions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: lock-functions: %v\n", err)
		return 1
	}

	sess, err := session.Attach(sessConf)
	if err != nil {
		printError(os.Stderr, sessConf, &stepError{"attach", err})
		return 1
	}
	defer sess.Detach()
	snap, report, err := analyze(sess, sigs, conf.GetFunctionCacheSize())
	// The target stays stopped while attached, release it before printing.
	if derr := sess.Detach(); derr != nil {
		fmt.Fprintf(os.Stderr, "Warning: detaching from %s: %v\n", sessConf.Target, derr)
	}
	if err != nil {
		printError(os.Stderr, sessConf, err)
		return 1
	}

	term := terminal.New(terminal.Options{
		Format:     format,
		Color:      color,
		Backtraces: backTrace,
		Threads:    threads,
		NoPager:    noPager,
	})
	defer term.Close()
	if err := term.PrintReport(snap, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
