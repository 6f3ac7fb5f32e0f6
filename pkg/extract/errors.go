package extract

import "fmt"

// ExtractionError is returned when the output of a debugger command does
// not have the expected format. Continuing with partial data could report
// a deadlock that doesn't exist, or hide one that does.
type ExtractionError struct {
	// Command is the debugger command whose output could not be used.
	Command string
	// Line is the 1-based line of the output that caused the error, zero
	// if the error is not about a specific line.
	Line   int
	Reason string
	// Output is the offending output, or line of output.
	Output string
}

func (err *ExtractionError) Error() string {
	if err.Line > 0 {
		return fmt.Sprintf("could not parse output of %q at line %d: %s: %q", err.Command, err.Line, err.Reason, err.Output)
	}
	if err.Output != "" {
		return fmt.Sprintf("could not parse output of %q: %s: %q", err.Command, err.Reason, truncate(err.Output, 200))
	}
	return fmt.Sprintf("could not parse output of %q: %s", err.Command, err.Reason)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
