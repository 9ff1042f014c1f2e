package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/ivoronin/bddup/internal/journal"
)

var (
	version = "dev"
	commit = "none"
)

// invalidArgsError marks a validation failure in user-supplied flags/args,
// distinct from a runtime failure — it maps to exit code 2 .
type invalidArgsError struct{ msg string }

func (e *invalidArgsError) Error() string { return e.msg }

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:   "bddup",
		Short:  "Resumable, multithreaded backup deduplication",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newBuildCmd())
	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newCleanCmd())

	err := root.Execute()
	return exitCode(err)
}

// exitCode maps an error to the fixed exit codes:
// 0 success, 1 generic error, 2 invalid arguments, 3 journal-incompatible.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var invalid *invalidArgsError
	if errors.As(err, &invalid) {
		return 2
	}
	var incompatible *journal.ErrIncompatible
	if errors.As(err, &incompatible) {
		return 3
	}
	return 1
}

// drainErrors consumes per-entry errors from a channel and writes them to
// stderr: clear the progress bar's line before printing to avoid visual
// collision.
func drainErrors(errs <-chan error) {
	for err := range errs {
		os.Stderr.WriteString("\r\033[Kerror: " + err.Error() + "\n")
	}
}
