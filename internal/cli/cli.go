package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Options holds the persistent flags shared by every command.
type Options struct {
	ConfigPath string
	RootDir    string
	LogLevel   string
	LogFormat  string

	out io.Writer
	err io.Writer
}

// usageError marks failures caused by bad invocation rather than by the
// operation itself. MainWithArgs maps them to exit code 2.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

func usagef(format string, a ...any) error { return usageError{fmt.Errorf(format, a...)} }

func isUsage(err error) bool {
	var ue usageError
	if errors.As(err, &ue) {
		return true
	}
	// cobra reports unknown subcommands as plain errors
	return strings.HasPrefix(err.Error(), "unknown command")
}

// MainWithArgs is a testable variant of Main that accepts args explicitly.
// It returns an exit code: 0 on success, 1 when an operation fails and 2 on
// usage errors.
func MainWithArgs(args []string) int {
	return mainWith(args, os.Stdout, os.Stderr)
}

func mainWith(args []string, stdout, stderr io.Writer) int {
	opts := &Options{out: stdout, err: stderr}
	root := buildRootCmdWith(opts)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) == 0 {
		_ = root.Usage()
		return 2
	}
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err.Error())
		if isUsage(err) {
			return 2
		}
		return 1
	}
	return 0
}

// Main returns an exit code for use by cmd/modelmgr.
func Main() int { return MainWithArgs(os.Args[1:]) }
