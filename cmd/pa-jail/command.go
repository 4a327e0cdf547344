package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command describes one subcommand: its flag set, help text, and the
// closure that runs it. Every cmd_*.go file builds one of these.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name returns the command's invocation name, taken from its FlagSet.
func (c *Command) Name() string {
	return c.Flags.Name()
}

// HelpLine renders one line for the top-level usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Name(), c.Short)
}

// Run parses args against the command's flags, prints help/usage errors to
// stderr, and otherwise invokes Exec, translating its returned error into an
// exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		fprintln(stderr, "usage:", c.Usage)

		return 1
	}

	if help, _ := c.Flags.GetBool("help"); help {
		fprintln(stdout, "usage:", c.Usage)
		fprintln(stdout)
		fprintln(stdout, c.Long)

		return 0
	}

	err := c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err == nil {
		return 0
	}

	if errors.Is(err, ErrSilentExit) {
		return 1
	}

	fprintError(stderr, err)

	return exitCodeFor(err)
}

// ErrSilentExit signals that the command has already printed its own
// message to the caller's chosen stream and exit code 1 is all Run owes it.
var ErrSilentExit = errors.New("silent exit")

// ExitCodeError carries a process exit code through a Command's Exec
// function when a child process (not the command itself) is the source of
// the failure, so Run can propagate it verbatim instead of mapping it
// through the error-kind table.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// NewExitCodeError wraps code as an error carrying that exit code.
func NewExitCodeError(code int) error {
	return &ExitCodeError{Code: code}
}
