package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	flag "github.com/spf13/pflag"

	"pa-jail/jail"
)

// ErrMvArgs is returned when mv is called with anything but OLDDIR NEWDIR.
var ErrMvArgs = errors.New("OLDDIR and NEWDIR are required")

// MvCmd creates the mv command: rename a jail directory within its
// authorized permdir.
func MvCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("mv", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("verbose", "V", false, "Narrate every operation")
	flags.BoolP("dry-run", "n", false, "Print operations without performing them")

	return &Command{
		Flags:   flags,
		Usage:   "mv [flags] OLDDIR NEWDIR",
		Short:   "Rename a jail directory",
		Long:    "Rename OLDDIR to NEWDIR, refusing any destination outside OLDDIR's authorized permdir.",
		Aliases: nil,
		Exec: func(_ context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) != 2 {
				return ErrMvArgs
			}

			oldDir, newDir := args[0], args[1]

			verbose, _ := flags.GetBool("verbose")
			dryRun, _ := flags.GetBool("dry-run")

			sink := verboseSink(dryRun, stdout, stderr)

			s, err := jail.NewSession(jail.Config{
				JailDir: oldDir,
				DryRun:  dryRun,
				Verbose: verbose || cfg.Verbose,
				Debugf:  sink,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			jd, err := s.Walk(oldDir, jail.ActionMv, false)
			if err != nil {
				return err
			}

			return s.Mv(jd, newDir)
		},
	}
}
