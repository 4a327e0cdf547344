package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	flag "github.com/spf13/pflag"

	"pa-jail/jail"
)

// ErrRmArgs is returned when rm is called without exactly JAILDIR.
var ErrRmArgs = errors.New("JAILDIR is required")

// RmCmd creates the rm command: unmount and remove a jail directory.
func RmCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("rm", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("verbose", "V", false, "Narrate every operation")
	flags.BoolP("dry-run", "n", false, "Print operations without performing them")
	flags.BoolP("force", "f", false, "Succeed even if JAILDIR is already absent")

	return &Command{
		Flags:   flags,
		Usage:   "rm [flags] JAILDIR",
		Short:   "Unmount and remove a jail directory",
		Long:    "Unmount everything live under JAILDIR, remove its contents, and remove JAILDIR itself.",
		Aliases: nil,
		Exec: func(_ context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) != 1 {
				return ErrRmArgs
			}

			jailDirArg := args[0]

			verbose, _ := flags.GetBool("verbose")
			dryRun, _ := flags.GetBool("dry-run")
			force, _ := flags.GetBool("force")

			sink := verboseSink(dryRun, stdout, stderr)

			s, err := jail.NewSession(jail.Config{
				JailDir: jailDirArg,
				DryRun:  dryRun,
				Verbose: verbose || cfg.Verbose,
				Debugf:  sink,
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			jd, err := s.Walk(jailDirArg, jail.ActionRm, force)
			if errors.Is(err, jail.ErrJailAlreadyAbsent) {
				return nil
			}

			if err != nil {
				return err
			}

			return s.Teardown(jd, true)
		},
	}
}
