package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"pa-jail/jail"
)

// ErrNoJailDir is returned when init is called without a JAILDIR argument.
var ErrNoJailDir = errors.New("JAILDIR is required")

// InitCmd creates the init command: build (or refresh) a jail directory and
// optionally populate it from a manifest.
func InitCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("verbose", "V", false, "Narrate every operation")
	flags.BoolP("dry-run", "n", false, "Print operations without performing them")
	flags.StringP("skeleton", "S", "", "Cross-device link-farm staging `dir`")
	flags.StringP("files", "f", "", "Read manifest from `file` (\"-\" for stdin)")

	return &Command{
		Flags:   flags,
		Usage:   "init [flags] JAILDIR [USER]",
		Short:   "Create or refresh a jail directory",
		Long:    "Create JAILDIR (authorized by policy files), create USER's home directory inside it, and populate it from a manifest file given with -f.",
		Aliases: nil,
		Exec: func(_ context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) == 0 {
				return ErrNoJailDir
			}

			jailDirArg := args[0]

			var ownerName string
			if len(args) > 1 {
				ownerName = args[1]
			}

			verbose, _ := flags.GetBool("verbose")
			dryRun, _ := flags.GetBool("dry-run")
			skeleton, _ := flags.GetString("skeleton")
			manifestPath, _ := flags.GetString("files")

			if skeleton == "" {
				skeleton = cfg.StagingDir
			}

			sink := verboseSink(dryRun, stdout, stderr)

			s, err := jail.NewSession(jail.Config{
				JailDir:    jailDirArg,
				Owner:      ownerName,
				DryRun:     dryRun,
				Verbose:    verbose || cfg.Verbose,
				StagingDir: skeleton,
				Debugf:     sink,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			jd, err := s.Walk(jailDirArg, jail.ActionInit, false)
			if err != nil {
				return err
			}

			if ownerName != "" {
				owner, err := jail.LookupOwner(ownerName)
				if err != nil {
					return err
				}

				if err := s.EnsureHomeDir(jd, owner, owner.UID, owner.GID); err != nil {
					return err
				}
			}

			if manifestPath != "" {
				r, closeFn, err := openManifest(manifestPath, stdin)
				if err != nil {
					return err
				}
				defer closeFn()

				if err := s.Populate(strings.TrimSuffix(jd.Dir, "/"), jd.Dev, r); err != nil {
					return err
				}
			}

			if s.ExitValue() != 0 {
				return ErrSilentExit
			}

			return nil
		},
	}
}

// openManifest opens path for reading a manifest, treating "-" as stdin
// (rejecting a terminal stdin, per the original's "-f -" behavior).
func openManifest(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}

		return f, func() { _ = f.Close() }, nil
	}

	if f, ok := stdin.(*os.File); ok && isTerminalFile(f) {
		return nil, nil, errors.New("-f -: refusing to read manifest from a terminal")
	}

	return stdin, func() {}, nil
}

func isTerminalFile(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}

// verboseSink returns the narration callback required by §7: verbose
// narration goes to stdout in dry-run mode, stderr otherwise.
func verboseSink(dryRun bool, stdout, stderr io.Writer) jail.Debugf {
	out := stderr
	if dryRun {
		out = stdout
	}

	return func(format string, args ...any) {
		fprintf(out, format+"\n", args...)
	}
}
