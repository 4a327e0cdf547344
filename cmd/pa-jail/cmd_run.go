package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"pa-jail/jail"
)

// ErrRunArgs is returned when run is called with fewer than JAILDIR USER
// COMMAND.
var ErrRunArgs = errors.New("JAILDIR, USER, and COMMAND are required")

// RunCmd creates the run command: populate (or refresh) a jail, apply
// ownership, and execute COMMAND inside it as USER.
func RunCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("verbose", "V", false, "Narrate every operation")
	flags.BoolP("dry-run", "n", false, "Print operations without performing them")
	flags.BoolP("quiet", "q", false, "Suppress timeout/terminated banners")
	flags.StringP("skeleton", "S", "", "Cross-device link-farm staging `dir`")
	flags.StringP("files", "f", "", "Read manifest from `file` (\"-\" for stdin)")
	flags.StringP("pid-file", "p", "", "Write the child's pid to `file`")
	flags.BoolP("replace", "r", false, "Tear down and recreate jail contents before running")
	flags.Bool("fg", false, "Run in the foreground, waiting for the child to exit")
	flags.Float64P("timeout", "T", 0, "`seconds` (fractional) before the child is killed")
	flags.StringP("input", "i", "", "Read the child's stdin from `file` instead of this process's stdin")

	return &Command{
		Flags:   flags,
		Usage:   "run [flags] JAILDIR USER COMMAND [ARGS...]",
		Short:   "Run a command inside a jail",
		Long:    "Populate JAILDIR, apply ownership for USER, and execute COMMAND as USER inside the jail.",
		Aliases: nil,
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) < 3 {
				return ErrRunArgs
			}

			jailDirArg, userName, command := args[0], args[1], args[2:]

			verbose, _ := flags.GetBool("verbose")
			dryRun, _ := flags.GetBool("dry-run")
			quiet, _ := flags.GetBool("quiet")
			quiet = quiet || cfg.Quiet
			skeleton, _ := flags.GetString("skeleton")
			manifestPath, _ := flags.GetString("files")
			pidFile, _ := flags.GetString("pid-file")
			replace, _ := flags.GetBool("replace")
			foreground, _ := flags.GetBool("fg")
			timeoutSecs, _ := flags.GetFloat64("timeout")
			inputPath, _ := flags.GetString("input")

			if skeleton == "" {
				skeleton = cfg.StagingDir
			}

			sink := verboseSink(dryRun, stdout, stderr)

			s, err := jail.NewSession(jail.Config{
				JailDir:    jailDirArg,
				Owner:      userName,
				DryRun:     dryRun,
				Verbose:    verbose || cfg.Verbose,
				StagingDir: skeleton,
				Debugf:     sink,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			owner, err := jail.LookupOwner(userName)
			if err != nil {
				return err
			}

			jd, err := s.Walk(jailDirArg, jail.ActionRun, false)
			if err != nil {
				return err
			}

			if replace {
				if err := s.Teardown(jd, false); err != nil {
					return err
				}
			}

			if err := s.EnsureHomeDir(jd, owner, owner.UID, owner.GID); err != nil {
				return err
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

			if err := s.ApplyOwnership(jd); err != nil {
				return err
			}

			childStdin, closeInput, err := resolveChildStdin(inputPath, stdin)
			if err != nil {
				return err
			}
			defer closeInput()

			code, err := s.Exec(ctx, jail.ExecRequest{
				Owner:      owner,
				JailDir:    jd,
				Command:    command,
				Stdin:      childStdin,
				Stdout:     stdout,
				Timeout:    durationFromSeconds(timeoutSecs),
				Foreground: foreground,
				Quiet:      quiet,
				PIDFile:    pidFile,
			})
			if err != nil {
				return err
			}

			if s.ExitValue() != 0 && code == 0 {
				return ErrSilentExit
			}

			return NewExitCodeError(code)
		},
	}
}

// resolveChildStdin opens path non-blocking as the child's stdin source,
// falling back to the caller's own stdin when path is empty — the
// original's "-i INPUT" versus inheriting the launcher's stdin.
func resolveChildStdin(path string, fallback io.Reader) (io.Reader, func(), error) {
	if path == "" {
		return fallback, func() {}, nil
	}

	f, err := openNonBlocking(path)
	if err != nil {
		return nil, nil, err
	}

	return f, func() { _ = f.Close() }, nil
}

// openNonBlocking opens path for reading with O_NONBLOCK, mirroring the
// original's infile open so a FIFO input source never blocks the launcher.
func openNonBlocking(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	return os.NewFile(uintptr(fd), path), nil
}

func durationFromSeconds(secs float64) time.Duration {
	if secs <= 0 {
		return 0
	}

	return time.Duration(secs * float64(time.Second))
}
