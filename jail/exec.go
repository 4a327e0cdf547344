package jail

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
)

// Exit codes that don't come from the child's own exit status, mirroring
// the original's exec_done/check_child_timeout constants.
const (
	exitTimedOut   = 124
	exitReadError  = 125
	exitExecFailed = 126
)

// ExecRequest describes one "run" invocation: the command to execute as
// Owner inside JailDir, with Stdin/Stdout wired to the caller's terminal or
// pipes.
type ExecRequest struct {
	Owner      JailOwner
	JailDir    *JailDirectory
	Command    []string // argv[2:]; joined into "sh -l -c <command>"
	Stdin      io.Reader
	Stdout     io.Writer
	Timeout    time.Duration // 0 disables the timeout
	Foreground bool
	Quiet      bool
	PIDFile    string
}

// Exec runs req.Command as req.Owner inside req.JailDir, replacing the
// original's jailownerinfo::exec/exec_go: chroot into fresh namespaces,
// remount /proc, drop privileges, allocate a pty, and exec the owner's
// login shell. With req.Foreground set, returns the child's exit code (or a
// synthetic 124/125/128+N code for timeout/read-error/signal); without it,
// returns 0 as soon as the child has started.
func (s *Session) Exec(ctx context.Context, req ExecRequest) (int, error) {
	argv := []string{req.Owner.Shell, "-l", "-c", joinShellCommand(req.Command)}
	env := buildChildEnv(req.Owner.Home)

	s.debugf("su %s", req.Owner.Name)

	if s.cfg.Verbose {
		s.debugf("%s %s", strings.Join(env, " "), shellQuoteJoin(argv))
	}

	if s.cfg.DryRun {
		return 0, nil
	}

	if err := s.Mounts.Populate(); err != nil {
		return 0, err
	}

	procSlot, _ := s.Mounts.Lookup("/proc")

	cmd := buildExecCmd(req, argv, env, procSlot)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return 0, execf("start %s: %v", req.Owner.Shell, err)
	}
	defer ptmx.Close()

	if req.PIDFile != "" {
		if err := writePIDFile(req.PIDFile, cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			return 0, err
		}

		defer writePIDFile(req.PIDFile, 0)
	}

	if !req.Foreground {
		return 0, nil
	}

	return s.runIOLoop(ctx, cmd, ptmx, req)
}

// buildExecCmd assembles the exec.Cmd for the ExecChildMarker reexec
// (jail/execchild.go): argv is the shell invocation ["sh", "-l", "-c",
// cmd], not the reexec's own argv. cmd.Dir is set to the owner's home so
// the chdir the Go runtime performs after chroot (see buildSysProcAttr)
// lands the shell there instead of at the jail root.
func buildExecCmd(req ExecRequest, argv, env []string, procSlot MountSlot) *exec.Cmd {
	cmd := exec.Command("/proc/self/exe", append([]string{ExecChildMarker}, argv...)...)
	cmd.Dir = req.Owner.Home
	cmd.Env = execChildEnv(env, req.Owner, procSlot)
	cmd.SysProcAttr = buildSysProcAttr(req.JailDir.Dir)

	return cmd
}

// joinShellCommand mirrors jailownerinfo::exec's construction of the
// "sh -c" command string: a single trailing argument passes through
// unquoted, multiple arguments are individually shell-quoted and joined
// with spaces.
func joinShellCommand(args []string) string {
	if len(args) == 1 {
		return args[0]
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}

	return strings.Join(quoted, " ")
}

func shellQuoteJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}

	return strings.Join(quoted, " ")
}

// shellQuote reproduces the original's shell_quote: pass through arguments
// made entirely of shell-safe characters, single-quote the rest (escaping
// embedded single quotes as '\'').
func shellQuote(arg string) string {
	for _, c := range arg {
		if !shellSafeRune(c) {
			return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
		}
	}

	return arg
}

func shellSafeRune(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-' || c == '~' || c == '.' || c == '/'
}

// buildChildEnv reproduces jailownerinfo::exec's environment adjustment:
// pass through the launcher's PATH and LD_LIBRARY_PATH verbatim (falling
// back to a fixed PATH when unset) and set HOME to the jail owner's home.
func buildChildEnv(home string) []string {
	path := "PATH=/usr/local/bin:/bin:/usr/bin"

	var ldLibraryPath string

	for _, kv := range os.Environ() {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = kv
		case strings.HasPrefix(kv, "LD_LIBRARY_PATH="):
			ldLibraryPath = kv
		}
	}

	env := []string{path}
	if ldLibraryPath != "" {
		env = append(env, ldLibraryPath)
	}

	return append(env, "HOME="+home)
}

func writePIDFile(path string, pid int) error {
	if pid == 0 {
		if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
			return fsf("%s: %v", path, err)
		}

		return nil
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fsf("%s: %v", path, err)
	}

	return nil
}
