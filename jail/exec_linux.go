//go:build linux

package jail

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// buildSysProcAttr assembles the SysProcAttr that replaces the original's
// nested clone(CLONE_NEWIPC|CLONE_NEWNS|CLONE_NEWPID, ...)+chroot+mount+
// setuid+setsid+dup2-onto-pty sequence with a single exec.Cmd: the Go
// runtime's forkExec path performs the clone, chroot and chdir(cmd.Dir) in
// the child before the exec, in that order. Credential is deliberately
// absent here — the process launched by this attribute is the
// ExecChildMarker reexec, which still needs root to remount /proc before it
// drops privileges itself (see RunExecChild), matching the point in
// jailownerinfo::exec_go where the mount and shell check happen before the
// setuid/setgid calls.
func buildSysProcAttr(jailDir string) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Chroot:     jailDir,
		Cloneflags: unix.CLONE_NEWIPC | unix.CLONE_NEWNS | unix.CLONE_NEWPID,
		Setsid:     true,
		Setctty:    true,
		Ctty:       0, // index into Stdin/Stdout/Stderr; pty.Start wires all three to the slave
	}
}
