package jail

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ExecChildMarker is argv[1] of the "/proc/self/exe" reexec that Exec
// launches in place of the owner's shell. By the time a process sees this
// marker it has already been cloned into fresh IPC/mount/pid namespaces and
// chrooted and chdir'd by the Go runtime's forkExec (see buildSysProcAttr);
// it is still root. RunExecChild does the rest of what a single exec.Cmd
// can't express: remount /proc for the fresh pid namespace, check the
// shell is readable, drop to the owner's uid/gid, and exec the shell,
// replacing jailownerinfo::exec_go's tail.
const ExecChildMarker = "-pa-jail-exec-child"

const (
	envProcFSName = "_PAJAIL_PROC_FSNAME"
	envProcType   = "_PAJAIL_PROC_TYPE"
	envProcFlags  = "_PAJAIL_PROC_FLAGS"
	envProcData   = "_PAJAIL_PROC_DATA"
	envUID        = "_PAJAIL_UID"
	envGID        = "_PAJAIL_GID"
)

// execChildEnv layers the bootstrap parameters RunExecChild needs (the
// owner's uid/gid and the host's /proc mount slot, so the remount replicates
// the same fstype/flags/data rather than a bare default) on top of env, the
// environment the owner's shell will actually see.
func execChildEnv(env []string, owner JailOwner, procSlot MountSlot) []string {
	out := append([]string{}, env...)

	return append(out,
		envUID+"="+strconv.Itoa(owner.UID),
		envGID+"="+strconv.Itoa(owner.GID),
		envProcFSName+"="+procSlot.FSName,
		envProcType+"="+procSlot.Type,
		envProcFlags+"="+strconv.FormatUint(uint64(procSlot.Flags), 10),
		envProcData+"="+procSlot.Data,
	)
}

// RunExecChild is the body of the reexec named by ExecChildMarker. argv is
// ["/proc/self/exe", ExecChildMarker, shellPath, shell-args...]; the
// bootstrap parameters travel via the process's own environment rather than
// argv, since argv's tail is the shell's own argument list.
func RunExecChild(argv []string) int {
	if len(argv) < 1 {
		fmt.Fprintln(os.Stderr, "pa-jail: exec-child: missing shell path")
		return exitExecFailed
	}

	shellPath := argv[0]

	env, uid, gid, procSlot := parseExecChildEnv(os.Environ())

	if err := remountProc(procSlot); err != nil {
		fmt.Fprintf(os.Stderr, "pa-jail: remount /proc: %v\n", err)
		return exitExecFailed
	}

	if err := checkShellReadable(shellPath); err != nil {
		fmt.Fprintf(os.Stderr, "pa-jail: %v\n", err)
		return exitExecFailed
	}

	if err := dropPrivileges(uid, gid); err != nil {
		fmt.Fprintf(os.Stderr, "pa-jail: drop privileges: %v\n", err)
		return exitExecFailed
	}

	if err := unix.Exec(shellPath, argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "pa-jail: exec %s: %v\n", shellPath, err)
		return exitExecFailed
	}

	return 0 // unreachable: unix.Exec only returns on failure
}

func parseExecChildEnv(environ []string) (env []string, uid, gid int, procSlot MountSlot) {
	procSlot = MountSlot{FSName: "proc", Type: "proc", MountPoint: "/proc"}

	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			env = append(env, kv)
			continue
		}

		switch key {
		case envUID:
			uid, _ = strconv.Atoi(val)
		case envGID:
			gid, _ = strconv.Atoi(val)
		case envProcFSName:
			procSlot.FSName = val
		case envProcType:
			procSlot.Type = val
		case envProcFlags:
			if n, err := strconv.ParseUint(val, 10, 32); err == nil {
				procSlot.Flags = MountFlag(n)
			}
		case envProcData:
			procSlot.Data = val
		default:
			env = append(env, kv)
		}
	}

	return env, uid, gid, procSlot
}

// remountProc mounts a fresh instance of procfs over the jail's /proc,
// matching the original's pre-exec remount: CLONE_NEWPID leaves whatever
// /proc was populated under the jail bound to the launcher's pid namespace,
// stale for this process's own view of itself.
func remountProc(slot MountSlot) error {
	return unix.Mount(slot.FSName, "/proc", slot.Type, toUnixMountFlags(slot.Flags), slot.Data)
}

// checkShellReadable reproduces the original's explicit open-and-close
// check before handing control to the shell, so a missing or unreadable
// shell fails with a clear error instead of surfacing through exec(2).
func checkShellReadable(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return unix.Close(fd)
}

// dropPrivileges reproduces the original's final setgid/setuid sequence,
// deferred until after /proc is remounted and the shell is checked, both of
// which need root.
func dropPrivileges(uid, gid int) error {
	if err := unix.Setgroups(nil); err != nil {
		return err
	}

	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return err
	}

	return unix.Setresuid(uid, uid, uid)
}
