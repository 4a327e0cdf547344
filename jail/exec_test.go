package jail

import (
	"os"
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"simple", "simple"},
		{"/usr/bin/foo-bar_1.2~3", "/usr/bin/foo-bar_1.2~3"},
		{"has space", `'has space'`},
		{"with'quote", `'with'\''quote'`},
		{"$(rm -rf /)", `'$(rm -rf /)'`},
	}

	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoinShellCommand(t *testing.T) {
	t.Parallel()

	if got := joinShellCommand([]string{"echo hello && rm -rf /"}); got != "echo hello && rm -rf /" {
		t.Errorf("single-argument command should pass through unquoted, got %q", got)
	}

	got := joinShellCommand([]string{"echo", "hello world"})
	want := "echo 'hello world'"

	if got != want {
		t.Errorf("joinShellCommand(multi) = %q, want %q", got, want)
	}
}

func TestShellQuoteJoin(t *testing.T) {
	t.Parallel()

	got := shellQuoteJoin([]string{"/bin/sh", "-l", "-c", "echo hi"})
	want := "/bin/sh -l -c 'echo hi'"

	if got != want {
		t.Errorf("shellQuoteJoin = %q, want %q", got, want)
	}
}

func TestBuildChildEnvSetsHome(t *testing.T) {
	t.Setenv("PATH", "/custom/path")
	t.Setenv("LD_LIBRARY_PATH", "/custom/lib")

	env := buildChildEnv("/home/student1")

	var gotHome, gotPath, gotLib string

	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "HOME="):
			gotHome = kv
		case strings.HasPrefix(kv, "PATH="):
			gotPath = kv
		case strings.HasPrefix(kv, "LD_LIBRARY_PATH="):
			gotLib = kv
		}
	}

	if gotHome != "HOME=/home/student1" {
		t.Errorf("HOME = %q", gotHome)
	}

	if gotPath != "PATH=/custom/path" {
		t.Errorf("PATH = %q", gotPath)
	}

	if gotLib != "LD_LIBRARY_PATH=/custom/lib" {
		t.Errorf("LD_LIBRARY_PATH = %q", gotLib)
	}
}

func TestBuildChildEnvFallsBackPath(t *testing.T) {
	origPath, hadPath := os.LookupEnv("PATH")
	origLib, hadLib := os.LookupEnv("LD_LIBRARY_PATH")

	t.Cleanup(func() {
		if hadPath {
			os.Setenv("PATH", origPath)
		}

		if hadLib {
			os.Setenv("LD_LIBRARY_PATH", origLib)
		}
	})

	os.Unsetenv("PATH")
	os.Unsetenv("LD_LIBRARY_PATH")

	env := buildChildEnv("/home/student1")

	found := false

	for _, kv := range env {
		if kv == "PATH=/usr/local/bin:/bin:/usr/bin" {
			found = true
		}

		if strings.HasPrefix(kv, "LD_LIBRARY_PATH=") {
			t.Errorf("LD_LIBRARY_PATH should be omitted when unset, got %q", kv)
		}
	}

	if !found {
		t.Errorf("expected fallback PATH in %v", env)
	}
}

func TestBuildExecCmdChdirsIntoOwnerHome(t *testing.T) {
	t.Parallel()

	req := ExecRequest{
		Owner:   JailOwner{Name: "student1", UID: 1001, GID: 1001, Home: "/home/student1", Shell: "/bin/bash"},
		JailDir: &JailDirectory{Dir: "/jails/student1/"},
	}

	cmd := buildExecCmd(req, []string{req.Owner.Shell, "-l", "-c", "echo hi"}, []string{"HOME=/home/student1"}, MountSlot{})

	if cmd.Dir != "/home/student1" {
		t.Errorf("cmd.Dir = %q, want owner home %q", cmd.Dir, req.Owner.Home)
	}
}

func TestBuildExecCmdReexecsSelfWithMarker(t *testing.T) {
	t.Parallel()

	req := ExecRequest{
		Owner:   JailOwner{Name: "student1", UID: 1001, GID: 1001, Home: "/home/student1", Shell: "/bin/bash"},
		JailDir: &JailDirectory{Dir: "/jails/student1/"},
	}

	argv := []string{req.Owner.Shell, "-l", "-c", "echo hi"}
	cmd := buildExecCmd(req, argv, nil, MountSlot{})

	if cmd.Path != "/proc/self/exe" {
		t.Errorf("cmd.Path = %q, want /proc/self/exe", cmd.Path)
	}

	want := append([]string{"/proc/self/exe", ExecChildMarker}, argv...)
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Errorf("cmd.Args = %v, want %v", cmd.Args, want)
	}
}

func TestExecChildEnvCarriesProcSlotAndIDs(t *testing.T) {
	t.Parallel()

	owner := JailOwner{UID: 1001, GID: 1001, Home: "/home/student1"}
	slot := MountSlot{MountPoint: "/proc", FSName: "proc", Type: "proc", Flags: MountNoSuid, Data: "hidepid=2"}

	env := execChildEnv([]string{"HOME=/home/student1"}, owner, slot)

	_, uid, gid, gotSlot := parseExecChildEnv(env)

	if uid != owner.UID || gid != owner.GID {
		t.Errorf("parsed uid/gid = %d/%d, want %d/%d", uid, gid, owner.UID, owner.GID)
	}

	if gotSlot != slot {
		t.Errorf("parsed proc slot = %+v, want %+v", gotSlot, slot)
	}
}

func TestParseExecChildEnvStripsBootstrapVars(t *testing.T) {
	t.Parallel()

	env := execChildEnv([]string{"HOME=/home/student1", "PATH=/bin"}, JailOwner{UID: 1, GID: 1}, MountSlot{})

	publicEnv, _, _, _ := parseExecChildEnv(env)

	for _, kv := range publicEnv {
		if strings.HasPrefix(kv, "_PAJAIL_") {
			t.Errorf("bootstrap var leaked into public env: %q", kv)
		}
	}

	if len(publicEnv) != 2 {
		t.Errorf("public env = %v, want exactly HOME and PATH", publicEnv)
	}
}

func TestCheckShellReadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shell := dir + "/sh"

	if err := os.WriteFile(shell, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write shell: %v", err)
	}

	if err := checkShellReadable(shell); err != nil {
		t.Errorf("checkShellReadable(%q) = %v, want nil", shell, err)
	}

	if err := checkShellReadable(dir + "/missing"); err == nil {
		t.Error("checkShellReadable(missing) = nil, want error")
	}
}

func TestWritePIDFileWriteAndClear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/pidfile"

	if err := writePIDFile(path, 4242); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(data) != "4242\n" {
		t.Errorf("pidfile content = %q", data)
	}

	if err := writePIDFile(path, 0); err != nil {
		t.Fatalf("clear: %v", err)
	}

	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after clear: %v", err)
	}

	if len(data) != 0 {
		t.Errorf("pidfile should be truncated, got %q", data)
	}
}
