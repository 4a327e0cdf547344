package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunNoArgsPrintsUsage(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(strings.NewReader(""), &stdout, &stderr, []string{"pa-jail"}, testEnv(t), nil)
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}

	if !strings.Contains(stdout.String(), "Commands:") {
		t.Errorf("usage output = %q", stdout.String())
	}
}

func TestRunHelpFlag(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(strings.NewReader(""), &stdout, &stderr, []string{"pa-jail", "--help"}, testEnv(t), nil)
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}

	if !strings.Contains(stdout.String(), "Commands:") {
		t.Errorf("help output = %q", stdout.String())
	}
}

func TestRunVersionFlag(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(strings.NewReader(""), &stdout, &stderr, []string{"pa-jail", "--version"}, testEnv(t), nil)
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}

	if !strings.Contains(stdout.String(), "pa-jail") {
		t.Errorf("version output = %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(strings.NewReader(""), &stdout, &stderr, []string{"pa-jail", "frobnicate"}, testEnv(t), nil)
	if code != 1 {
		t.Errorf("code = %d, want 1", code)
	}

	if !strings.Contains(stderr.String(), "unknown command") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunDispatchesToSubcommandHelp(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(strings.NewReader(""), &stdout, &stderr, []string{"pa-jail", "init", "--help"}, testEnv(t), nil)
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}

	if !strings.Contains(stdout.String(), "init") {
		t.Errorf("subcommand help = %q", stdout.String())
	}
}

func TestRunInitMissingArgs(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(strings.NewReader(""), &stdout, &stderr, []string{"pa-jail", "init"}, testEnv(t), nil)
	if code != 1 {
		t.Errorf("code = %d, want 1", code)
	}

	if !strings.Contains(stderr.String(), ErrNoJailDir.Error()) {
		t.Errorf("stderr = %q, want it to mention %q", stderr.String(), ErrNoJailDir)
	}
}

// testEnv returns an environment map pointing XDG_CONFIG_HOME at a fresh
// temp directory, so LoadConfig never reads a real user config file.
func testEnv(t *testing.T) map[string]string {
	t.Helper()

	return map[string]string{"XDG_CONFIG_HOME": t.TempDir()}
}
