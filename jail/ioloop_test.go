package jail

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"testing"
	"time"
)

func TestIsBenignPtyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"eio", syscall.EIO, true},
		{"wrapped eof", errors.New("read: " + io.EOF.Error()), false},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		if got := isBenignPtyError(tt.err); got != tt.want {
			t.Errorf("isBenignPtyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestExitCodeFromWaitErrNil(t *testing.T) {
	t.Parallel()

	if got := exitCodeFromWaitErr(nil); got != 0 {
		t.Errorf("exitCodeFromWaitErr(nil) = %d, want 0", got)
	}
}

func TestExitCodeFromWaitErrNonExitError(t *testing.T) {
	t.Parallel()

	if got := exitCodeFromWaitErr(errors.New("not an exit error")); got != 1 {
		t.Errorf("exitCodeFromWaitErr(other) = %d, want 1", got)
	}
}

func TestExitCodeFromWaitErrRealChild(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("/bin/sh", "-c", "exit 17")

	err := cmd.Run()
	if err == nil {
		t.Fatal("expected /bin/sh -c 'exit 17' to return a non-nil error")
	}

	if got := exitCodeFromWaitErr(err); got != 17 {
		t.Errorf("exitCodeFromWaitErr = %d, want 17", got)
	}
}

func TestWatchForEscapeDetectsSequenceInOneChunk(t *testing.T) {
	t.Parallel()

	src := bytes.NewReader([]byte("hello\x1b\x03world"))
	dst := &bytes.Buffer{}
	done := make(chan struct{}, 1)

	go watchForEscape(src, dst, done)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("escape sequence was not detected")
	}
}

func TestWatchForEscapeDetectsSequenceSplitAcrossReads(t *testing.T) {
	t.Parallel()

	r1, w1 := io.Pipe()
	dst := &bytes.Buffer{}
	done := make(chan struct{}, 1)

	go watchForEscape(r1, dst, done)

	go func() {
		_, _ = w1.Write([]byte("hello\x1b"))
		_, _ = w1.Write([]byte{0x03})
		_ = w1.Close()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("escape sequence split across two reads was not detected")
	}
}

func TestWatchForEscapeStopsAtEOFWithoutSequence(t *testing.T) {
	t.Parallel()

	src := bytes.NewReader([]byte("no escape here"))
	dst := &bytes.Buffer{}
	done := make(chan struct{}, 1)

	watchForEscape(src, dst, done)

	select {
	case <-done:
		t.Error("did not expect the escape sequence to be detected")
	default:
	}

	if dst.String() != "no escape here" {
		t.Errorf("dst = %q, want passthrough of the full input", dst.String())
	}
}
