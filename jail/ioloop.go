package jail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// escapeSequence is the raw ESC, Ctrl-C pair that, when seen on stdin,
// terminates the running child early — the original's
// "\x1b\x03" check in handle_child's transfer_in loop.
var escapeSequence = []byte{0x1b, 0x03}

// runIOLoop pumps req.Stdin/req.Stdout through ptmx and waits for the
// child to exit, a timeout, the escape sequence, or ctx cancellation,
// replacing handle_child/check_child_timeout/exec_done's select(2) loop
// with goroutines and channels.
func (s *Session) runIOLoop(ctx context.Context, cmd *exec.Cmd, ptmx *os.File, req ExecRequest) (int, error) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	stdoutDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(req.Stdout, ptmx)
		stdoutDone <- err
	}()

	escCh := make(chan struct{}, 1)
	if req.Stdin != nil {
		go watchForEscape(req.Stdin, ptmx, escCh)
	}

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case werr := <-waitCh:
		<-stdoutDone
		return exitCodeFromWaitErr(werr), nil

	case rerr := <-stdoutDone:
		werr := <-waitCh

		if rerr != nil && !isBenignPtyError(rerr) {
			fmt.Fprintf(os.Stderr, "read: %v\n", rerr)
			killChild(cmd)

			return exitReadError, nil
		}

		return exitCodeFromWaitErr(werr), nil

	case <-escCh:
		s.announce(req, "...terminated")
		killChild(cmd)
		<-waitCh
		<-stdoutDone

		return 128 + int(syscall.SIGTERM), nil

	case <-timeoutCh:
		s.announce(req, "...timed out")
		killChild(cmd)
		<-waitCh
		<-stdoutDone

		return exitTimedOut, nil

	case <-ctx.Done():
		s.announce(req, "...terminated")
		killChild(cmd)
		<-waitCh
		<-stdoutDone

		return 128 + int(syscall.SIGTERM), nil
	}
}

// announce prints the original's exec_done banner: italic-reversed-red text
// on a line of its own, suppressed in quiet mode.
func (s *Session) announce(req ExecRequest, text string) {
	if req.Quiet {
		return
	}

	fmt.Fprintf(req.Stdout, "\n\x1b[3;7;31m%s\x1b[0m\n", text)
}

func killChild(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// watchForEscape copies src into dst, byte chunk by byte chunk, signaling
// done and stopping as soon as escapeSequence appears in the stream
// (possibly split across two reads).
func watchForEscape(src io.Reader, dst io.Writer, done chan<- struct{}) {
	buf := make([]byte, 4096)
	carry := byte(0)
	haveCarry := false

	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			if haveCarry && carry == escapeSequence[0] && chunk[0] == escapeSequence[1] {
				done <- struct{}{}
				return
			}

			for i := 0; i+1 < len(chunk); i++ {
				if chunk[i] == escapeSequence[0] && chunk[i+1] == escapeSequence[1] {
					done <- struct{}{}
					return
				}
			}

			carry = chunk[len(chunk)-1]
			haveCarry = true

			if _, werr := dst.Write(chunk); werr != nil {
				return
			}
		}

		if err != nil {
			return
		}
	}
}

// isBenignPtyError reports whether err is just the master side observing
// the slave's last open fd close (the child exiting), not a real I/O
// failure worth reporting — the original only escalates from_slave.rerrno
// when it isn't EIO.
func isBenignPtyError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO)
}

func exitCodeFromWaitErr(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return 128 + int(ws.Signal())
			}

			return ws.ExitStatus()
		}
	}

	return 1
}
