package main

import (
	"errors"

	"pa-jail/jail"
)

// exitCodeFor maps an error returned from a Command's Exec function to a
// process exit code, per the error-kind table: usage/policy/authorization/
// filesystem errors all exit 1 (the operation already failed before or
// during setup), exec errors exit 126, while runtime failures during a
// running child carry their own specific codes.
func exitCodeFor(err error) int {
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var signaled *jail.SignaledError
	if errors.As(err, &signaled) {
		return 128 + signaled.Signal
	}

	switch {
	case errors.Is(err, jail.ErrTimeout):
		return 124
	case errors.Is(err, jail.ErrRuntimeIO):
		return 125
	case errors.Is(err, jail.ErrExec):
		return 126
	case errors.Is(err, jail.ErrUsagePolicy),
		errors.Is(err, jail.ErrAuthorization),
		errors.Is(err, jail.ErrFilesystem):
		return 1
	default:
		return 1
	}
}
