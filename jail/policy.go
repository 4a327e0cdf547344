package jail

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	legacyPolicyFilename = "JAIL61"
	policyFilename       = "pa-jail.conf"
	systemPolicyPath     = "/etc/pa-jail.conf"
	rootUID              = 0
)

type jailAction int

const (
	ActionInit jailAction = iota
	ActionRun
	ActionMv
	ActionRm
)

// Walk performs the PolicyWalker pass: it sanitizes and resolves dir to an
// absolute path, then walks it component by component from the root using
// openat-style descriptor chaining, enforcing root-ownership of every
// ancestor above the authorization point and evaluating policy files along
// the way. On success it returns a JailDirectory with Allowed set and
// ParentFD populated with an open descriptor to the jail's parent directory
// (caller-owned; release it when done, e.g. in Teardown or Mv).
func (s *Session) Walk(rawDir string, action jailAction, force bool) (*JailDirectory, error) {
	abs, err := Absolute(rawDir)
	if err != nil {
		return nil, err
	}

	clean, ok := Sanitize(abs)
	if !ok || clean == "" || clean == "/" || clean[0] != '/' {
		return nil, usagef("bad characters in filename %q", rawDir)
	}

	dir := endslash(clean)

	state := &policyState{session: s}

	if fd, err := unix.Open(systemPolicyPath, unix.O_RDONLY|unix.O_NOFOLLOW, 0); err == nil {
		err := state.parsePermfile(fd, "/etc/", policyFilename, false, dir)
		_ = unix.Close(fd)

		if err != nil {
			return nil, err
		}
	}

	jd := &JailDirectory{ParentFD: -1}

	lastPos := 0
	fd := -1
	parentFD := -1

	for lastPos != len(dir) {
		nextPos := lastPos
		for nextPos != 0 && nextPos < len(dir) && dir[nextPos] != '/' {
			nextPos++
		}
		if nextPos == 0 {
			nextPos++
		}

		jd.Parent = dir[:lastPos]
		jd.Component = dir[lastPos:nextPos]
		thisDir := dir[:nextPos]
		lastPos = nextPos
		for lastPos != len(dir) && dir[lastPos] == '/' {
			lastPos++
		}

		allowedHere := state.permdir != "" &&
			lastPos >= len(state.permdir) &&
			strings.HasPrefix(dir, state.permdir)

		if parentFD >= 0 {
			_ = unix.Close(parentFD)
		}
		parentFD = fd

		childFD, openErr := unix.Openat(parentFD, jd.Component, unix.O_PATH|unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)

		if openErr == unix.ENOENT && allowedHere && (action == ActionInit || action == ActionRun) {
			if err := unix.Mkdirat(parentFD, jd.Component, 0755); err != nil {
				closeIfOpen(parentFD)
				return nil, fsf("mkdir %s: %v", thisDir, err)
			}

			childFD, openErr = unix.Openat(parentFD, jd.Component, unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
			if openErr == nil && lastPos == len(dir) {
				if err := unix.Fchmod(childFD, 0755); err != nil {
					closeIfOpen(parentFD)
					closeIfOpen(childFD)
					return nil, fsf("chmod %s: %v", thisDir, err)
				}
			}
		}

		if openErr == unix.ENOENT && action == ActionRm && force {
			closeIfOpen(parentFD)
			return nil, ErrJailAlreadyAbsent
		} else if openErr != nil {
			closeIfOpen(parentFD)
			return nil, fsf("%s: %v", thisDir, openErr)
		}

		fd = childFD

		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			closeIfOpen(parentFD)
			closeIfOpen(fd)
			return nil, fsf("%s: %v", thisDir, err)
		}

		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			closeIfOpen(parentFD)
			closeIfOpen(fd)
			return nil, fsf("%s: not a directory", thisDir)
		}

		if !allowedHere && lastPos != len(dir) {
			if int(st.Uid) != rootUID {
				closeIfOpen(parentFD)
				closeIfOpen(fd)
				return nil, authf("%s: not owned by root", thisDir)
			}

			if (int(st.Gid) != rootUID && st.Mode&unix.S_IWGRP != 0) || st.Mode&unix.S_IWOTH != 0 {
				closeIfOpen(parentFD)
				closeIfOpen(fd)
				return nil, authf("%s: writable by non-root", thisDir)
			}
		}

		jd.Dev = uint64(st.Dev)

		if jd.Parent != "" {
			if err := state.checkPermfile(fd, st, thisDir, dir); err != nil {
				closeIfOpen(parentFD)
				closeIfOpen(fd)
				return nil, err
			}
		}
	}

	if !state.allowed {
		extra := ""
		if state.alternatePermfile != "" {
			extra = fmt.Sprintf(" (Perhaps you need to edit %q.)", state.alternatePermfile)
		}

		closeIfOpen(parentFD)
		closeIfOpen(fd)

		return nil, authf("%s: no pa-jail.conf enables jails here%s", dir, extra)
	}

	// fd (an open descriptor to the jail directory itself) is not needed
	// once jd.ParentFD+jd.Component can recover it via Openat; parentFD
	// stays open, handed to the caller as jd.ParentFD.
	closeIfOpen(fd)

	jd.Dir = dir
	jd.PermDir = state.permdir
	jd.Allowed = true
	jd.ParentFD = parentFD

	return jd, nil
}

func closeIfOpen(fd int) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
}

func endslash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}

	return p + "/"
}

// policyState accumulates the running permdir/allowed decision across every
// pa-jail.conf encountered during one Walk, equivalent to the fields the
// original carries on jaildirinfo itself.
type policyState struct {
	session           *Session
	allowed           bool
	permdir           string
	alternatePermfile string
}

func (p *policyState) checkPermfile(dirFD int, dirStat unix.Stat_t, thisDir, fullDir string) error {
	fd, err := unix.Openat(dirFD, policyFilename, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	name := policyFilename

	if err == unix.ENOENT {
		name = legacyPolicyFilename
		fd, err = unix.Openat(dirFD, name, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	}

	if err != nil {
		if err == unix.ENOENT || err == unix.ELOOP {
			return nil
		}

		return fsf("%s/%s: %v", thisDir, name, err)
	}
	defer unix.Close(fd)

	if !writableOnlyByRoot(dirStat) {
		return nil
	}

	return p.parsePermfile(fd, thisDir, name, true, fullDir)
}

func writableOnlyByRoot(st unix.Stat_t) bool {
	return int(st.Uid) == rootUID &&
		(int(st.Gid) == rootUID || st.Mode&unix.S_IWGRP == 0) &&
		st.Mode&unix.S_IWOTH == 0
}

// parsePermfile evaluates one policy file's directives against fullDir, the
// path being authorized. islocal distinguishes a per-directory
// pa-jail.conf/JAIL61 file (true) from the system-wide /etc/pa-jail.conf
// (false) — see DESIGN.md "Open Question Decisions" #1: unpatterned
// enablejail only takes effect when islocal; unpatterned disablejail takes
// effect regardless.
func (p *policyState) parsePermfile(fd int, thisDir, permfilename string, islocal bool, fullDir string) error {
	thisDir = endslash(thisDir)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fsf("%s%s: %v", thisDir, permfilename, err)
	}

	if !writableOnlyByRoot(st) {
		if !p.allowed {
			return authf("%s%s: writable by non-root", thisDir, permfilename)
		}

		return nil
	}

	buf := make([]byte, 8192)

	n, err := unix.Read(fd, buf)
	if err != nil {
		n = 0
	}

	allowedGlobally, allowedLocally := -1, -1

	var allowedPermdir string

	for _, line := range strings.Split(string(buf[:n]), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		keyword := fields[0]

		var pattern string
		if len(fields) > 1 {
			pattern = fields[1]
		}

		wdir := normalizePolicyPattern(pattern, thisDir)
		superdir := superdirOfSameDepth(fullDir, wdir)
		dirmatch := patternMatches(wdir, superdir)

		switch keyword {
		case "disablejail", "nojail":
			if pattern == "" {
				allowedGlobally, allowedLocally = 0, 0
			} else if dirmatch {
				allowedLocally = 0
				allowedPermdir = pattern
			}
		case "enablejail", "allowjail":
			if pattern == "" {
				allowedGlobally = 1
			} else if dirmatch {
				allowedLocally = 1
				allowedPermdir = superdir
			} else {
				p.alternatePermfile = thisDir + permfilename
			}
		}
	}

	switch {
	case allowedLocally > 0:
		p.allowed = true
		p.permdir = allowedPermdir
	case allowedLocally == 0:
		return authf("%s%s: jails are disabled under %s", thisDir, permfilename, allowedPermdir)
	case allowedGlobally > 0 && islocal:
		p.allowed = true
		p.permdir = thisDir
	case allowedGlobally == 0 && islocal:
		return authf("%s%s: jails are disabled here", thisDir, permfilename)
	case allowedGlobally == 0:
		return authf("%s%s: jails are disabled", thisDir, permfilename)
	}

	return nil
}

// normalizePolicyPattern resolves a pattern word relative to the policy
// file's own directory: a leading "./" is stripped, an empty or "."
// pattern means "this directory", and a relative pattern is anchored at
// thisDir. The result always ends in "/".
func normalizePolicyPattern(pattern, thisDir string) string {
	for len(pattern) > 2 && pattern[0] == '.' && pattern[1] == '/' {
		pattern = pattern[2:]
	}

	if pattern == "" || pattern == "." {
		pattern = thisDir
	}

	pattern = endslash(pattern)

	if pattern[0] != '/' {
		pattern = thisDir + pattern
	}

	return pattern
}

// superdirOfSameDepth returns the prefix of dir that has the same number of
// '/' characters as wdir, so a pattern like "/var/jails/*/" can be compared
// against the corresponding prefix of the path under authorization.
func superdirOfSameDepth(dir, wdir string) string {
	slashCount := strings.Count(wdir, "/")

	pos := 0

	for slashCount > 0 {
		idx := strings.IndexByte(dir[pos:], '/')
		if idx < 0 {
			pos = len(dir)

			break
		}

		pos += idx + 1
		slashCount--
	}

	return dir[:pos]
}

// patternMatches compares a policy pattern against a path prefix using
// pathname-aware glob semantics with no leading-dot exemption (see
// DESIGN.md "Open Question Decisions" #3).
func patternMatches(pattern, subject string) bool {
	ok, err := path.Match(pattern, subject)
	if err != nil {
		return false
	}

	return ok
}
