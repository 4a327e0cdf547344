package jail

import (
	"bufio"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const rootGID = 0

// LookupOwner resolves name to a JailOwner and enforces the invariants the
// original's jailownerinfo::init applies before anything else runs: the
// home directory must be a single-component child of /home (the root user's
// bare "/" home is remapped to "/home/nobody" rather than rejected), the
// uid/gid must not be 0, and the shell must be /bin/bash, /bin/sh, or listed
// in /etc/shells.
func LookupOwner(name string) (JailOwner, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return JailOwner{}, usagef("%s: no such user", name)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return JailOwner{}, internalErrorf("LookupOwner", "non-numeric uid %q for %s", u.Uid, name)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return JailOwner{}, internalErrorf("LookupOwner", "non-numeric gid %q for %s", u.Gid, name)
	}

	home := u.HomeDir

	switch {
	case home == "/":
		home = "/home/nobody"
	case !strings.HasPrefix(home, "/home/"):
		return JailOwner{}, usagef("%s: home directory %q not under /home", name, home)
	}

	owner := JailOwner{
		Name:  name,
		UID:   uid,
		GID:   gid,
		Home:  home,
		Shell: loginShell(u),
	}

	allowed, err := readEtcShells()
	if err != nil {
		return JailOwner{}, err
	}

	if err := validateOwner(owner, allowed); err != nil {
		return JailOwner{}, err
	}

	return owner, nil
}

// loginShell reads the shell field out of /etc/passwd directly: os/user's
// Go-only lookup path (used when cgo is disabled) never populates it.
func loginShell(u *user.User) string {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) == 7 && fields[0] == u.Username {
			return fields[6]
		}
	}

	return ""
}

func readEtcShells() (map[string]bool, error) {
	f, err := os.Open("/etc/shells")
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}

		return nil, fsf("/etc/shells: %v", err)
	}
	defer f.Close()

	shells := make(map[string]bool)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		shells[line] = true
	}

	return shells, nil
}

// homeOwners snapshots /etc/passwd once, mapping each user's home directory
// name (the component after "/home/" when the home is exactly one level
// below /home, otherwise the user name) to their (uid, gid) — the original's
// chown_recursive home_map, rebuilt with setpwent/getpwent per invocation.
func homeOwners() map[string][2]int {
	out := make(map[string][2]int)

	f, err := os.Open("/etc/passwd")
	if err != nil {
		return out
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 4 {
			continue
		}

		uid, err1 := strconv.Atoi(fields[2])
		gid, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			continue
		}

		name := fields[0]

		if len(fields) >= 6 {
			home := fields[5]
			if strings.HasPrefix(home, "/home/") && !strings.Contains(home[len("/home/"):], "/") {
				name = home[len("/home/"):]
			}
		}

		out[name] = [2]int{uid, gid}
	}

	return out
}

// EnsureHomeDir creates jd.Dir+"/home" (0755) and jd.Dir+owner.Home (0700) if
// missing, chowning the latter to (uid, gid) only when it was freshly
// created — the original's pre-chown_recursive home-directory bootstrap.
// Both "init" and "run" pass the jail owner's uid/gid.
func (s *Session) EnsureHomeDir(jd *JailDirectory, owner JailOwner, uid, gid int) error {
	if owner.Home == "" {
		return nil
	}

	homesDir := endslash(jd.Dir) + "home"
	if err := s.ensureDir(homesDir, 0755); err != nil {
		return err
	}

	jailHome := endslash(jd.Dir) + strings.TrimPrefix(owner.Home, "/")

	created, err := s.ensureDirReportCreated(jailHome, 0700)
	if err != nil {
		return err
	}

	if created {
		if err := s.lchown(jailHome, uid, gid); err != nil {
			return err
		}
	}

	return nil
}

// ensureDir creates path if it does not already exist as a directory.
func (s *Session) ensureDir(path string, perm uint32) error {
	_, err := s.ensureDirReportCreated(path, perm)
	return err
}

// ensureDirReportCreated is v_ensuredir: it reports whether path was freshly
// created (true) versus already present (false), so callers can chown only
// newly created directories.
func (s *Session) ensureDirReportCreated(path string, perm uint32) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err == nil {
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return false, fsf("%s: not a directory", path)
		}

		return false, nil
	}

	if err := s.mkdir(path, perm); err != nil {
		if s.cfg.DryRun {
			return true, nil
		}

		return false, err
	}

	return true, nil
}

// ApplyOwnership walks the freshly populated jail tree and recursively
// chowns it to root:root, except that entries directly under a top-level
// "home" directory (and everything beneath them) are chowned to the
// matching system user from /etc/passwd instead — the original's
// jaildirinfo::chown_recursive. Mount points encountered along the way are
// left untouched rather than descended into.
func (s *Session) ApplyOwnership(jd *JailDirectory) error {
	if err := s.Mounts.Populate(); err != nil {
		return err
	}

	dirFD, err := unix.Openat(jd.ParentFD, jd.Component, unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fsf("%s: %v", jd.Dir, err)
	}

	return s.chownRecursive(dirFD, jd.Dir, 0, rootUID, rootGID)
}

func (s *Session) chownRecursive(dirFD int, dirbuf string, depth int, owner, group int) error {
	defer unix.Close(dirFD)

	dirbuf = endslash(dirbuf)

	var homeMap map[string][2]int
	if depth == 1 && strings.HasSuffix(dirbuf, "/home/") {
		homeMap = homeOwners()
	}

	dir := os.NewFile(uintptr(dirFD), dirbuf)

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return fsf("%s: %v", dirbuf, err)
	}

	for _, name := range names {
		var st unix.Stat_t
		if err := unix.Fstatat(dirFD, name, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return fsf("%s%s: %v", dirbuf, name, err)
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			if err := s.lchownat(dirFD, name, owner, group, dirbuf); err != nil {
				return err
			}

			continue
		}

		u, g := owner, group
		if homeMap != nil {
			if ug, ok := homeMap[name]; ok {
				u, g = ug[0], ug[1]
			}
		}

		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			if err := s.lchownat(dirFD, name, u, g, dirbuf); err != nil {
				return err
			}

			continue
		}

		childPath := dirbuf + name

		if s.Mounts.IsMountPoint(childPath) {
			continue
		}

		subdirFD, err := unix.Openat(dirFD, name, unix.O_CLOEXEC|unix.O_NOFOLLOW, 0)
		if err != nil {
			return fsf("%s: %v", childPath, err)
		}

		if err := s.fchown(subdirFD, u, g, childPath); err != nil {
			unix.Close(subdirFD)
			return err
		}

		if err := s.chownRecursive(subdirFD, childPath, depth+1, u, g); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) lchownat(dirFD int, component string, owner, group int, dirpath string) error {
	s.debugf("chown -h %d:%d %s%s", owner, group, dirpath, component)

	if s.cfg.DryRun {
		return nil
	}

	if err := unix.Fchownat(dirFD, component, owner, group, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fsf("chown %s%s: %v", dirpath, component, err)
	}

	return nil
}

func (s *Session) fchown(fd int, owner, group int, path string) error {
	s.debugf("chown -h %d:%d %s", owner, group, path)

	if s.cfg.DryRun {
		return nil
	}

	if err := unix.Fchown(fd, owner, group); err != nil {
		return fsf("chown %s: %v", path, err)
	}

	return nil
}
