package jail

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Populate materializes the jail tree at dstRoot (no trailing slash) by
// replaying the manifest read from r, after seeding /proc, /dev/pts and
// /dev/ptmx. jailDev is the device id of dstRoot's own filesystem; it
// governs which regular-file sources are link-eligible (§4.4).
func (s *Session) Populate(dstRoot string, jailDev uint64, r io.Reader) error {
	if !s.cfg.DryRun {
		if err := chmodLchown(dstRoot, 0755, 0, 0); err != nil {
			return fsf("prepare %s: %v", dstRoot, err)
		}
	}

	s.destinations[endslash(dstRoot)] = true

	if err := s.Mounts.Populate(); err != nil {
		return err
	}

	baseFlags := copyFlags(0)
	if s.cfg.StagingDir == "" {
		baseFlags = flagNoLink
	}

	for _, seed := range []string{"/proc", "/dev/pts", "/dev/ptmx"} {
		s.handleCopy(seed, dstRoot+seed, true, 0, jailDev, dstRoot)
	}

	scanner := newManifestScanner(r, dstRoot, baseFlags)
	for {
		op, ok := scanner.next()
		if !ok {
			break
		}

		s.handleCopy(op.src, op.dst, op.checkDst, op.flags, jailDev, dstRoot)
	}

	return nil
}

// handleCopy is the per-entry materialization step (§4.4). All failures
// here are non-fatal: they are narrated to the debug sink and mark the
// session's accumulated exit value, mirroring the original's exit_value
// global — nothing in handle_copy itself ever aborts the whole run.
func (s *Session) handleCopy(src, dst string, checkParents bool, flags copyFlags, jailDev uint64, dstRoot string) (srcMode uint32, ok bool) {
	if s.destinations[dst] {
		return 0, true
	}
	s.destinations[dst] = true

	if checkParents {
		s.maybeCreateParent(src, dst, jailDev, dstRoot)
	}

	var ss unix.Stat_t
	if err := unix.Lstat(src, &ss); err != nil {
		s.fail("lstat %s: %v", src, err)
		return 0, false
	}

	var dsMode uint32
	dsUID, dsGID := 0, 0

	switch {
	case ss.Mode&unix.S_IFMT == unix.S_IFREG && flags&flagNoLink != 0:
		if err := s.cpPreserve(src, dst); err != nil {
			s.fail("%v", err)
			return 0, false
		}

		dsMode, dsUID, dsGID = ss.Mode, int(ss.Uid), int(ss.Gid)

	case ss.Mode&unix.S_IFMT == unix.S_IFREG && flags&flagCP == 0 && ss.Dev == jailDev:
		if err := s.link(src, dst); err != nil {
			s.fail("link %s %s: %v", dst, src, err)
			return 0, false
		}

		dsMode, dsUID, dsGID = ss.Mode, int(ss.Uid), int(ss.Gid)

	case ss.Mode&unix.S_IFMT == unix.S_IFREG || (ss.Mode&unix.S_IFMT == unix.S_IFLNK && flags&flagCP != 0):
		if s.cfg.StagingDir == "" {
			s.fail("link %s: cross-device and no staging directory configured", dst)
			return 0, false
		}

		if err := s.linkCrossDevice(src, dst, ss); err != nil {
			s.fail("link %s: %v", dst, err)
			return 0, false
		}

		dsMode, dsUID, dsGID = ss.Mode, int(ss.Uid), int(ss.Gid)

	case ss.Mode&unix.S_IFMT == unix.S_IFDIR:
		perm := ss.Mode & (unix.S_ISUID | unix.S_ISGID | 0777)
		if err := s.mkdir(dst, perm); err != nil {
			existing, lerr := lstatMode(dst)
			if lerr != nil {
				s.fail("lstat %s: %v", dst, lerr)
				return 0, false
			}

			if existing&unix.S_IFMT != unix.S_IFDIR {
				s.fail("lstat %s: not a directory", dst)
				return 0, false
			}

			dsMode = existing
		} else {
			dsMode = perm | unix.S_IFDIR
		}

	case ss.Mode&unix.S_IFMT == unix.S_IFCHR || ss.Mode&unix.S_IFMT == unix.S_IFBLK:
		mode := ss.Mode & (unix.S_IFREG | unix.S_IFCHR | unix.S_IFBLK | unix.S_IFIFO | unix.S_IFSOCK | unix.S_ISUID | unix.S_ISGID | 0777)
		if err := s.mknod(dst, mode, ss.Rdev); err != nil {
			s.fail("mknod %s: %v", dst, err)
			return 0, false
		}

		dsMode = mode

	case ss.Mode&unix.S_IFMT == unix.S_IFLNK:
		target, err := s.readlinkChecked(src)
		if err != nil {
			s.fail("readlink %s: %v", src, err)
			return 0, false
		}

		if err := s.symlink(target, dst); err != nil {
			s.fail("symlink %s: %v", dst, err)
			return 0, false
		}

		dsMode = ss.Mode

		s.handleSymlinkDst(src, dst, target, jailDev, dstRoot)

	default:
		s.fail("%s: odd file type", src)
		return 0, false
	}

	if dsMode != ss.Mode {
		if err := s.chmod(dst, ss.Mode&07777); err != nil {
			s.fail("chmod %s: %v", dst, err)
			return 0, false
		}
	}

	if uint32(dsUID) != ss.Uid || uint32(dsGID) != ss.Gid {
		if err := s.lchown(dst, int(ss.Uid), int(ss.Gid)); err != nil {
			s.fail("lchown %s: %v", dst, err)
			return 0, false
		}
	}

	if ss.Mode&unix.S_IFMT == unix.S_IFDIR {
		if slot, found := s.Mounts.Lookup(src); found && slot.Allowed {
			if err := replicateMount(slot, dst); err != nil {
				s.fail("mount %s: %v", dst, err)
				return 0, false
			}
		}
	}

	return ss.Mode, true
}

// maybeCreateParent recurses to materialize dst's parent directory first
// when it is absent on disk but src's corresponding parent exists, mirroring
// handle_copy's check_parents branch.
func (s *Session) maybeCreateParent(src, dst string, jailDev uint64, dstRoot string) {
	lastSlash := strings.LastIndexByte(dst, '/')
	if lastSlash <= 0 || lastSlash == len(dst)-1 {
		return
	}

	suffixLen := len(dst) - lastSlash
	if len(src) <= suffixLen || src[len(src)-suffixLen:] != dst[len(dst)-suffixLen:] {
		return
	}

	dstDir := dst[:lastSlash]
	if _, err := os.Lstat(dstDir); err == nil || !os.IsNotExist(err) {
		return
	}

	s.handleCopy(src[:len(src)-suffixLen], dst[:len(dst)-suffixLen], true, 0, jailDev, dstRoot)
}

// handleSymlinkDst expands a freshly-created symlink's target into a
// second handle_copy call against the real underlying file, and records a
// symmetric alias when the target turns out to be a directory (§4.4 step
// 4, "Symlink" case; §9 "Cyclic/self-referential symlinks").
func (s *Session) handleSymlinkDst(src, dst, target string, jailDev uint64, dstRoot string) {
	dstLnkIn := dst

	var realSrc, realDst string

	if strings.HasPrefix(target, "/") {
		realSrc = target
		realDst = dstRoot + target
	} else {
		lnk := target

		for {
			if len(src) == 1 {
				return
			}

			srcSlash := lastSlashBefore(src, len(src)-2)
			dstSlash := lastSlashBefore(dst, len(dst)-2)

			if srcSlash < 0 || dstSlash < 0 || dstSlash < len(dstRoot) {
				return
			}

			src = src[:srcSlash+1]
			dst = dst[:dstSlash+1]

			if strings.HasPrefix(lnk, "../") {
				lnk = lnk[3:]
			} else {
				break
			}
		}

		realSrc = src + lnk
		realDst = dst + lnk
	}

	if strings.HasPrefix(realDst[len(dstRoot):], "/proc/") {
		return
	}

	mode, ok := s.handleCopy(realSrc, realDst, true, 0, jailDev, dstRoot)
	if ok && mode&unix.S_IFMT == unix.S_IFDIR {
		s.aliases.add(realDst, dstLnkIn)
	}
}

func lastSlashBefore(s string, from int) int {
	if from < 0 || from >= len(s) {
		from = len(s) - 1
	}

	for i := from; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}

	return -1
}

func (s *Session) fail(format string, args ...any) {
	s.markNonFatal()
	s.debugf(format, args...)

	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}

func chmodLchown(path string, mode uint32, uid, gid int) error {
	if err := unix.Chmod(path, mode); err != nil {
		return err
	}

	return unix.Lchown(path, uid, gid)
}

func lstatMode(path string) (uint32, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}

	return st.Mode, nil
}

func (s *Session) mkdir(path string, perm uint32) error {
	s.debugf("mkdir -m %04o %s", perm, path)

	if s.cfg.DryRun {
		return nil
	}

	return unix.Mkdir(path, perm)
}

func (s *Session) chmod(path string, mode uint32) error {
	s.debugf("chmod 0%o %s", mode, path)

	if s.cfg.DryRun {
		return nil
	}

	return unix.Chmod(path, mode)
}

func (s *Session) lchown(path string, uid, gid int) error {
	s.debugf("chown -h %d:%d %s", uid, gid, path)

	if s.cfg.DryRun {
		return nil
	}

	return unix.Lchown(path, uid, gid)
}

func (s *Session) mknod(path string, mode uint32, rdev uint64) error {
	s.debugf("mknod %s", path)

	if s.cfg.DryRun {
		return nil
	}

	err := unix.Mknod(path, mode, int(rdev))
	if err == unix.EEXIST {
		var st unix.Stat_t
		if unix.Stat(path, &st) == nil && st.Mode == mode && st.Rdev == rdev {
			return nil
		}
	}

	return err
}

func (s *Session) symlink(target, path string) error {
	s.debugf("ln -s %s %s", target, path)

	if s.cfg.DryRun {
		return nil
	}

	err := unix.Symlink(target, path)
	if err == unix.EEXIST {
		existing, rerr := os.Readlink(path)
		if rerr == nil && existing == target {
			return nil
		}
	}

	return err
}

func (s *Session) link(src, dst string) error {
	s.debugf("ln %s %s", src, dst)

	if s.cfg.DryRun {
		return nil
	}

	err := unix.Link(src, dst)
	if err != unix.EEXIST {
		return err
	}

	var sstat, dstat unix.Stat_t
	if unix.Stat(src, &sstat) == nil && unix.Stat(dst, &dstat) == nil &&
		sstat.Dev == dstat.Dev && sstat.Ino == dstat.Ino {
		return nil
	}

	if s.destMaterializedViaAlias(dst) {
		return nil
	}

	return err
}

// destMaterializedViaAlias reimplements x_link_eexist_ok's second check: dst
// may already exist under a different name because one of its ancestor
// directories was itself reached by following a symlink recorded in
// s.aliases (handleSymlinkDst records a directory alias, never a file
// alias). Walk dst's ancestor directories from deepest to shallowest; for
// each one with a recorded alias, rewrite dst's remaining suffix onto the
// alias target and check whether that rewritten path is already a known
// destination.
func (s *Session) destMaterializedViaAlias(dst string) bool {
	pos := len(dst)

	for {
		slash := strings.LastIndexByte(dst[:pos], '/')
		if slash < 0 {
			return false
		}

		dstdir := dst[:slash]

		for _, alias := range s.aliases.directAliasesOf(dstdir) {
			if s.destinations[alias+dst[slash:]] {
				return true
			}
		}

		if slash == 0 {
			return false
		}

		pos = slash
	}
}

func (s *Session) readlinkChecked(src string) (string, error) {
	buf := make([]byte, 4096)

	n, err := unix.Readlink(src, buf)
	if err != nil {
		return "", err
	}

	if n == len(buf) {
		return "", fmt.Errorf("symbolic link too long")
	}

	return string(buf[:n]), nil
}

// cpPreserve shells out to the host's cp -p, the "external preserving-copy
// subprocess" §4.4 requires for NOLINK regular files and cross-device
// staging refreshes — mirrored from the original's x_cp_p.
func (s *Session) cpPreserve(src, dst string) error {
	s.debugf("cp -p %s %s", src, dst)

	if s.cfg.DryRun {
		return nil
	}

	cmd := exec.Command("/bin/cp", "-p", src, dst)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("cp -p %s %s: %w: %s", src, dst, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// linkCrossDevice routes a cross-device regular file (or a forced-copy
// symlink) through the staging/link-farm directory, refreshing the staged
// copy when stale, then hard-links the staged copy into dst (§4.4 step 4,
// "cross-device" case; DESIGN.md Open Question Decision #4).
func (s *Session) linkCrossDevice(src, dst string, srcStat unix.Stat_t) error {
	staged := s.cfg.StagingDir + src

	fresh, err := stagingIsFresh(staged, srcStat)
	if err != nil {
		return err
	}

	if !fresh {
		if err := s.ensureStagingDirs(staged); err != nil {
			return err
		}

		if err := s.cpPreserve(src, staged); err != nil {
			return err
		}
	}

	return s.link(staged, dst)
}

// stagingIsFresh compares (size, mtime, mode, uid, gid) against the
// source, never content (§9 item (c)): a caller relying on byte-exact
// refresh after a content-only mutation must bump mtime.
func stagingIsFresh(staged string, src unix.Stat_t) (bool, error) {
	var st unix.Stat_t

	err := unix.Lstat(staged, &st)
	if err != nil {
		if err == unix.ENOENT {
			return false, nil
		}

		return false, err
	}

	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return false, fmt.Errorf("%s: is a directory", staged)
	}

	return st.Mode == src.Mode &&
		st.Uid == src.Uid &&
		st.Gid == src.Gid &&
		st.Size == src.Size &&
		st.Mtim == src.Mtim, nil
}

func (s *Session) ensureStagingDirs(staged string) error {
	lastSlash := strings.LastIndexByte(staged, '/')
	if lastSlash <= 0 {
		return nil
	}

	dir := staged[:lastSlash]

	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")

	cur := ""

	for _, part := range parts {
		cur += "/" + part

		st, err := os.Lstat(cur)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}

			if err := unix.Mkdir(cur, 0770); err != nil && err != unix.EEXIST {
				return err
			}

			continue
		}

		if !st.IsDir() {
			return fmt.Errorf("%s: not a directory", cur)
		}
	}

	return nil
}
