package jail

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Mv renames jd's directory to newRawDir, mirroring cmd_mv: the destination
// must sanitize to an absolute path under jd's authorized permdir, and a
// destination that already exists as a directory is treated as a
// container ("mv into", not "mv onto").
func (s *Session) Mv(jd *JailDirectory, newRawDir string) error {
	abs, err := Absolute(newRawDir)
	if err != nil {
		return err
	}

	newPath, ok := Sanitize(abs)
	if !ok || newPath == "" || newPath[0] != '/' {
		return usagef("%s: bad characters in move destination", newRawDir)
	}

	if len(newPath) <= len(jd.PermDir) || !strings.HasPrefix(newPath, jd.PermDir) {
		return authf("%s: not a subdirectory of %s", newPath, jd.PermDir)
	}

	if st, err := os.Stat(newPath); err == nil && st.IsDir() {
		newPath = endslash(newPath) + jd.Component
	}

	s.debugf("mv %s%s %s", jd.Parent, jd.Component, newPath)

	if s.cfg.DryRun {
		return nil
	}

	if err := unix.Renameat(jd.ParentFD, jd.Component, jd.ParentFD, newPath); err != nil {
		return fsf("mv %s%s %s: %v", jd.Parent, jd.Component, newPath, err)
	}

	return nil
}
