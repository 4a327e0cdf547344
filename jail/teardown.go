package jail

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Teardown unmounts everything live under jd's directory, recursively
// removes the tree, and — when removeDir is set, as for "rm" (not for
// "run --replace") — removes the now-empty jail directory itself. Mirrors
// the original's "kill the sandbox" block: unmount every live mount under
// the jail first, then rm -rf.
func (s *Session) Teardown(jd *JailDirectory, removeDir bool) error {
	dir := endslash(jd.Dir)

	if err := s.Mounts.Populate(); err != nil {
		return err
	}

	// Skip list for rmrfUnder below: a dry run never performs the umount
	// syscalls above, so the mount points are still live and must not be
	// descended into; a real run has already detached them, leaving
	// ordinary (now-empty) directories safe to recurse into and remove.
	unmounted := make(map[string]bool)

	for _, slot := range s.Mounts.Under(strings.TrimSuffix(dir, "/")) {
		if err := s.unmount(slot.MountPoint); err != nil {
			return err
		}

		if s.cfg.DryRun {
			unmounted[strings.TrimSuffix(slot.MountPoint, "/")] = true
		}
	}

	if err := s.rmrfUnder(jd.ParentFD, jd.Component, dir, unmounted); err != nil {
		return err
	}

	if !removeDir {
		return nil
	}

	bare := strings.TrimSuffix(dir, "/")

	s.debugf("rmdir %s", bare)

	if s.cfg.DryRun {
		return nil
	}

	if err := unix.Unlinkat(jd.ParentFD, jd.Component, unix.AT_REMOVEDIR); err != nil {
		return fsf("rmdir %s: %v", bare, err)
	}

	return nil
}

func (s *Session) unmount(mountPoint string) error {
	s.debugf("umount -i -n %s", mountPoint)

	if s.cfg.DryRun {
		return nil
	}

	if err := unix.Unmount(mountPoint, 0); err != nil {
		return fsf("umount %s: %v", mountPoint, err)
	}

	return nil
}

// rmrfUnder recursively removes everything under parentFD/component,
// skipping (not descending into, and not unlinking) any directory recorded
// in unmounted — the original's x_rm_rf_under, where a dry run never
// actually unmounts so must still pretend the mount is opaque.
func (s *Session) rmrfUnder(parentFD int, component, dirname string, unmounted map[string]bool) error {
	dirname = endslash(dirname)

	dirFD, err := unix.Openat(parentFD, component, unix.O_RDONLY, 0)
	if err != nil {
		return fsf("%s: %v", dirname, err)
	}

	f := os.NewFile(uintptr(dirFD), dirname)

	entries, err := f.ReadDir(-1)
	if err != nil {
		unix.Close(dirFD)
		return fsf("%s: %v", dirname, err)
	}

	for _, de := range entries {
		name := de.Name()

		if de.IsDir() {
			childPath := dirname + name
			if unmounted[strings.TrimSuffix(childPath, "/")] {
				continue
			}

			if err := s.rmrfUnder(dirFD, name, childPath, unmounted); err != nil {
				unix.Close(dirFD)
				return err
			}
		}

		op, flags := "rm", 0
		if de.IsDir() {
			op, flags = "rmdir", unix.AT_REMOVEDIR
		}

		s.debugf("%s %s%s", op, dirname, name)

		if s.cfg.DryRun {
			continue
		}

		if err := unix.Unlinkat(dirFD, name, flags); err != nil {
			unix.Close(dirFD)
			return fsf("%s %s%s: %v", op, dirname, name, err)
		}
	}

	unix.Close(dirFD)

	return nil
}
