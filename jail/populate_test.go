package jail

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()

	s, err := NewSession(Config{JailDir: "/srv/jails/a"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	return s
}

func TestDestMaterializedViaAlias(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	// A symlinked directory "/jail/a" was expanded into a mirrored copy at
	// "/jail/real", and handleSymlinkDst recorded the two as aliases of
	// each other, the way it does for any directory-valued symlink target.
	s.aliases.add("/jail/real", "/jail/a")
	s.destinations["/jail/real/sub/file"] = true

	if !s.destMaterializedViaAlias("/jail/a/sub/file") {
		t.Error("expected dst reachable through an aliased ancestor directory")
	}

	if s.destMaterializedViaAlias("/jail/a/sub/other-file") {
		t.Error("dst not in destinations should not be considered materialized")
	}

	if s.destMaterializedViaAlias("/jail/unrelated/sub/file") {
		t.Error("a path with no aliased ancestor should not be considered materialized")
	}
}

func TestDestMaterializedViaAliasWalksEveryAncestor(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	// Only a shallow ancestor ("/jail/a") has a recorded alias; the deeper
	// ones ("/jail/a/sub", "/jail/a/sub/deep") don't. The walk must keep
	// trying shallower prefixes instead of giving up after the first miss.
	s.aliases.add("/jail/real", "/jail/a")
	s.destinations["/jail/real/sub/deep/file"] = true

	if !s.destMaterializedViaAlias("/jail/a/sub/deep/file") {
		t.Error("expected the walk to reach the shallow aliased ancestor")
	}
}

func TestDestMaterializedViaAliasNoAliases(t *testing.T) {
	t.Parallel()

	s := newTestSession(t)

	if s.destMaterializedViaAlias("/jail/a/sub/file") {
		t.Error("no aliases recorded, nothing should be materialized")
	}
}

// TestLinkRecoversViaAlias exercises link() end to end: dst already exists
// as an unrelated file (so unix.Link returns EEXIST and the same-inode
// check fails), but the destination is reachable through a recorded
// directory alias, matching x_link_eexist_ok's second check.
func TestLinkRecoversViaAlias(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	src := dir + "/src-file"
	if err := os.WriteFile(src, []byte("content"), 0644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	dst := dir + "/a/f"
	if err := os.MkdirAll(dir+"/a", 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(dst, []byte("unrelated"), 0644); err != nil {
		t.Fatalf("write dst: %v", err)
	}

	s := newTestSession(t)
	s.aliases.add(dir+"/real", dir+"/a")
	s.destinations[dir+"/real/f"] = true

	if err := s.link(src, dst); err != nil {
		t.Errorf("link() = %v, want recovery via alias", err)
	}
}

// TestLinkReturnsEEXISTWithoutMatchingAlias confirms link() still surfaces
// the original error when no alias explains the collision.
func TestLinkReturnsEEXISTWithoutMatchingAlias(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	src := dir + "/src-file"
	if err := os.WriteFile(src, []byte("content"), 0644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	dst := dir + "/dst-file"
	if err := os.WriteFile(dst, []byte("unrelated"), 0644); err != nil {
		t.Fatalf("write dst: %v", err)
	}

	s := newTestSession(t)

	if err := s.link(src, dst); err != unix.EEXIST {
		t.Errorf("link() = %v, want EEXIST", err)
	}
}

// TestLinkSameInodeSucceeds confirms the pre-existing dev/inode shortcut
// still short-circuits before the alias walk runs.
func TestLinkSameInodeSucceeds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	src := dir + "/src-file"
	if err := os.WriteFile(src, []byte("content"), 0644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	dst := dir + "/dst-file"
	if err := unix.Link(src, dst); err != nil {
		t.Fatalf("pre-link: %v", err)
	}

	s := newTestSession(t)

	if err := s.link(src, dst); err != nil {
		t.Errorf("link() = %v, want nil for an already-identical hard link", err)
	}
}
