package jail

import (
	"bufio"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// MountFlag bits recognized and stripped out of a mount's option string.
type MountFlag uint32

const (
	MountNoSuid MountFlag = 1 << iota
	MountNoDev
	MountNoExec
	MountReadOnly
	MountNoAtime
	MountNoDirAtime
	MountRelAtime
	MountStrictAtime
)

var mountFlagNames = []struct {
	name string
	flag MountFlag
}{
	{"nosuid", MountNoSuid},
	{"nodev", MountNoDev},
	{"noexec", MountNoExec},
	{"ro", MountReadOnly},
	{"noatime", MountNoAtime},
	{"nodiratime", MountNoDirAtime},
	{"relatime", MountRelAtime},
	{"strictatime", MountStrictAtime},
}

// MountSlot is a snapshot of one entry from the live mount table.
type MountSlot struct {
	MountPoint string
	FSName     string // source device/path
	Type       string
	Flags      MountFlag
	Data       string // residual options, after recognized flags are stripped
	Allowed    bool
}

// allowedMounts lists the (mount point, fs type) pairs a jail is permitted
// to replicate. Anything else found under a source directory is left alone.
var allowedMounts = map[string]string{
	"/proc":     "proc",
	"/sys":      "sysfs",
	"/dev":      "udev",
	"/dev/pts":  "devpts",
}

// MountTable is a lazily populated, process-lifetime snapshot of the
// kernel's mount table, keyed by mount point.
type MountTable struct {
	mu        sync.Mutex
	slots     map[string]MountSlot
	populated bool
}

func NewMountTable() *MountTable {
	return &MountTable{}
}

// Populate reads /proc/mounts exactly once; later calls are no-ops. Call
// Refresh to force a re-read (used by Teardown after issuing unmounts).
func (t *MountTable) Populate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.populated {
		return nil
	}

	slots, err := readProcMounts()
	if err != nil {
		return fsf("read mount table: %v", err)
	}

	t.slots = slots
	t.populated = true

	return nil
}

// Refresh forces a re-read of /proc/mounts regardless of prior state.
func (t *MountTable) Refresh() error {
	t.mu.Lock()
	t.populated = false
	t.mu.Unlock()

	return t.Populate()
}

// Lookup returns the mount slot at the given mount point, if any.
func (t *MountTable) Lookup(mountPoint string) (MountSlot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.slots[strings.TrimRight(mountPoint, "/")]

	return slot, ok
}

// Under returns every mount point under (or equal to) prefix. The order of
// the returned slots is not defined: they come from a map, not from the
// line order of /proc/mounts.
func (t *MountTable) Under(prefix string) []MountSlot {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix = strings.TrimRight(prefix, "/")

	var out []MountSlot

	for mp, slot := range t.slots {
		if mp == prefix || strings.HasPrefix(mp, prefix+"/") {
			out = append(out, slot)
		}
	}

	return out
}

// IsMountPoint reports whether path is itself a mount point in the
// snapshot. Used by Teardown and OwnershipApplier to avoid crossing into
// mounted subtrees.
func (t *MountTable) IsMountPoint(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.slots[strings.TrimRight(path, "/")]

	return ok
}

func readProcMounts() (map[string]MountSlot, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	slots := make(map[string]MountSlot)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}

		fsname, mountPoint, fstype, opts := fields[0], fields[1], fields[2], fields[3]
		flags, data := parseMountOptions(opts)

		slots[strings.TrimRight(mountPoint, "/")] = MountSlot{
			MountPoint: mountPoint,
			FSName:     fsname,
			Type:       fstype,
			Flags:      flags,
			Data:       data,
			Allowed:    allowedMounts[mountPoint] == fstype,
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return slots, nil
}

// parseMountOptions strips recognized flag keywords out of a comma-joined
// mount option string, returning the parsed flag bits and the remaining,
// filesystem-specific residual.
func parseMountOptions(opts string) (MountFlag, string) {
	var flags MountFlag

	var residual []string

	for _, opt := range strings.Split(opts, ",") {
		matched := false

		for _, mf := range mountFlagNames {
			if opt == mf.name {
				flags |= mf.flag
				matched = true

				break
			}
		}

		if !matched {
			residual = append(residual, opt)
		}
	}

	return flags, strings.Join(residual, ",")
}

func toUnixMountFlags(flags MountFlag) uintptr {
	var out uintptr

	pairs := []struct {
		flag MountFlag
		bit  uintptr
	}{
		{MountNoSuid, unix.MS_NOSUID},
		{MountNoDev, unix.MS_NODEV},
		{MountNoExec, unix.MS_NOEXEC},
		{MountReadOnly, unix.MS_RDONLY},
		{MountNoAtime, unix.MS_NOATIME},
		{MountNoDirAtime, unix.MS_NODIRATIME},
		{MountRelAtime, unix.MS_RELATIME},
		{MountStrictAtime, unix.MS_STRICTATIME},
	}

	for _, p := range pairs {
		if flags&p.flag != 0 {
			out |= p.bit
		}
	}

	return out
}

// replicateMount mounts a fresh instance of slot's filesystem type at dst,
// matching the original's handle_mount: it mounts the same (fsname, type,
// flags, data) the source carried, not a bind mount of the existing
// instance. A no-op if dst already carries an identical mount.
func replicateMount(slot MountSlot, dst string) error {
	existing := NewMountTable()
	if err := existing.Populate(); err == nil {
		if cur, ok := existing.Lookup(dst); ok &&
			cur.FSName == slot.FSName && cur.Type == slot.Type &&
			cur.Flags == slot.Flags && cur.Data == slot.Data {
			return nil
		}
	}

	return unix.Mount(slot.FSName, dst, slot.Type, toUnixMountFlags(slot.Flags), slot.Data)
}
