// Package devprog hosts the single process-scoped in-kernel device-access
// filter program and the permission table backing it, used by the V2
// Container Driver to enforce per-job device access on the unified cgroup
// hierarchy. See §4.2.
//
// A single BPF_PROG_TYPE_CGROUP_DEVICE program and its backing BPF hash map
// are loaded once, on the first container's initialization, and attached
// unmodified to every subsequent container's cgroup directory; the program
// disambiguates at runtime by looking itself up via
// bpf_get_current_cgroup_id() and indexing the shared map on
// (cgroup_id, major, minor), the same scheme
// _examples/original_source/src/Craned/Craned/CgroupManager.cpp's
// BpfRuntimeInfo::InitializeBpfObj uses: one program/map pair, a reference
// count bumped per container, torn down only when the last container
// detaches.
package devprog

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/crane-sched/craned/internal/craned/model"
)

// entryKey is the device-permission table key: (container inode, major,
// minor).
type entryKey struct {
	inode uint64
	major int64
	minor int64
}

// Host owns the shared device filter program, its permission map, and the
// set of containers currently attached to it. It is created once at agent
// init and torn down in reverse-init order; fork-child code paths must
// never reach into it.
type Host struct {
	mu sync.Mutex

	tableFile string

	progFD   int // shared program fd; -1 until the first container loads it
	mapFD    int // shared permission-map fd backing progFD
	refCount int

	attached map[uint64]string // container inode -> its cgroup directory
	entries  map[entryKey]model.DevicePermissionEntry
	verbose  bool
}

// NewHost constructs a Host bound to the given persisted table file path.
func NewHost(tableFile string) *Host {
	return &Host{
		tableFile: tableFile,
		progFD:    -1,
		mapFD:     -1,
		attached:  make(map[uint64]string),
		entries:   make(map[entryKey]model.DevicePermissionEntry),
	}
}

// SetVerbose toggles verbose BPF_PROG_LOAD verifier logging; it only takes
// effect the next time the shared program is (re)loaded from a zero
// reference count.
func (h *Host) SetVerbose(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.verbose = v
}

// SetEntries replaces all permission-table rows for one container's inode
// and pushes the delta into the shared kernel map.
func (h *Host) SetEntries(inode uint64, rows []model.DevicePermissionEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.rowsForInodeLocked(inode)
	for k := range h.entries {
		if k.inode == inode {
			delete(h.entries, k)
		}
	}
	for _, row := range rows {
		h.entries[entryKey{inode, row.Major, row.Minor}] = row
	}

	if h.mapFD >= 0 {
		for _, row := range old {
			if err := h.mapDeleteLocked(inode, row.Major, row.Minor); err != nil {
				return err
			}
		}
		for _, row := range rows {
			if !row.Deny {
				continue
			}
			if err := h.mapUpdateLocked(inode, row.Major, row.Minor); err != nil {
				return err
			}
		}
	}

	return h.syncTableLocked()
}

// DetachContainer deletes all of a container's entries from the shared map,
// detaches the shared program from its cgroup directory, and decrements the
// reference count; at zero the program, map, and persisted table file are
// all released.
func (h *Host) DetachContainer(inode uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, row := range h.rowsForInodeLocked(inode) {
		_ = h.mapDeleteLocked(inode, row.Major, row.Minor)
	}
	for k := range h.entries {
		if k.inode == inode {
			delete(h.entries, k)
		}
	}

	dir, ok := h.attached[inode]
	if ok {
		h.detachProgramLocked(dir)
		delete(h.attached, inode)
	}

	if err := h.syncTableLocked(); err != nil {
		return err
	}
	return h.releaseRefLocked()
}

// ReconcileInodes removes entries and attachments for inodes not in keep,
// used during startup reconciliation; each removed container releases one
// reference.
func (h *Host) ReconcileInodes(keep map[uint64]struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.entries {
		if _, ok := keep[k.inode]; !ok {
			_ = h.mapDeleteLocked(k.inode, k.major, k.minor)
			delete(h.entries, k)
		}
	}
	for inode, dir := range h.attached {
		if _, ok := keep[inode]; !ok {
			h.detachProgramLocked(dir)
			delete(h.attached, inode)
			_ = h.releaseRefLocked()
		}
	}
	_ = h.syncTableLocked()
}

// snapshot returns the current table rows, for tests and for rewriting the
// persisted file.
func (h *Host) snapshot() []model.DevicePermissionEntry {
	rows := make([]model.DevicePermissionEntry, 0, len(h.entries))
	for _, row := range h.entries {
		rows = append(rows, row)
	}
	return rows
}

// rowsForInodeLocked returns the current permission rows for one container.
func (h *Host) rowsForInodeLocked(inode uint64) []model.DevicePermissionEntry {
	var rows []model.DevicePermissionEntry
	for k, row := range h.entries {
		if k.inode == inode {
			rows = append(rows, row)
		}
	}
	return rows
}

// syncTableLocked persists the current permission table to disk as JSON,
// for restart-time reconciliation (the kernel map itself does not survive
// an agent restart, since it is never pinned to bpffs).
func (h *Host) syncTableLocked() error {
	if h.tableFile == "" {
		return nil
	}
	if h.refCount == 0 && len(h.entries) == 0 {
		err := os.Remove(h.tableFile)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(h.snapshot())
	if err != nil {
		return err
	}
	return os.WriteFile(h.tableFile, data, 0640)
}
