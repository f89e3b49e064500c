//go:build linux

package cgroup

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/devprog"
	"github.com/crane-sched/craned/internal/craned/model"
)

var requiredV2 = model.ControllerCPU | model.ControllerMemory | model.ControllerIO

// v2Driver implements Driver for the unified single-hierarchy cgroup
// model. Each container is one subtree at <root>/Crane_Task_<id>.
type v2Driver struct {
	root      string
	available model.ControllerBit
	devHost   *devprog.Host

	mu sync.Mutex
}

func newV2Driver(cfg Config) (Driver, error) {
	available, err := v2AvailableControllers(cfg.ContainerRoot)
	if err != nil {
		return nil, agenterr.Wrapf(err, agenterr.ContainerError, "read root controllers: %v", err)
	}
	if available&requiredV2 != requiredV2 {
		return nil, agenterr.Newf(agenterr.ContainerError, "required v2 controllers missing: have %v", available)
	}
	tableFile := cfg.DeviceMapFile
	if tableFile == "" {
		tableFile = filepath.Join(cfg.ContainerRoot, ".craned-device-table.json")
	}
	return &v2Driver{
		root:      cfg.ContainerRoot,
		available: available,
		devHost:   devprog.NewHost(tableFile),
	}, nil
}

func v2AvailableControllers(root string) (model.ControllerBit, error) {
	data, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return 0, err
	}
	var bits model.ControllerBit
	for _, name := range strings.Fields(string(data)) {
		bits |= controllerBitFor(name)
	}
	return bits, nil
}

func (d *v2Driver) Generation() model.ContainerGeneration     { return model.ContainerV2 }
func (d *v2Driver) AvailableControllers() model.ControllerBit { return d.available }

func (d *v2Driver) dir(id model.JobId) string {
	return filepath.Join(d.root, model.ContainerName(id))
}

func (d *v2Driver) CreateOrOpen(id model.JobId, preferred, required model.ControllerBit, recoverExisting bool) (*model.Container, error) {
	dir := d.dir(id)
	want := preferred | required

	if recoverExisting {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			inode, _ := inodeOf(dir)
			return &model.Container{JobId: id, Generation: model.ContainerV2, Name: model.ContainerName(id), Path: dir, Enabled: want & d.available, Inode: inode}, nil
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, agenterr.Wrapf(err, agenterr.ContainerError, "create v2 container: %v", err)
	}
	enabled := want & d.available
	if enabled&required != required {
		return nil, agenterr.Newf(agenterr.ContainerError, "required controllers not delegated for job %d", id)
	}
	// Subtree controllers must be enabled from the root's
	// cgroup.subtree_control for children to see them.
	for _, ctrl := range []struct {
		bit  model.ControllerBit
		name string
	}{
		{model.ControllerCPU, "cpu"},
		{model.ControllerMemory, "memory"},
		{model.ControllerIO, "io"},
	} {
		if enabled&ctrl.bit == 0 {
			continue
		}
		_ = writeFile(filepath.Join(d.root, "cgroup.subtree_control"), "+"+ctrl.name)
	}

	inode, err := inodeOf(dir)
	if err != nil {
		return nil, agenterr.Wrap(err, agenterr.ContainerError)
	}
	return &model.Container{JobId: id, Generation: model.ContainerV2, Name: model.ContainerName(id), Path: dir, Enabled: enabled, Inode: inode}, nil
}

func inodeOf(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, nil
	}
	return st.Ino, nil
}

func (d *v2Driver) ApplyCPUFraction(c *model.Container, fraction float64) error {
	const period = 1 << 16
	quota := int64(math.Round(fraction * period))
	value := strconv.FormatInt(quota, 10) + " " + strconv.Itoa(period)
	return wrapContainerErr(writeFile(filepath.Join(d.dir(c.JobId), "cpu.max"), value))
}

func (d *v2Driver) ApplyCPUWeight(c *model.Container, weight uint64) error {
	return wrapContainerErr(writeFile(filepath.Join(d.dir(c.JobId), "cpu.weight"), strconv.FormatUint(weight, 10)))
}

func (d *v2Driver) ApplyMemoryCap(c *model.Container, bytes int64) error {
	return wrapContainerErr(writeFile(filepath.Join(d.dir(c.JobId), "memory.max"), strconv.FormatInt(bytes, 10)))
}

func (d *v2Driver) ApplyMemorySoftCap(c *model.Container, bytes int64) error {
	_ = writeFile(filepath.Join(d.dir(c.JobId), "memory.high"), strconv.FormatInt(bytes, 10))
	return nil
}

func (d *v2Driver) ApplyMemSwapCap(c *model.Container, bytes int64) error {
	_ = writeFile(filepath.Join(d.dir(c.JobId), "memory.swap.max"), strconv.FormatInt(bytes, 10))
	return nil
}

func (d *v2Driver) ApplyIOWeight(c *model.Container, weight uint64) error {
	return wrapContainerErr(writeFile(filepath.Join(d.dir(c.JobId), "io.weight"), strconv.FormatUint(weight, 10)))
}

func (d *v2Driver) SetDeviceAccess(c *model.Container, known []model.Device, allowed map[model.SlotId]model.AccessBits) error {
	if err := d.devHost.AttachContainer(d.dir(c.JobId), c.Inode); err != nil {
		return err
	}
	var rows []model.DevicePermissionEntry
	for _, dev := range known {
		if _, ok := allowed[dev.SlotId]; ok {
			continue
		}
		rows = append(rows, model.DevicePermissionEntry{
			ContainerInode: c.Inode,
			Major:          dev.Major,
			Minor:          dev.Minor,
			Kind:           dev.Kind,
			Deny:           true,
			Access:         model.AccessBits{Read: true, Write: true, Mknod: true},
		})
	}
	return d.devHost.SetEntries(c.Inode, rows)
}

func (d *v2Driver) MigrationPaths(c *model.Container) []string {
	return []string{filepath.Join(d.dir(c.JobId), "cgroup.procs")}
}

func (d *v2Driver) MigrateIn(c *model.Container, pid int) error {
	path := filepath.Join(d.dir(c.JobId), "cgroup.procs")
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = writeFile(path, strconv.Itoa(pid))
		if lastErr == nil || lastErr != syscall.EINTR {
			break
		}
	}
	return wrapContainerErr(lastErr)
}

func (d *v2Driver) KillAll(c *model.Container) error {
	killPath := filepath.Join(d.dir(c.JobId), "cgroup.kill")
	if _, err := os.Stat(killPath); err == nil {
		return wrapContainerErr(os.WriteFile(killPath, []byte("1"), 0600))
	}
	pids, err := readPidList(filepath.Join(d.dir(c.JobId), "cgroup.procs"))
	if err != nil {
		return wrapContainerErr(err)
	}
	for _, pid := range pids {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

func (d *v2Driver) Empty(c *model.Container) (bool, error) {
	pids, err := readPidList(filepath.Join(d.dir(c.JobId), "cgroup.procs"))
	if err != nil {
		return false, wrapContainerErr(err)
	}
	return len(pids) == 0, nil
}

func (d *v2Driver) Destroy(c *model.Container) error {
	_ = d.devHost.DetachContainer(c.Inode)
	return wrapContainerErr(os.Remove(d.dir(c.JobId)))
}

var v2TaskDirRe = regexp.MustCompile(`^Crane_Task_(\d+)$`)

// Reconcile removes containers whose ids are not in keep.
func (d *v2Driver) Reconcile(keep map[model.JobId]struct{}) error {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return agenterr.Wrap(err, agenterr.ContainerError)
	}
	keptInodes := make(map[uint64]struct{}, len(keep))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := v2TaskDirRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idNum, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		jobID := model.JobId(idNum)
		dir := filepath.Join(d.root, e.Name())
		if _, ok := keep[jobID]; ok {
			if inode, err := inodeOf(dir); err == nil {
				keptInodes[inode] = struct{}{}
			}
			continue
		}
		_ = os.Remove(dir)
	}
	d.devHost.ReconcileInodes(keptInodes)
	return nil
}
