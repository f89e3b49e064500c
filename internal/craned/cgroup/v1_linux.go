//go:build linux

package cgroup

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/model"
)

var requiredV1 = model.ControllerCPU | model.ControllerMemory | model.ControllerDevices

// v1Driver implements Driver for the hierarchical, multi-mount cgroup
// model. Each controller lives at <root>/<controller>/Crane_Task_<id>.
type v1Driver struct {
	root       string
	hierarchy  map[string]int
	available  model.ControllerBit
}

func newV1Driver(cfg Config) (Driver, error) {
	hierarchy, err := v1ControllerHierarchies()
	if err != nil {
		return nil, agenterr.Wrapf(err, agenterr.ContainerError, "enumerate v1 controllers: %v", err)
	}
	var available model.ControllerBit
	for name := range hierarchy {
		available |= controllerBitFor(name)
	}
	if available&requiredV1 != requiredV1 {
		return nil, agenterr.Newf(agenterr.ContainerError, "required v1 controllers missing: have %v", available)
	}
	return &v1Driver{root: cfg.ContainerRoot, hierarchy: hierarchy, available: available}, nil
}

func (d *v1Driver) Generation() model.ContainerGeneration { return model.ContainerV1 }
func (d *v1Driver) AvailableControllers() model.ControllerBit { return d.available }

func (d *v1Driver) controllerDir(name string, id model.JobId) string {
	return filepath.Join(d.root, name, model.ContainerName(id))
}

func (d *v1Driver) CreateOrOpen(id model.JobId, preferred, required model.ControllerBit, recoverExisting bool) (*model.Container, error) {
	enabled := model.ControllerBit(0)
	for _, ctrl := range []struct {
		bit  model.ControllerBit
		name string
	}{
		{model.ControllerCPU, "cpu"},
		{model.ControllerMemory, "memory"},
		{model.ControllerIO, "blkio"},
		{model.ControllerDevices, "devices"},
	} {
		want := (preferred | required) & ctrl.bit
		if want == 0 || d.available&ctrl.bit == 0 {
			continue
		}
		dir := d.controllerDir(ctrl.name, id)
		if recoverExisting {
			if _, err := os.Stat(dir); err == nil {
				enabled |= ctrl.bit
				continue
			}
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			if required&ctrl.bit != 0 {
				return nil, agenterr.Wrapf(err, agenterr.ContainerError, "create %s cgroup: %v", ctrl.name, err)
			}
			continue
		}
		if ctrl.bit == model.ControllerMemory {
			_ = writeFile(filepath.Join(dir, "memory.use_hierarchy"), "1")
		}
		enabled |= ctrl.bit
	}
	if enabled&required != required {
		return nil, agenterr.Newf(agenterr.ContainerError, "failed to enable required controllers for job %d", id)
	}
	return &model.Container{
		JobId:      id,
		Generation: model.ContainerV1,
		Name:       model.ContainerName(id),
		Enabled:    enabled,
	}, nil
}

func (d *v1Driver) ApplyCPUFraction(c *model.Container, fraction float64) error {
	const period = 1 << 16
	quota := int64(math.Round(fraction * period))
	dir := d.controllerDir("cpu", c.JobId)
	if err := writeFile(filepath.Join(dir, "cpu.cfs_period_us"), strconv.Itoa(period)); err != nil {
		return agenterr.Wrap(err, agenterr.ContainerError)
	}
	if err := writeFile(filepath.Join(dir, "cpu.cfs_quota_us"), strconv.FormatInt(quota, 10)); err != nil {
		return agenterr.Wrap(err, agenterr.ContainerError)
	}
	return nil
}

func (d *v1Driver) ApplyCPUWeight(c *model.Container, weight uint64) error {
	dir := d.controllerDir("cpu", c.JobId)
	return wrapContainerErr(writeFile(filepath.Join(dir, "cpu.shares"), strconv.FormatUint(weight, 10)))
}

func (d *v1Driver) ApplyMemoryCap(c *model.Container, bytes int64) error {
	dir := d.controllerDir("memory", c.JobId)
	return wrapContainerErr(writeFile(filepath.Join(dir, "memory.limit_in_bytes"), strconv.FormatInt(bytes, 10)))
}

func (d *v1Driver) ApplyMemorySoftCap(c *model.Container, bytes int64) error {
	dir := d.controllerDir("memory", c.JobId)
	// Best-effort: failure is logged by the caller, not propagated.
	_ = writeFile(filepath.Join(dir, "memory.soft_limit_in_bytes"), strconv.FormatInt(bytes, 10))
	return nil
}

func (d *v1Driver) ApplyMemSwapCap(c *model.Container, bytes int64) error {
	dir := d.controllerDir("memory", c.JobId)
	_ = writeFile(filepath.Join(dir, "memory.memsw.limit_in_bytes"), strconv.FormatInt(bytes, 10))
	return nil
}

func (d *v1Driver) ApplyIOWeight(c *model.Container, weight uint64) error {
	dir := d.controllerDir("blkio", c.JobId)
	return wrapContainerErr(writeFile(filepath.Join(dir, "blkio.weight"), strconv.FormatUint(weight, 10)))
}

func (d *v1Driver) SetDeviceAccess(c *model.Container, known []model.Device, allowed map[model.SlotId]model.AccessBits) error {
	dir := d.controllerDir("devices", c.JobId)
	for _, dev := range known {
		if _, ok := allowed[dev.SlotId]; ok {
			continue
		}
		kind := "c"
		if dev.Kind == model.DeviceBlock {
			kind = "b"
		}
		line := kind + " " + strconv.FormatInt(dev.Major, 10) + ":" + strconv.FormatInt(dev.Minor, 10) + " rwm"
		if err := writeFile(filepath.Join(dir, "devices.deny"), line); err != nil {
			return agenterr.Wrapf(err, agenterr.ContainerError, "deny device %s: %v", dev.SlotId, err)
		}
	}
	return nil
}

func (d *v1Driver) MigrationPaths(c *model.Container) []string {
	var paths []string
	for _, ctrl := range []string{"cpu", "memory", "blkio", "devices"} {
		if c.Enabled&controllerBitFor(ctrl) == 0 {
			continue
		}
		paths = append(paths, filepath.Join(d.controllerDir(ctrl, c.JobId), "cgroup.procs"))
	}
	return paths
}

func (d *v1Driver) MigrateIn(c *model.Container, pid int) error {
	var lastErr error
	for _, ctrl := range []string{"cpu", "memory", "blkio", "devices"} {
		bit := controllerBitFor(ctrl)
		if c.Enabled&bit == 0 {
			continue
		}
		dir := d.controllerDir(ctrl, c.JobId)
		for attempt := 0; attempt < 3; attempt++ {
			err := writeFile(filepath.Join(dir, "cgroup.procs"), strconv.Itoa(pid))
			if err == nil {
				lastErr = nil
				break
			}
			lastErr = err
			if err != syscall.EINTR {
				break
			}
		}
		if lastErr != nil {
			return agenterr.Wrapf(lastErr, agenterr.ContainerError, "migrate pid %d into %s: %v", pid, ctrl, lastErr)
		}
	}
	return nil
}

func (d *v1Driver) KillAll(c *model.Container) error {
	dir := d.controllerDir("memory", c.JobId)
	if c.Enabled&model.ControllerMemory == 0 {
		dir = d.controllerDir("cpu", c.JobId)
	}
	pids, err := readPidList(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return agenterr.Wrap(err, agenterr.ContainerError)
	}
	for _, pid := range pids {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
	return nil
}

func (d *v1Driver) Empty(c *model.Container) (bool, error) {
	dir := d.controllerDir("memory", c.JobId)
	if c.Enabled&model.ControllerMemory == 0 {
		dir = d.controllerDir("cpu", c.JobId)
	}
	pids, err := readPidList(filepath.Join(dir, "cgroup.procs"))
	if err != nil {
		return false, agenterr.Wrap(err, agenterr.ContainerError)
	}
	return len(pids) == 0, nil
}

func (d *v1Driver) Destroy(c *model.Container) error {
	for _, ctrl := range []string{"cpu", "memory", "blkio", "devices"} {
		bit := controllerBitFor(ctrl)
		if c.Enabled&bit == 0 {
			continue
		}
		_ = os.Remove(d.controllerDir(ctrl, c.JobId))
	}
	return nil
}

var v1TaskDirRe = regexp.MustCompile(`^Crane_Task_(\d+)$`)

func (d *v1Driver) Reconcile(keep map[model.JobId]struct{}) error {
	for name := range d.hierarchy {
		ctrlDir := filepath.Join(d.root, name)
		entries, err := os.ReadDir(ctrlDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			m := v1TaskDirRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			idNum, err := strconv.ParseUint(m[1], 10, 32)
			if err != nil {
				continue
			}
			if _, ok := keep[model.JobId(idNum)]; ok {
				continue
			}
			_ = os.Remove(filepath.Join(ctrlDir, e.Name()))
		}
	}
	return nil
}

func writeFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0640)
}

func readPidList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func wrapContainerErr(err error) error {
	if err == nil {
		return nil
	}
	return agenterr.Wrap(err, agenterr.ContainerError)
}
