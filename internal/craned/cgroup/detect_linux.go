//go:build linux

package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/model"
)

const cgroup2SuperMagic = 0x63677270

// NewDriver probes the host's cgroup model and returns the matching Driver.
// A host exposing both a cgroup2 mount at ContainerRoot and legacy v1
// per-controller mounts is a hybrid and is rejected.
func NewDriver(cfg Config) (Driver, error) {
	unified, err := isUnifiedMount(cfg.ContainerRoot)
	if err != nil {
		return nil, agenterr.Wrapf(err, agenterr.ContainerError, "statfs container root: %v", err)
	}
	if unified {
		return newV2Driver(cfg)
	}
	return newV1Driver(cfg)
}

func isUnifiedMount(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return int64(st.Type) == cgroup2SuperMagic, nil
}

// v1ControllerHierarchies reads /proc/cgroups and returns the set of
// controllers with a non-zero hierarchy id, i.e. actually mounted.
func v1ControllerHierarchies() (map[string]int, error) {
	f, err := os.Open("/proc/cgroups")
	if err != nil {
		return nil, fmt.Errorf("open /proc/cgroups: %w", err)
	}
	defer f.Close()

	out := make(map[string]int)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		var hierarchy, enabled int
		name := fields[0]
		fmt.Sscanf(fields[1], "%d", &hierarchy)
		fmt.Sscanf(fields[3], "%d", &enabled)
		if hierarchy != 0 && enabled != 0 {
			out[name] = hierarchy
		}
	}
	return out, sc.Err()
}

func controllerBitFor(name string) model.ControllerBit {
	switch name {
	case "cpu", "cpuacct":
		return model.ControllerCPU
	case "memory":
		return model.ControllerMemory
	case "blkio", "io":
		return model.ControllerIO
	case "devices":
		return model.ControllerDevices
	default:
		return 0
	}
}
