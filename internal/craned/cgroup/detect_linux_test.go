//go:build linux

package cgroup

import (
	"testing"

	"github.com/crane-sched/craned/internal/craned/model"
)

func TestControllerBitFor(t *testing.T) {
	cases := map[string]model.ControllerBit{
		"cpu":     model.ControllerCPU,
		"cpuacct": model.ControllerCPU,
		"memory":  model.ControllerMemory,
		"blkio":   model.ControllerIO,
		"io":      model.ControllerIO,
		"devices": model.ControllerDevices,
		"unknown": 0,
	}
	for name, want := range cases {
		if got := controllerBitFor(name); got != want {
			t.Errorf("controllerBitFor(%q) = %v, want %v", name, got, want)
		}
	}
}
