//go:build !linux

package cgroup

import "github.com/crane-sched/craned/internal/craned/agenterr"

// NewDriver always fails on non-Linux platforms: cgroups are a Linux
// kernel facility.
func NewDriver(cfg Config) (Driver, error) {
	return nil, agenterr.New(agenterr.SystemError).WithMessage("cgroups are unsupported on this platform")
}
