// Package cgroup implements the Container Driver: it abstracts the two
// cgroup generations (hierarchical v1, unified v2) behind one interface,
// applies resource limits, enforces device access, and owns container
// lifecycle including startup reconciliation.
package cgroup

import (
	"github.com/crane-sched/craned/internal/craned/model"
)

// Driver is the Container Driver's interface, implemented once per cgroup
// generation.
type Driver interface {
	Generation() model.ContainerGeneration
	AvailableControllers() model.ControllerBit

	// CreateOrOpen materializes (or, if recover is set and it already
	// exists, adopts) the container for a job.
	CreateOrOpen(id model.JobId, preferred, required model.ControllerBit, recoverExisting bool) (*model.Container, error)

	ApplyCPUFraction(c *model.Container, fraction float64) error
	ApplyCPUWeight(c *model.Container, weight uint64) error
	ApplyMemoryCap(c *model.Container, bytes int64) error
	ApplyMemorySoftCap(c *model.Container, bytes int64) error
	ApplyMemSwapCap(c *model.Container, bytes int64) error
	ApplyIOWeight(c *model.Container, weight uint64) error

	// SetDeviceAccess writes deny entries for every known device whose
	// SlotId is not present in allowed.
	SetDeviceAccess(c *model.Container, known []model.Device, allowed map[model.SlotId]model.AccessBits) error

	MigrateIn(c *model.Container, pid int) error

	// MigrationPaths returns the cgroup.procs files a task's pid must be
	// written into before it execs its user command, so the supervisor
	// can perform the migration itself pre-exec rather than racing the
	// agent's own MigrateIn call against the task's execve.
	MigrationPaths(c *model.Container) []string

	KillAll(c *model.Container) error
	Empty(c *model.Container) (bool, error)
	Destroy(c *model.Container) error

	// Reconcile tears down any on-disk container not present in keep.
	Reconcile(keep map[model.JobId]struct{}) error
}

// Config controls driver construction.
type Config struct {
	ContainerRoot string
	DeviceMapFile string // V2 only: persisted device-permission table path
}
