package model

import "fmt"

// ContainerGeneration distinguishes the two cgroup generations a host may run.
type ContainerGeneration int

const (
	ContainerV1 ContainerGeneration = iota // hierarchical, multi-mount
	ContainerV2                            // unified, single-hierarchy
)

// ControllerBit is a bitmask flag for one resource controller.
type ControllerBit uint32

const (
	ControllerCPU ControllerBit = 1 << iota
	ControllerMemory
	ControllerIO   // "blkio" on V1, "io" on V2
	ControllerDevices
)

// ContainerName returns the stable cgroup directory name for a job.
func ContainerName(id JobId) string {
	return fmt.Sprintf("Crane_Task_%d", id)
}

// Container is the agent's handle on a job's kernel resource container.
type Container struct {
	JobId      JobId
	Generation ContainerGeneration
	Name       string

	// Enabled is the bitmask of controllers this container actually has
	// materialized, which may be a subset of what was requested.
	Enabled ControllerBit

	// Path is the on-disk cgroup directory. For V1 this is only
	// meaningful per-controller and is tracked in per-generation state;
	// for V2 it is the single unified directory.
	Path string

	// Inode is the V2 container directory's inode number, used as the
	// stable key for device-permission entries. Unused on V1.
	Inode uint64
}

// DeviceKind enumerates the device node kinds the driver distinguishes.
type DeviceKind int

const (
	DeviceChar DeviceKind = iota
	DeviceBlock
	DeviceOther
)

// Device is a node-local enumeration entry for one device file.
type Device struct {
	SlotId SlotId
	Kind   DeviceKind
	Major  int64
	Minor  int64

	// EnvInjector produces the environment variables exposed to a job
	// that this device is assigned to.
	EnvInjector map[string]string
}

// AccessBits controls which operations a device-permission entry allows.
type AccessBits struct {
	Read  bool
	Write bool
	Mknod bool
}

// DevicePermissionEntry is one row of the V2 device-permission table.
// Entries are additive: a device with no entry is allowed.
type DevicePermissionEntry struct {
	ContainerInode uint64
	Major          int64
	Minor          int64
	Kind           DeviceKind
	Deny           bool
	Access         AccessBits
}

// SupervisorRecord is the agent's bookkeeping for one live job's supervisor
// child process.
type SupervisorRecord struct {
	JobId        JobId
	PID          int
	SocketPath   string
	Handshaked   bool
}
