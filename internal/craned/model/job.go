// Package model defines the data types shared across the compute-node agent:
// jobs, steps, containers, devices, and the bookkeeping records that tie
// them together.
package model

import "time"

// JobType distinguishes how a job's single step is meant to run.
type JobType int

const (
	JobBatch JobType = iota
	JobInteractiveAllocation
	JobInteractiveRun
)

func (t JobType) String() string {
	switch t {
	case JobBatch:
		return "Batch"
	case JobInteractiveAllocation:
		return "Interactive-Allocation"
	case JobInteractiveRun:
		return "Interactive-Run"
	default:
		return "Unknown"
	}
}

// JobId is a process-wide-unique identifier for a job.
type JobId uint32

// SlotId is the stable identifier for a dedicated device: its device-file path.
type SlotId string

// JobSpec is the allocation-time description of a job, handed to the agent
// by the controller.
type JobSpec struct {
	JobId JobId

	Uid      uint32
	Gid      uint32
	Username string

	CpuCount   float64 // fractional CPU count
	MemoryMB   int64   // memory cap
	MemSwapMB  int64   // optional memory+swap cap, 0 = unset
	DeviceSet  map[SlotId]struct{}

	TimeLimit time.Duration

	WorkDir    string
	EnvOverlay map[string]string

	InheritLoginEnv bool

	Type JobType

	// context fields threaded into CRANE_* environment variables.
	NodeList  string
	Excludes  string
	JobName   string
	Account   string
	Partition string
	Qos       string
}

// TaskSpec describes the single step run within a job.
type TaskSpec struct {
	JobId JobId

	CmdLine string

	StdoutPattern string
	StderrPattern string

	Pty bool

	RelayEndpoint string

	ResolvedExecutable string
}

// JobStatus is the terminal (or running) status of a job as reported
// upstream.
type JobStatus int

const (
	JobStatusRunning JobStatus = iota
	JobStatusCompleted
	JobStatusFailed
	JobStatusExceedTimeLimit
	JobStatusCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusRunning:
		return "Running"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusExceedTimeLimit:
		return "ExceedTimeLimit"
	case JobStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// TaskStatusChange is the single event type the agent emits upstream for a
// job's terminal (or intermediate) status.
type TaskStatusChange struct {
	JobId    JobId
	Status   JobStatus
	ExitCode int
	Reason   string
}
