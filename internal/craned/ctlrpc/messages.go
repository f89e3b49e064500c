package ctlrpc

import "github.com/crane-sched/craned/internal/craned/model"

// ConfigureRequest is the controller's initial handover at connection time:
// the authoritative job/task maps and the "should be running" set.
type ConfigureRequest struct {
	Jobs  map[uint32]model.JobSpec  `json:"jobs"`
	Tasks map[uint32]model.TaskSpec `json:"tasks"`
}

// ConfigureReply lists jobs the agent does not have a supervisor for, so the
// controller can cancel them.
type ConfigureReply struct {
	MissingJobIds []uint32 `json:"missing_job_ids"`
}

type ExecuteTaskRequest struct {
	Job  model.JobSpec  `json:"job"`
	Task model.TaskSpec `json:"task"`
}

type ExecuteTaskReply struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type TerminateTasksRequest struct {
	JobIds []uint32 `json:"job_ids"`
}

type TerminateOrphanedTaskRequest struct {
	JobId uint32 `json:"job_id"`
}

type CreateCgroupForTasksRequest struct {
	Jobs []model.JobSpec `json:"jobs"`
}

type CreateCgroupForTasksReply struct {
	Succeeded []uint32 `json:"succeeded"`
	Failed    []uint32 `json:"failed"`
}

type ReleaseCgroupForTasksRequest struct {
	JobIds []uint32 `json:"job_ids"`
}

type ChangeTaskTimeLimitRequest struct {
	JobId   uint32 `json:"job_id"`
	Seconds int64  `json:"seconds"`
}

type QueryTaskIdFromPortRequest struct {
	Port uint16 `json:"port"`
}

type QueryTaskIdFromPortReply struct {
	Found bool   `json:"found"`
	JobId uint32 `json:"job_id"`
}

type QueryTaskEnvVariablesRequest struct {
	JobId uint32 `json:"job_id"`
}

type QueryTaskEnvVariablesReply struct {
	Env map[string]string `json:"env"`
}

type MigrateSshProcToCgroupRequest struct {
	Pid   int    `json:"pid"`
	JobId uint32 `json:"job_id"`
}

// TaskStatusChangeRequest is the agent -> controller push of §6's single
// terminal-status event type.
type TaskStatusChangeRequest struct {
	Change model.TaskStatusChange `json:"change"`
}

type Ack struct {
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}
