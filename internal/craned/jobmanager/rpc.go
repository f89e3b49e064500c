package jobmanager

import (
	"context"
	"fmt"

	"github.com/crane-sched/craned/internal/craned/ctlrpc"
	"github.com/crane-sched/craned/internal/craned/model"
)

// AgentServer adapts a Manager to ctlrpc.AgentServer, translating each
// controller-initiated RPC of §6 into the corresponding Manager call.
type AgentServer struct {
	Manager *Manager
}

var _ ctlrpc.AgentServer = (*AgentServer)(nil)

func (a *AgentServer) Configure(ctx context.Context, req *ctlrpc.ConfigureRequest) (*ctlrpc.ConfigureReply, error) {
	controller := make(map[model.JobId]struct {
		Spec model.JobSpec
		Task model.TaskSpec
	}, len(req.Jobs))
	for id, spec := range req.Jobs {
		task := req.Tasks[id]
		controller[model.JobId(id)] = struct {
			Spec model.JobSpec
			Task model.TaskSpec
		}{Spec: spec, Task: task}
	}

	pids, err := a.Manager.RediscoverSupervisors(ctx)
	if err != nil {
		return nil, err
	}

	_, nonexistent := a.Manager.Recover(ctx, RecoveryInput{SupervisorPIDs: pids, Controller: controller})
	missing := make([]uint32, 0, len(nonexistent))
	for _, id := range nonexistent {
		missing = append(missing, uint32(id))
	}
	return &ctlrpc.ConfigureReply{MissingJobIds: missing}, nil
}

func (a *AgentServer) ExecuteTask(ctx context.Context, req *ctlrpc.ExecuteTaskRequest) (*ctlrpc.ExecuteTaskReply, error) {
	results := a.Manager.AllocateJobs([]model.JobSpec{req.Job})
	if !results[req.Job.JobId] {
		return &ctlrpc.ExecuteTaskReply{Accepted: false, Reason: "allocation failed"}, nil
	}
	if err := a.Manager.ExecuteTask(ctx, req.Task); err != nil {
		return &ctlrpc.ExecuteTaskReply{Accepted: false, Reason: err.Error()}, nil
	}
	return &ctlrpc.ExecuteTaskReply{Accepted: true}, nil
}

func (a *AgentServer) TerminateTasks(ctx context.Context, req *ctlrpc.TerminateTasksRequest) (*ctlrpc.Ack, error) {
	for _, id := range req.JobIds {
		_ = a.Manager.TerminateTask(model.JobId(id))
	}
	return &ctlrpc.Ack{Ok: true}, nil
}

func (a *AgentServer) TerminateOrphanedTask(ctx context.Context, req *ctlrpc.TerminateOrphanedTaskRequest) (*ctlrpc.Ack, error) {
	if err := a.Manager.MarkOrphanedAndTerminate(model.JobId(req.JobId)); err != nil {
		return &ctlrpc.Ack{Ok: false, Reason: err.Error()}, nil
	}
	return &ctlrpc.Ack{Ok: true}, nil
}

func (a *AgentServer) CreateCgroupForTasks(ctx context.Context, req *ctlrpc.CreateCgroupForTasksRequest) (*ctlrpc.CreateCgroupForTasksReply, error) {
	results := a.Manager.AllocateJobs(req.Jobs)
	reply := &ctlrpc.CreateCgroupForTasksReply{}
	for id, ok := range results {
		if ok {
			reply.Succeeded = append(reply.Succeeded, uint32(id))
		} else {
			reply.Failed = append(reply.Failed, uint32(id))
		}
	}
	return reply, nil
}

func (a *AgentServer) ReleaseCgroupForTasks(ctx context.Context, req *ctlrpc.ReleaseCgroupForTasksRequest) (*ctlrpc.Ack, error) {
	for _, id := range req.JobIds {
		if err := a.Manager.FreeJobAllocation(model.JobId(id)); err != nil {
			return &ctlrpc.Ack{Ok: false, Reason: err.Error()}, nil
		}
	}
	return &ctlrpc.Ack{Ok: true}, nil
}

func (a *AgentServer) ChangeTaskTimeLimit(ctx context.Context, req *ctlrpc.ChangeTaskTimeLimitRequest) (*ctlrpc.Ack, error) {
	if err := a.Manager.ChangeTaskTimeLimit(model.JobId(req.JobId), req.Seconds); err != nil {
		return &ctlrpc.Ack{Ok: false, Reason: err.Error()}, nil
	}
	return &ctlrpc.Ack{Ok: true}, nil
}

// QueryTaskIdFromPort is not backed by any port->job index in this agent:
// interactive port-forward lookup belongs to a job-forwarding feature
// this agent does not implement.
func (a *AgentServer) QueryTaskIdFromPort(ctx context.Context, req *ctlrpc.QueryTaskIdFromPortRequest) (*ctlrpc.QueryTaskIdFromPortReply, error) {
	return &ctlrpc.QueryTaskIdFromPortReply{Found: false}, nil
}

func (a *AgentServer) QueryTaskEnvVariables(ctx context.Context, req *ctlrpc.QueryTaskEnvVariablesRequest) (*ctlrpc.QueryTaskEnvVariablesReply, error) {
	st, ok := a.Manager.get(model.JobId(req.JobId))
	if !ok {
		return nil, fmt.Errorf("unknown job %d", req.JobId)
	}
	return &ctlrpc.QueryTaskEnvVariablesReply{Env: st.spec.EnvOverlay}, nil
}

// MigrateSshProcToCgroup is not implemented: this agent has no SSH session
// tracking, and migrating an arbitrary external pid into a job's container
// would bypass the Job Manager's single-writer state entirely.
func (a *AgentServer) MigrateSshProcToCgroup(ctx context.Context, req *ctlrpc.MigrateSshProcToCgroupRequest) (*ctlrpc.Ack, error) {
	return &ctlrpc.Ack{Ok: false, Reason: "unsupported"}, nil
}
