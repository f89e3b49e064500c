package jobmanager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crane-sched/craned/internal/craned/agenterr"
	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

// ExecuteTask requires the job's container to exist; spawns a supervisor
// if one is not already present, then forwards ExecuteTask to it. The
// whole operation runs on the manager's single run loop (see Run), so it
// never interleaves with a concurrent TerminateTask/FreeJobAllocation for
// the same job.
//
// Cgroup migration happens inside the supervisor, before it releases
// craned-task-init to exec the user command: the supervisor is handed
// the container's MigrationPaths and writes the task's pid into them
// itself, so the migration is guaranteed to complete before the user
// process runs, not raced against it from a separate process afterward.
func (m *Manager) ExecuteTask(ctx context.Context, task model.TaskSpec) error {
	var opErr error
	m.enqueue(func() {
		st, ok := m.get(task.JobId)
		if !ok {
			opErr = agenterr.Newf(agenterr.ContainerError, "no container for job %d", task.JobId)
			return
		}

		if _, hasRecord := m.keeper.Record(task.JobId); !hasRecord {
			if err := m.keeper.Spawn(ctx, st.spec, task); err != nil {
				m.failJob(task.JobId, agenterr.GetKind(err), err.Error())
				opErr = err
				return
			}
		}

		var deviceEnv map[string]string
		if m.deviceEnv != nil {
			deviceEnv = m.deviceEnv(st.spec.DeviceSet)
		}
		migrationPaths := m.driver.MigrationPaths(st.container)
		pid, err := m.keeper.ExecuteTask(st.spec, task, "", "/bin/bash", m.seccompProfile, deviceEnv, migrationPaths)
		if err != nil {
			m.failJob(task.JobId, agenterr.SpawnFail, err.Error())
			opErr = err
			return
		}

		m.mu.Lock()
		st.task = task
		st.executed = true
		st.startTime = time.Now()
		m.scheduleTimerLocked(st)
		m.mu.Unlock()

		logging.Info(ctx, "task executing", jobField(task.JobId), zap.Int("pid", pid))
	})
	return opErr
}

// TerminateTask forwards to the supervisor; missing jobs are accepted
// silently (idempotent).
func (m *Manager) TerminateTask(job model.JobId) error {
	var opErr error
	m.enqueue(func() {
		opErr = m.keeper.TerminateTask(job, false)
	})
	return opErr
}

// MarkOrphanedAndTerminate behaves like TerminateTask but suppresses the
// subsequent status change.
func (m *Manager) MarkOrphanedAndTerminate(job model.JobId) error {
	var opErr error
	m.enqueue(func() {
		m.mu.Lock()
		if st, ok := m.jobs[job]; ok {
			st.orphaned = true
		}
		m.mu.Unlock()
		opErr = m.keeper.TerminateTask(job, true)
	})
	return opErr
}

// ChangeTaskTimeLimit replaces the agent-side timer and forwards the
// change to the supervisor. If the new deadline has already passed, a
// terminate-by-timeout is issued immediately.
func (m *Manager) ChangeTaskTimeLimit(job model.JobId, seconds int64) error {
	var opErr error
	m.enqueue(func() {
		st, ok := m.get(job)
		if !ok {
			opErr = agenterr.Newf(agenterr.ContainerError, "unknown job %d", job)
			return
		}

		newLimit := time.Duration(seconds) * time.Second
		m.mu.Lock()
		st.limit = newLimit
		if st.timer != nil {
			st.timer.Stop()
		}
		m.scheduleTimerLocked(st)
		m.mu.Unlock()

		if err := m.keeper.ChangeTaskTimeLimit(job, seconds); err != nil {
			opErr = err
			return
		}

		if time.Since(st.startTime) >= newLimit {
			m.terminateByTimeoutLocked(job)
		}
	})
	return opErr
}

// scheduleTimerLocked installs a one-shot timer at start+limit. Caller
// must hold m.mu.
func (m *Manager) scheduleTimerLocked(st *jobState) {
	if st.limit <= 0 {
		return
	}
	remaining := st.limit - time.Since(st.startTime)
	if remaining < 0 {
		remaining = 0
	}
	job := st.spec.JobId
	st.timer = time.AfterFunc(remaining, func() {
		m.terminateByTimeout(job)
	})
}

// terminateByTimeout fires from a timer goroutine, outside the run loop;
// it enqueues onto cmds so it serializes against every other operation on
// the same job rather than racing them directly.
func (m *Manager) terminateByTimeout(job model.JobId) {
	m.enqueue(func() {
		m.terminateByTimeoutLocked(job)
	})
}

func (m *Manager) terminateByTimeoutLocked(job model.JobId) {
	if _, ok := m.get(job); !ok {
		return
	}
	_ = m.keeper.TerminateTask(job, false)
	m.recordStatus(job, model.JobStatusExceedTimeLimit, agenterr.ExceedTimeLimit.ExitCode(), "time limit exceeded")
}

// CheckTaskStatus returns Running for a live job, the last terminal status
// for one pending upstream delivery, or NotFound.
func (m *Manager) CheckTaskStatus(job model.JobId) (model.TaskStatusChange, bool) {
	st, ok := m.get(job)
	if !ok {
		return model.TaskStatusChange{}, false
	}
	if st.lastStatus != nil {
		return *st.lastStatus, true
	}
	return model.TaskStatusChange{JobId: job, Status: model.JobStatusRunning}, true
}

// FreeJobAllocation tears down the container and supervisor record once
// the user process has exited (container empty).
func (m *Manager) FreeJobAllocation(job model.JobId) error {
	var opErr error
	m.enqueue(func() {
		st, ok := m.get(job)
		if !ok {
			return
		}
		empty, err := m.driver.Empty(st.container)
		if err != nil {
			opErr = err
			return
		}
		if !empty {
			opErr = agenterr.Newf(agenterr.ContainerError, "container for job %d is not empty", job)
			return
		}
		if err := m.driver.Destroy(st.container); err != nil {
			opErr = err
			return
		}
		m.keeper.Forget(job)

		m.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.jobs, job)
		m.mu.Unlock()
	})
	return opErr
}

// OnTaskStatusChange is the supervisor-initiated report; orphaned jobs are
// dropped, everything else is forwarded upstream. Runs on the run loop so
// it can't land between a TerminateTask and the FreeJobAllocation that
// follows it for the same job.
func (m *Manager) OnTaskStatusChange(job model.JobId, status model.JobStatus, exitCode int, reason string) {
	m.enqueue(func() {
		m.mu.Lock()
		st, ok := m.jobs[job]
		orphaned := ok && st.orphaned
		m.mu.Unlock()
		if orphaned {
			return
		}
		m.recordStatus(job, status, exitCode, reason)
	})
}

func (m *Manager) failJob(job model.JobId, kind agenterr.Kind, reason string) {
	m.recordStatus(job, model.JobStatusFailed, kind.ExitCode(), reason)
}

func (m *Manager) recordStatus(job model.JobId, status model.JobStatus, exitCode int, reason string) {
	change := model.TaskStatusChange{JobId: job, Status: status, ExitCode: exitCode, Reason: reason}
	m.mu.Lock()
	if st, ok := m.jobs[job]; ok {
		st.lastStatus = &change
	}
	m.mu.Unlock()
	if m.sink != nil {
		m.sink.Emit(change)
	}
}

