package jobmanager

import (
	"context"
	"time"

	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

// RecoveryInput bundles what the Job Manager is handed at startup to
// reconcile survivors, per §4.4's "Startup recovery".
type RecoveryInput struct {
	SupervisorPIDs map[model.JobId]int
	Controller     map[model.JobId]struct {
		Spec model.JobSpec
		Task model.TaskSpec
	}
	// StartTimes carries the original start time for jobs the controller
	// still considers running, so timers use the real remaining budget.
	StartTimes map[model.JobId]time.Time
}

// Recover intersects the supervisor keeper's survivors with the
// controller's authoritative set. Intersected jobs are recovered in
// "recover" mode (no limit reapplication, no plug-in hook). Jobs present
// only in the supervisor set are orphans; jobs present only in the
// controller set are returned as nonexistent for the controller to cancel.
func (m *Manager) Recover(ctx context.Context, in RecoveryInput) (orphans []model.JobId, nonexistent []model.JobId) {
	for jobID := range in.SupervisorPIDs {
		entry, ok := in.Controller[jobID]
		if !ok {
			orphans = append(orphans, jobID)
			continue
		}

		required := model.ControllerCPU | model.ControllerMemory
		preferred := required | model.ControllerIO | model.ControllerDevices
		container, err := m.driver.CreateOrOpen(jobID, preferred, required, true)
		if err != nil {
			logging.Error(ctx, "recover container failed", jobField(jobID), zapErr(err))
			orphans = append(orphans, jobID)
			continue
		}

		start := time.Now()
		if t, ok := in.StartTimes[jobID]; ok {
			start = t
		}

		st := &jobState{spec: entry.Spec, task: entry.Task, container: container, startTime: start, limit: entry.Spec.TimeLimit, executed: true}
		m.mu.Lock()
		m.jobs[jobID] = st
		m.scheduleTimerLocked(st)
		m.mu.Unlock()
	}

	for jobID := range in.Controller {
		if _, ok := in.SupervisorPIDs[jobID]; !ok {
			nonexistent = append(nonexistent, jobID)
		}
	}
	return orphans, nonexistent
}

// RediscoverSupervisors asks the Supervisor Keeper to scan its socket
// directory for still-live supervisors, seeding Recover's input.
func (m *Manager) RediscoverSupervisors(ctx context.Context) (map[model.JobId]int, error) {
	return m.keeper.Rediscover(ctx)
}

// Shutdown stops accepting new jobs; callers should poll IsIdle and exit
// once it reports true, per the SIGINT contract in §4.4.9.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.ending = true
	m.mu.Unlock()
}

// IsEnding reports whether Shutdown has been called.
func (m *Manager) IsEnding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ending
}

// IsIdle reports whether the live job set is empty.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs) == 0
}
