package jobmanager

import (
	"time"

	"github.com/crane-sched/craned/internal/craned/debugapi"
	"github.com/crane-sched/craned/internal/craned/model"
)

// ListJobs implements debugapi.JobLister.
func (m *Manager) ListJobs() []debugapi.JobSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]debugapi.JobSummary, 0, len(m.jobs))
	for id, st := range m.jobs {
		out = append(out, summarize(id, st))
	}
	return out
}

// JobDetail implements debugapi.JobLister.
func (m *Manager) JobDetail(id model.JobId) (debugapi.JobSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok {
		return debugapi.JobSummary{}, false
	}
	return summarize(id, st), true
}

func summarize(id model.JobId, st *jobState) debugapi.JobSummary {
	status := model.JobStatusRunning
	if st.lastStatus != nil {
		status = st.lastStatus.Status
	}
	summary := debugapi.JobSummary{JobId: id, Status: status}
	if !st.startTime.IsZero() {
		summary.StartedAt = st.startTime.Format(time.RFC3339)
	}
	if rec, ok := m.recordPID(id); ok {
		summary.PID = rec
	}
	return summary
}

func (m *Manager) recordPID(id model.JobId) (int, bool) {
	rec, ok := m.keeper.Record(id)
	if !ok {
		return 0, false
	}
	return rec.PID, true
}
