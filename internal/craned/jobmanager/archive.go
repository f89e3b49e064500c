package jobmanager

import (
	"context"

	"github.com/crane-sched/craned/internal/craned/archive"
	"github.com/crane-sched/craned/internal/craned/model"
	"github.com/crane-sched/craned/internal/craned/supervisor"
)

// ArchiveSink is a StatusSink that uploads a job's resolved stdout/stderr
// to object storage once it reaches a terminal state, resolving the same
// output paths the supervisor would have written to.
type ArchiveSink struct {
	Manager  *Manager
	Archiver *archive.Archiver
}

func (a *ArchiveSink) Emit(change model.TaskStatusChange) {
	if change.Status == model.JobStatusRunning {
		return
	}
	st, ok := a.Manager.get(change.JobId)
	if !ok {
		return
	}
	stdout := supervisor.ResolveOutputPath(st.task.StdoutPattern, st.spec.WorkDir, change.JobId, st.spec.Username, st.spec.JobName)
	stderr := ""
	if st.task.StderrPattern != "" {
		stderr = supervisor.ResolveOutputPath(st.task.StderrPattern, st.spec.WorkDir, change.JobId, st.spec.Username, st.spec.JobName)
	}
	a.Archiver.Archive(context.Background(), change.JobId, stdout, stderr)
}
