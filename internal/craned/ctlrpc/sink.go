package ctlrpc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crane-sched/craned/internal/craned/logging"
	"github.com/crane-sched/craned/internal/craned/model"
)

// Sink adapts a ControllerClient into a jobmanager.StatusSink: every
// TaskStatusChange the Job Manager decides to emit is pushed upstream via
// the single grpc call, best-effort.
type Sink struct {
	Client *ControllerClient
}

// Emit implements jobmanager.StatusSink.
func (s *Sink) Emit(change model.TaskStatusChange) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Client.TaskStatusChange(ctx, &TaskStatusChangeRequest{Change: change}); err != nil {
		logging.Warn(ctx, "report task status change upstream failed",
			zap.Uint32("job_id", uint32(change.JobId)), zap.Error(err))
	}
}
